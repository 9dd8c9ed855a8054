// Package metrics exposes Prometheus metrics for the mirroring lifecycle
package metrics

import (
	"github.com/chenxiaolong/MirrorMobile/internal/mirror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements mirror.Observer and permission.Observer and counts
// rendered frames
type Recorder struct {
	transitions *prometheus.CounterVec
	state       *prometheus.GaugeVec
	frames      prometheus.Counter
	permission  *prometheus.CounterVec
}

// NewRecorder registers the metrics with reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)

	r := &Recorder{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrormobile_state_transitions_total",
			Help: "Total number of state transitions by operation and resulting state",
		}, []string{"op", "to"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mirrormobile_state",
			Help: "1 for the current mirroring state, 0 for every other state",
		}, []string{"state"}),
		frames: f.NewCounter(prometheus.CounterOpts{
			Name: "mirrormobile_frames_rendered_total",
			Help: "Total number of frames rendered into the head unit surface",
		}),
		permission: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrormobile_permission_requests_total",
			Help: "Total number of screen capture permission requests by result",
		}, []string{"result"}),
	}

	r.setState(mirror.ParkedInitial)
	return r
}

// OnTransition records a state change
func (r *Recorder) OnTransition(op mirror.Op, _, to mirror.Kind) {
	r.transitions.WithLabelValues(op.String(), to.String()).Inc()
	r.setState(to)
}

func (r *Recorder) setState(current mirror.Kind) {
	for _, k := range mirror.Kinds() {
		v := 0.0
		if k == current {
			v = 1
		}
		r.state.WithLabelValues(k.String()).Set(v)
	}
}

// OnFrame counts a rendered frame
func (r *Recorder) OnFrame() {
	r.frames.Inc()
}

// OnPermissionResult counts a finished permission request
func (r *Recorder) OnPermissionResult(result string) {
	if result == "" {
		result = "unknown"
	}
	r.permission.WithLabelValues(result).Inc()
}
