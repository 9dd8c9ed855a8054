package mirror

import (
	"context"
	"fmt"
	"sync"

	"github.com/chenxiaolong/MirrorMobile/internal/capture"
	"github.com/chenxiaolong/MirrorMobile/internal/logger"
	"github.com/chenxiaolong/MirrorMobile/internal/looper"
	"github.com/chenxiaolong/MirrorMobile/internal/output"
	"github.com/chenxiaolong/MirrorMobile/internal/vehicle"
)

// Preferences are the user settings the screen consults
type Preferences interface {
	AutoStart() bool
	DebugMode() bool
}

// ServiceBinding connects the screen to the capture service
type ServiceBinding interface {
	Bind(conn capture.Connection)
	Unbind(conn capture.Connection)
}

// SurfaceHost delivers head unit surfaces
type SurfaceHost interface {
	SetSurfaceCallback(cb output.SurfaceCallback)
}

// SpeedSensor delivers speed readings
type SpeedSensor interface {
	SetListener(l vehicle.Listener)
}

// Observer is told about every state change
type Observer interface {
	OnTransition(op Op, from, to Kind)
}

// Options configures a Screen
type Options struct {
	// Looper must be the executor the capture service was created with
	Looper  *looper.Looper
	Machine *Machine
	Service ServiceBinding
	Prefs   Preferences

	Host     SurfaceHost
	Sensor   SpeedSensor
	Observer Observer

	// DrivingUntilKnown starts in DrivingInitial instead of ParkedInitial
	DrivingUntilKnown bool
	// OnExit is called when the exit button is pressed
	OnExit func()
}

// Snapshot is a read-only view of the screen for API clients
type Snapshot struct {
	State      string   `json:"state"`
	Phase      string   `json:"phase"`
	Driving    bool     `json:"driving"`
	HasService bool     `json:"has_service"`
	HasSurface bool     `json:"has_surface"`
	Surface    string   `json:"surface,omitempty"`
	Template   Template `json:"template"`
	Supported  []string `json:"supported"`

	Kind Kind `json:"-"`
}

// Screen is the presentation layer that feeds host, vehicle, capture and user
// events into the state machine. Capture service callbacks arrive on the
// looper already; everything else is posted to it.
type Screen struct {
	looper   *looper.Looper
	machine  *Machine
	service  ServiceBinding
	prefs    Preferences
	host     SurfaceHost
	sensor   SpeedSensor
	observer Observer
	onExit   func()

	// Only touched on the looper
	state   State
	created bool

	mu          sync.RWMutex
	subscribers []chan Snapshot
}

// NewScreen creates a screen. Nothing happens until Create.
func NewScreen(opts Options) *Screen {
	return &Screen{
		looper:   opts.Looper,
		machine:  opts.Machine,
		service:  opts.Service,
		prefs:    opts.Prefs,
		host:     opts.Host,
		sensor:   opts.Sensor,
		observer: opts.Observer,
		onExit:   opts.OnExit,
		state:    Initial(opts.DrivingUntilKnown),
	}
}

// Create binds the capture service and registers the surface and speed callbacks
func (s *Screen) Create(ctx context.Context) error {
	return s.looper.Call(ctx, func() {
		logger.WithComponent("screen").Debug().Stringer("state", s.state).Msg("Creating screen")

		s.created = true
		if s.host != nil {
			s.host.SetSurfaceCallback(s)
		}
		s.service.Bind(s)
		if s.sensor != nil {
			s.sensor.SetListener(s)
		}
		s.publish()
	})
}

// Destroy stops mirroring, releases every resource the state holds and
// unregisters all callbacks
func (s *Screen) Destroy(ctx context.Context) error {
	return s.looper.Call(ctx, func() {
		if !s.created {
			return
		}
		logger.WithComponent("screen").Debug().Stringer("state", s.state).Msg("Destroying screen")
		s.created = false

		if s.sensor != nil {
			s.sensor.SetListener(nil)
		}

		s.try(StopMirroring{})
		s.try(DetachSurface{})
		if s.state.HasService() {
			s.apply(DetachService{Listener: s})
		}

		s.service.Unbind(s)
		if s.host != nil {
			s.host.SetSurfaceCallback(nil)
		}
	})
}

func (s *Screen) setState(op Op, next State) {
	prev := s.state
	logger.WithComponent("screen").Debug().
		Stringer("op", op).
		Stringer("from", prev).
		Stringer("to", next).
		Msg("Updating state")

	s.state = next
	if s.observer != nil {
		s.observer.OnTransition(op, prev.kind, next.kind)
	}
	s.publish()
}

// apply is the must form for events that are always legal when sequenced correctly
func (s *Screen) apply(e Event) {
	s.setState(e.Op(), s.machine.Apply(s.state, e))
}

// try applies e only if the current state supports it
func (s *Screen) try(e Event) {
	if next, ok := s.machine.TryApply(s.state, e); ok {
		s.setState(e.Op(), next)
	}
}

func (s *Screen) post(fn func()) {
	if !s.looper.Post(fn) {
		logger.WithComponent("screen").Debug().Msg("Dropping event after looper stopped")
	}
}

// OnServiceConnected implements capture.Connection
func (s *Screen) OnServiceConnected(b capture.Binder) {
	logger.WithComponent("screen").Debug().Msg("Connected to capture service")
	s.apply(AttachService{Binder: b, Listener: s, CanRequest: s.prefs.AutoStart()})
}

// OnServiceDisconnected implements capture.Connection
func (s *Screen) OnServiceDisconnected() {
	logger.WithComponent("screen").Warn().Msg("Disconnected from capture service")
	s.apply(DetachService{Listener: s})
}

// OnCaptureReady implements capture.Listener
func (s *Screen) OnCaptureReady() {
	logger.WithComponent("screen").Debug().Msg("Capture is ready")
	s.try(StartMirroring{CanRequest: s.prefs.AutoStart()})
}

// OnCaptureStopped implements capture.Listener. It can arrive in any state with
// a service binding, but only some of them care.
func (s *Screen) OnCaptureStopped() {
	logger.WithComponent("screen").Debug().Msg("Capture was stopped")
	s.try(CaptureStopped{})
}

// OnCaptureCancelled implements capture.Listener
func (s *Screen) OnCaptureCancelled() {
	logger.WithComponent("screen").Debug().Msg("Capture was cancelled")
	s.try(RequestCancelled{})
}

// OnSurfaceAvailable implements output.SurfaceCallback. Hosts may report the
// same surface twice without destroying it in between.
func (s *Screen) OnSurfaceAvailable(surface output.Surface) {
	s.post(func() {
		logger.WithComponent("screen").Debug().Stringer("surface", surface).Msg("Surface is available")
		s.try(AttachSurface{Surface: surface, CanRequest: s.prefs.AutoStart()})
	})
}

// OnSurfaceDestroyed implements output.SurfaceCallback
func (s *Screen) OnSurfaceDestroyed() {
	s.post(func() {
		logger.WithComponent("screen").Debug().Msg("Surface is being destroyed")
		s.try(DetachSurface{})
	})
}

// OnSpeed implements vehicle.Listener
func (s *Screen) OnSpeed(r vehicle.Reading) {
	s.post(func() {
		if !r.Available {
			logger.WithComponent("screen").Warn().Msg("Speed not available, assuming driving")
		}

		if r.IsDriving() {
			s.try(StartDriving{})
		} else {
			// Never prompt just because the vehicle came to a stop
			s.try(StopDriving{CanAutoStart: false})
		}
	})
}

// OnPreferencesChanged refreshes the template
func (s *Screen) OnPreferencesChanged() {
	s.post(s.publish)
}

// Press handles a button press. Buttons that the current template does not
// enable are rejected with ErrActionUnavailable.
func (s *Screen) Press(ctx context.Context, a Action) error {
	var err error
	callErr := s.looper.Call(ctx, func() {
		if !s.template().Enabled(a) {
			err = fmt.Errorf("%w: %s in %s", ErrActionUnavailable, a, s.state.kind)
			return
		}

		log := logger.WithComponent("screen")
		switch a {
		case ActionStart:
			log.Debug().Msg("Start button pressed")
			s.apply(StartMirroring{CanRequest: true})
		case ActionStop:
			log.Debug().Msg("Stop button pressed")
			s.apply(StopMirroring{})
		case ActionExit:
			log.Info().Msg("Exit button pressed")
			if s.onExit != nil {
				s.onExit()
			}
		}
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Snapshot returns the current state
func (s *Screen) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.looper.Call(ctx, func() {
		snap = s.snapshot()
	})
	return snap, err
}

func (s *Screen) template() Template {
	return TemplateFor(s.state.kind, s.prefs.DebugMode())
}

func (s *Screen) snapshot() Snapshot {
	st := s.state
	supported := make([]string, 0)
	for _, op := range st.kind.Supported().Ops() {
		supported = append(supported, op.String())
	}

	snap := Snapshot{
		State:      st.kind.String(),
		Phase:      st.Phase().String(),
		Driving:    st.IsDriving(),
		HasService: st.HasService(),
		HasSurface: st.HasSurface(),
		Template:   s.template(),
		Supported:  supported,
		Kind:       st.kind,
	}
	if surface, ok := st.Surface(); ok {
		snap.Surface = surface.String()
	}
	return snap
}

// Subscribe returns a channel receiving a snapshot after every state change
func (s *Screen) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 16)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe
func (s *Screen) Unsubscribe(ch chan Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (s *Screen) publish() {
	snap := s.snapshot()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscribers {
		select {
		case sub <- snap:
		default:
			// Skip slow subscribers
		}
	}
}
