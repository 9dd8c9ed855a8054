// Package vehicle turns speed telemetry into a driving signal
package vehicle

import (
	"math"
	"sync"

	"github.com/chenxiaolong/MirrorMobile/internal/logger"
)

// DrivingThreshold is the speed in m/s at or above which the vehicle is moving
const DrivingThreshold = 0.001

// Reading is a single speed sample from the host
type Reading struct {
	MetersPerSecond float64 `json:"meters_per_second"`
	// Available is false when the host could not provide the speed
	Available bool `json:"available"`
}

// IsDriving reports whether r means the vehicle is moving in either direction.
// An unknown speed is treated as driving.
func (r Reading) IsDriving() bool {
	if !r.Available {
		return true
	}
	return math.Abs(r.MetersPerSecond) >= DrivingThreshold
}

// Listener receives speed readings
type Listener interface {
	OnSpeed(r Reading)
}

// Sensor fans speed readings out to a single registered listener
type Sensor struct {
	mu       sync.Mutex
	listener Listener
	last     *Reading
}

// NewSensor creates a sensor with no listener
func NewSensor() *Sensor {
	return &Sensor{}
}

// SetListener replaces the listener. nil unregisters.
func (s *Sensor) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Update delivers r to the listener, if any
func (s *Sensor) Update(r Reading) {
	s.mu.Lock()
	l := s.listener
	s.last = &r
	s.mu.Unlock()

	logger.WithComponent("vehicle").Debug().
		Float64("speed", r.MetersPerSecond).
		Bool("available", r.Available).
		Bool("driving", r.IsDriving()).
		Msg("Speed reading")

	if l != nil {
		l.OnSpeed(r)
	}
}

// Last returns the most recent reading
func (s *Sensor) Last() (Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Reading{}, false
	}
	return *s.last, true
}
