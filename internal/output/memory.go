package output

import (
	"image"
	"sync"
	"time"
)

// Memory is a render target that keeps the most recent frame in memory
type Memory struct {
	name string

	mu         sync.RWMutex
	lastFrame  *image.RGBA
	lastUpdate time.Time
	frameCount uint64
}

// NewMemory creates an in-memory render target
func NewMemory(name string) *Memory {
	return &Memory{name: name}
}

// WriteFrame stores the frame
func (m *Memory) WriteFrame(frame *image.RGBA) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastFrame = frame
	m.lastUpdate = time.Now()
	m.frameCount++
	return nil
}

// Name returns the target name
func (m *Memory) Name() string {
	return m.name
}

// Stats describes what a target has rendered so far
type Stats struct {
	Frames     uint64    `json:"frames"`
	LastUpdate time.Time `json:"last_update"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
}

// Stats returns frame statistics
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{Frames: m.frameCount, LastUpdate: m.lastUpdate}
	if m.lastFrame != nil {
		s.Width = m.lastFrame.Bounds().Dx()
		s.Height = m.lastFrame.Bounds().Dy()
	}
	return s
}

// LastFrame returns the most recently written frame, or nil
func (m *Memory) LastFrame() *image.RGBA {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastFrame
}
