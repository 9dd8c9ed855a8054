package host

import (
	"fmt"
	"sync"

	"github.com/chenxiaolong/MirrorMobile/internal/logger"
	"github.com/chenxiaolong/MirrorMobile/internal/output"
	"github.com/chenxiaolong/MirrorMobile/internal/overlay"
)

// Memory is a head unit without a display. Surfaces are created and destroyed
// on request and frames are kept in memory.
type Memory struct {
	callbacks

	mu     sync.Mutex
	target *output.Memory
	screen overlay.Screen
	seq    int
}

// NewMemory creates a head unit with no surface
func NewMemory() *Memory {
	return &Memory{}
}

// SetSurfaceCallback implements Host
func (m *Memory) SetSurfaceCallback(cb output.SurfaceCallback) {
	m.set(cb)
}

// CreateSurface implements Host. Creating a surface while one exists reports
// it again, the way real hosts sometimes do.
func (m *Memory) CreateSurface(width, height, dpi int) error {
	m.mu.Lock()
	target := m.target
	if target == nil {
		target = output.NewMemory(fmt.Sprintf("memory-%d", m.seq+1))
	}
	surface := output.Surface{Width: width, Height: height, DPI: dpi, Target: target}
	if err := surface.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.target == nil {
		m.seq++
		m.target = target
	}
	m.mu.Unlock()

	logger.WithComponent("host").Info().Stringer("surface", surface).Msg("Surface created")
	m.available(surface)
	return nil
}

// DestroySurface implements Host
func (m *Memory) DestroySurface() error {
	m.mu.Lock()
	m.target = nil
	m.mu.Unlock()

	if !m.destroyed() {
		return ErrNoSurface
	}
	logger.WithComponent("host").Info().Msg("Surface destroyed")
	return nil
}

// ShowScreen implements Host
func (m *Memory) ShowScreen(s overlay.Screen) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.screen = s
}

// LastScreen returns the most recent template
func (m *Memory) LastScreen() overlay.Screen {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen
}

// Stats implements Host
func (m *Memory) Stats() output.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.target == nil {
		return output.Stats{}
	}
	return m.target.Stats()
}

// Name implements Host
func (m *Memory) Name() string {
	return "memory"
}

// Close implements Host
func (m *Memory) Close() error {
	return nil
}
