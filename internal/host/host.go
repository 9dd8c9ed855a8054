// Package host stands in for the automotive head unit. It owns the rendering
// surface, reports the surface lifecycle and draws the screen template when
// nothing is being mirrored.
package host

import (
	"errors"
	"sync"

	"github.com/chenxiaolong/MirrorMobile/internal/output"
	"github.com/chenxiaolong/MirrorMobile/internal/overlay"
)

// ErrNoSurface is returned when destroying a surface that does not exist
var ErrNoSurface = errors.New("no surface to destroy")

// Host is a head unit implementation
type Host interface {
	// SetSurfaceCallback registers cb. If a surface already exists cb is told
	// about it right away. nil unregisters.
	SetSurfaceCallback(cb output.SurfaceCallback)

	// CreateSurface makes a surface of the given size available
	CreateSurface(width, height, dpi int) error

	// DestroySurface tears the surface down
	DestroySurface() error

	// ShowScreen draws the template while nothing is mirrored
	ShowScreen(s overlay.Screen)

	// Stats describes what has been rendered into the current surface
	Stats() output.Stats

	Name() string
	Close() error
}

// callbacks tracks the current surface and the registered callback
type callbacks struct {
	mu      sync.Mutex
	cb      output.SurfaceCallback
	current *output.Surface
}

func (c *callbacks) set(cb output.SurfaceCallback) {
	c.mu.Lock()
	c.cb = cb
	current := c.current
	c.mu.Unlock()

	if cb != nil && current != nil {
		cb.OnSurfaceAvailable(*current)
	}
}

func (c *callbacks) available(s output.Surface) {
	c.mu.Lock()
	c.current = &s
	cb := c.cb
	c.mu.Unlock()

	if cb != nil {
		cb.OnSurfaceAvailable(s)
	}
}

// destroyed reports whether there was a surface to destroy
func (c *callbacks) destroyed() bool {
	c.mu.Lock()
	had := c.current != nil
	c.current = nil
	cb := c.cb
	c.mu.Unlock()

	if had && cb != nil {
		cb.OnSurfaceDestroyed()
	}
	return had
}

func (c *callbacks) surface() (output.Surface, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return output.Surface{}, false
	}
	return *c.current, true
}
