package output

import (
	"fmt"
	"image"
)

// Target is a render target captured frames are drawn into.
// This allows us to swap between different surfaces:
// - the X11 head unit window
// - an in-memory surface driven through the control API
// - test doubles
type Target interface {
	// WriteFrame draws a frame sized to the surface dimensions
	WriteFrame(frame *image.RGBA) error

	// Name returns a human-readable name for this target
	Name() string
}

// Surface describes a rendering surface supplied by the head unit
type Surface struct {
	Width  int
	Height int
	DPI    int
	Target Target
}

// Validate checks that the surface can be rendered into
func (s Surface) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid surface size: %dx%d", s.Width, s.Height)
	}
	if s.DPI <= 0 {
		return fmt.Errorf("invalid surface density: %d", s.DPI)
	}
	if s.Target == nil {
		return fmt.Errorf("surface has no render target")
	}
	return nil
}

// String formats the surface for logs
func (s Surface) String() string {
	name := "<nil>"
	if s.Target != nil {
		name = s.Target.Name()
	}
	return fmt.Sprintf("%dx%d@%ddpi(%s)", s.Width, s.Height, s.DPI, name)
}

// SurfaceCallback receives surface lifecycle events from the head unit host
type SurfaceCallback interface {
	OnSurfaceAvailable(s Surface)
	OnSurfaceDestroyed()
}
