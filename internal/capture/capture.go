package capture

import (
	"errors"
	"image"

	"github.com/chenxiaolong/MirrorMobile/internal/output"
)

var (
	ErrDuplicateListener = errors.New("capture listener already registered")
	ErrListenerMismatch  = errors.New("unregistering mismatched capture listener")
	ErrTargetAttached    = errors.New("capture still has a render target attached")
	ErrNoSession         = errors.New("capture session not started yet")
)

// Source defines the interface for screen capture backends
type Source interface {
	// Capture grabs the current contents of the screen
	Capture() (*image.RGBA, error)

	// Close releases the backend
	Close() error

	// Name returns a human-readable name for this source
	Name() string
}

// Listener receives capture session events. Exactly one of OnCaptureReady or
// OnCaptureCancelled is delivered once the permission request is resolved.
type Listener interface {
	// OnCaptureReady is called when the capture is ready to have a target attached
	OnCaptureReady()

	// OnCaptureStopped is called when the capture is fully stopped after
	// Binder.StopCapture(false)
	OnCaptureStopped()

	// OnCaptureCancelled is called when the permission request was cancelled
	OnCaptureCancelled()
}

// Binder is the handle used to control the capture session. All methods must be
// called from the executor the Service was created with.
type Binder interface {
	// RegisterListener registers for capture events. Only one listener can be
	// registered at a time. A listener registering after the permission request
	// was resolved receives the ready or cancelled event right after.
	RegisterListener(l Listener) error

	// UnregisterListener removes l. The render target must have been detached or
	// the capture stopped first.
	UnregisterListener(l Listener) error

	// HaveCaptureSession reports whether a capture session is present. If it is
	// not, permission has to be requested before starting a capture.
	HaveCaptureSession() bool

	// StartCapture attaches target to the capture session, creating the virtual
	// display on first use.
	StartCapture(width, height, dpi int, target output.Target) error

	// StopCapture detaches the render target. If detach is false the whole
	// session is shut down and permission must be requested again.
	StopCapture(detach bool)
}

// Connection receives binding events from Service.Bind
type Connection interface {
	OnServiceConnected(b Binder)
	OnServiceDisconnected()
}

// Executor runs functions one at a time on the presentation goroutine
type Executor interface {
	Post(fn func()) bool
}

// WakeLock keeps the display awake while a session is running
type WakeLock interface {
	Acquire() error
	Release() error
}

// Notifier presents the persistent "mirroring active" notification
type Notifier interface {
	ShowPersistent() error
	Dismiss() error
}

// Preferences are the user settings the service consults
type Preferences interface {
	WakeLock() bool
}
