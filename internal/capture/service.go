package capture

import (
	"fmt"

	"github.com/chenxiaolong/MirrorMobile/internal/logger"
	"github.com/chenxiaolong/MirrorMobile/internal/output"
)

// Options configures a Service
type Options struct {
	// Name is used for the virtual display
	Name string
	// FPS is the virtual display update rate
	FPS int
	// OnFrame is called from the virtual display loop after every rendered frame
	OnFrame func()
}

// Service owns the capture session: the source, the virtual display, the wake
// lock and the persistent notification. Binder methods run on the executor;
// Start, Cancel, Bind and Disconnect may be called from any goroutine.
type Service struct {
	exec     Executor
	prefs    Preferences
	wakeLock WakeLock
	notifier Notifier
	opts     Options

	// Everything below is only touched on the executor
	pendingCancel bool
	listener      Listener
	session       *session
	wakeLockHeld  bool
	connections   map[Connection]struct{}
}

// session is a running capture. display is nil until a target is first attached.
type session struct {
	source  Source
	display *VirtualDisplay
}

// NewService creates a capture service
func NewService(exec Executor, prefs Preferences, wakeLock WakeLock, notifier Notifier, opts Options) *Service {
	if opts.Name == "" {
		opts.Name = "mirrormobile"
	}
	return &Service{
		exec:        exec,
		prefs:       prefs,
		wakeLock:    wakeLock,
		notifier:    notifier,
		opts:        opts,
		connections: make(map[Connection]struct{}),
	}
}

// Bind connects conn to the service. OnServiceConnected is delivered asynchronously.
func (s *Service) Bind(conn Connection) {
	s.exec.Post(func() {
		s.connections[conn] = struct{}{}
		logger.WithComponent("capture").Debug().Msg("Service bound")
		conn.OnServiceConnected(s)
	})
}

// Unbind disconnects conn without notifying it
func (s *Service) Unbind(conn Connection) {
	s.exec.Post(func() {
		delete(s.connections, conn)
	})
}

// Disconnect drops every binding as if the service had crashed. The capture
// session is torn down and connections receive OnServiceDisconnected.
func (s *Service) Disconnect() {
	s.exec.Post(func() {
		log := logger.WithComponent("capture")
		log.Warn().Int("connections", len(s.connections)).Msg("Dropping service connections")

		if s.session != nil {
			s.teardown()
		}
		s.listener = nil
		s.pendingCancel = false

		conns := s.connections
		s.connections = make(map[Connection]struct{})
		for conn := range conns {
			conn.OnServiceDisconnected()
		}
	})
}

// Start begins a capture session with a source the user granted access to
func (s *Service) Start(source Source) {
	s.exec.Post(func() {
		log := logger.WithComponent("capture")

		if s.session != nil {
			log.Warn().Str("source", source.Name()).Msg("Capture session is already running")
			if err := source.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close redundant source")
			}
			return
		}

		s.moveToForeground()

		log.Info().Str("source", source.Name()).Msg("Starting capture session")
		s.session = &session{source: source}

		s.notifyReadyOrCancelled()
	})
}

// Cancel records that the permission request was denied
func (s *Service) Cancel() {
	s.exec.Post(func() {
		logger.WithComponent("capture").Info().Msg("Capture request was cancelled")
		s.pendingCancel = true

		s.notifyReadyOrCancelled()
	})
}

// moveToForeground shows the notification and takes the wake lock
func (s *Service) moveToForeground() {
	log := logger.WithComponent("capture")

	if err := s.notifier.ShowPersistent(); err != nil {
		log.Warn().Err(err).Msg("Failed to show persistent notification")
	}

	if s.prefs.WakeLock() {
		if err := s.wakeLock.Acquire(); err != nil {
			log.Warn().Err(err).Msg("Failed to acquire wake lock")
		} else {
			s.wakeLockHeld = true
		}
	}
}

func (s *Service) notifyReadyOrCancelled() {
	if s.listener == nil {
		return
	}
	if s.pendingCancel {
		s.pendingCancel = false
		s.listener.OnCaptureCancelled()
	} else if s.session != nil {
		s.listener.OnCaptureReady()
	}
}

// RegisterListener registers l. A resolved permission request is reported on
// the next executor turn.
func (s *Service) RegisterListener(l Listener) error {
	if s.listener != nil {
		return fmt.Errorf("%w: %T", ErrDuplicateListener, s.listener)
	}
	s.listener = l

	// The listener may not have been registered when the session was started
	s.exec.Post(s.notifyReadyOrCancelled)
	return nil
}

// UnregisterListener removes l
func (s *Service) UnregisterListener(l Listener) error {
	if s.listener == nil {
		logger.WithComponent("capture").Warn().Msg("Listener not registered")
		return nil
	}
	if s.listener != l {
		return ErrListenerMismatch
	}
	if s.session != nil && s.session.display != nil && s.session.display.HasTarget() {
		return ErrTargetAttached
	}

	s.listener = nil
	return nil
}

// HaveCaptureSession reports whether a capture session is present
func (s *Service) HaveCaptureSession() bool {
	return s.session != nil
}

// StartCapture attaches target to the session
func (s *Service) StartCapture(width, height, dpi int, target output.Target) error {
	if s.session == nil {
		return ErrNoSession
	}
	surface := output.Surface{Width: width, Height: height, DPI: dpi, Target: target}
	if err := surface.Validate(); err != nil {
		return err
	}

	if s.session.display == nil {
		sess := s.session
		s.session.display = NewVirtualDisplay(s.opts.Name, s.opts.FPS, sess.source, s.opts.OnFrame, func(err error) {
			s.exec.Post(func() { s.onSourceFailed(sess, err) })
		})
	}
	s.session.display.SetTarget(width, height, dpi, target)
	return nil
}

// StopCapture detaches the target and, unless detach is set, stops the session
func (s *Service) StopCapture(detach bool) {
	if s.session == nil {
		return
	}
	if s.session.display != nil {
		s.session.display.Detach()
	}
	if !detach {
		logger.WithComponent("capture").Info().Msg("Stopping capture session")
		s.teardown()
		s.exec.Post(s.notifyStopped)
	}
}

// onSourceFailed ends a session whose source stopped working
func (s *Service) onSourceFailed(sess *session, err error) {
	if s.session != sess {
		return
	}
	logger.WithComponent("capture").Error().Err(err).Msg("Capture session stopped unexpectedly")
	s.teardown()
	s.notifyStopped()
}

func (s *Service) notifyStopped() {
	if s.listener != nil {
		s.listener.OnCaptureStopped()
	}
}

// teardown releases every resource of the current session
func (s *Service) teardown() {
	log := logger.WithComponent("capture")
	sess := s.session
	s.session = nil

	if sess.display != nil {
		sess.display.Release()
	}
	if err := sess.source.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close capture source")
	}

	if s.wakeLockHeld {
		if err := s.wakeLock.Release(); err != nil {
			log.Warn().Err(err).Msg("Failed to release wake lock")
		}
		s.wakeLockHeld = false
	}

	if err := s.notifier.Dismiss(); err != nil {
		log.Warn().Err(err).Msg("Failed to dismiss persistent notification")
	}
}

// Shutdown stops any running session. Must be called on the executor.
func (s *Service) Shutdown() {
	if s.session != nil {
		s.teardown()
	}
}
