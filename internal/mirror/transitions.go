package mirror

import (
	"fmt"

	"github.com/chenxiaolong/MirrorMobile/internal/capture"
	"github.com/chenxiaolong/MirrorMobile/internal/logger"
	"github.com/chenxiaolong/MirrorMobile/internal/output"
)

// Event is the payload of one transition operation
type Event interface {
	Op() Op
}

// AttachService registers Listener with the newly connected Binder
type AttachService struct {
	Binder     capture.Binder
	Listener   capture.Listener
	CanRequest bool
}

// DetachService unregisters Listener from the current binder
type DetachService struct {
	Listener capture.Listener
}

// AttachSurface hands a host rendering surface to the state
type AttachSurface struct {
	Surface    output.Surface
	CanRequest bool
}

// DetachSurface drops the host surface. The capture session is kept.
type DetachSurface struct{}

// RequestCancelled reports that the permission request was denied
type RequestCancelled struct{}

// StartDriving reports that the vehicle started moving
type StartDriving struct{}

// StopDriving reports that the vehicle stopped. CanAutoStart gates whether a
// permission prompt may be shown as a result.
type StopDriving struct {
	CanAutoStart bool
}

// StartMirroring attaches the surface to the capture session, requesting
// permission first if there is no session and CanRequest is set
type StartMirroring struct {
	CanRequest bool
}

// StopMirroring fully stops the capture session
type StopMirroring struct{}

// CaptureStopped reports that the capture session has fully stopped
type CaptureStopped struct{}

func (AttachService) Op() Op    { return OpAttachService }
func (DetachService) Op() Op    { return OpDetachService }
func (AttachSurface) Op() Op    { return OpAttachSurface }
func (DetachSurface) Op() Op    { return OpDetachSurface }
func (RequestCancelled) Op() Op { return OpRequestCancelled }
func (StartDriving) Op() Op     { return OpStartDriving }
func (StopDriving) Op() Op      { return OpStopDriving }
func (StartMirroring) Op() Op   { return OpStartMirroring }
func (StopMirroring) Op() Op    { return OpStopMirroring }
func (CaptureStopped) Op() Op   { return OpCaptureStopped }

// Launcher starts the capture permission request. It must not block; the
// outcome is reported later through the capture listener.
type Launcher interface {
	LaunchCaptureRequest()
}

// Machine computes transitions and performs their side effects. It holds no
// state of its own; callers serialize every call.
type Machine struct {
	launcher Launcher
}

// NewMachine creates a state machine that requests permission through launcher
func NewMachine(launcher Launcher) *Machine {
	return &Machine{launcher: launcher}
}

// Apply performs the transition for e, panicking with a *ContractViolation if
// s does not support it
func (m *Machine) Apply(s State, e Event) State {
	if !s.Supports(e.Op()) {
		panic(violation(s.kind, e.Op(), ErrUnsupportedTransition))
	}
	return m.apply(s, e)
}

// TryApply performs the transition for e if s supports it. ok is false and s
// is returned unchanged otherwise.
func (m *Machine) TryApply(s State, e Event) (next State, ok bool) {
	if !s.Supports(e.Op()) {
		logger.WithComponent("mirror").Debug().
			Stringer("state", s.kind).
			Stringer("op", e.Op()).
			Msg("Ignoring unsupported transition")
		return s, false
	}
	return m.apply(s, e), true
}

func (m *Machine) apply(s State, e Event) State {
	switch e := e.(type) {
	case AttachService:
		return m.attachService(s, e)
	case *AttachService:
		return m.attachService(s, *e)
	case DetachService:
		return m.detachService(s, e)
	case *DetachService:
		return m.detachService(s, *e)
	case AttachSurface:
		return m.attachSurface(s, e)
	case *AttachSurface:
		return m.attachSurface(s, *e)
	case DetachSurface, *DetachSurface:
		return m.detachSurface(s)
	case RequestCancelled, *RequestCancelled:
		return newState(requestCancelledTo[s.kind], s.binder, s.surface)
	case StartDriving, *StartDriving:
		return newState(startDrivingTo[s.kind], s.binder, s.surface)
	case StopDriving:
		return m.stopDriving(s, e)
	case *StopDriving:
		return m.stopDriving(s, *e)
	case StartMirroring:
		return m.startMirroring(s, e.CanRequest)
	case *StartMirroring:
		return m.startMirroring(s, e.CanRequest)
	case StopMirroring, *StopMirroring:
		return m.stopMirroring(s)
	case CaptureStopped, *CaptureStopped:
		return newState(Inactive, s.binder, s.surface)
	default:
		panic(violation(s.kind, e.Op(), fmt.Errorf("unknown event type %T", e)))
	}
}

// Destination tables. Entries are only consulted for kinds that support the op.
var (
	attachServiceTo = map[Kind]Kind{
		ParkedInitial:      ParkedHaveService,
		DrivingInitial:     DrivingHaveService,
		ParkedHaveSurface:  Inactive,
		DrivingHaveSurface: Driving,
	}
	detachServiceTo = map[Kind]Kind{
		ParkedHaveService:    ParkedInitial,
		DrivingHaveService:   DrivingInitial,
		CancelledHaveService: ParkedInitial,
		Cancelled:            ParkedHaveSurface,
		Driving:              DrivingHaveSurface,
		Inactive:             ParkedHaveSurface,
		Requesting:           ParkedHaveSurface,
		Mirroring:            ParkedHaveSurface,
	}
	attachSurfaceTo = map[Kind]Kind{
		ParkedInitial:        ParkedHaveSurface,
		DrivingInitial:       DrivingHaveSurface,
		ParkedHaveService:    Inactive,
		DrivingHaveService:   Driving,
		CancelledHaveService: Cancelled,
	}
	detachSurfaceTo = map[Kind]Kind{
		ParkedHaveSurface:  ParkedInitial,
		DrivingHaveSurface: DrivingInitial,
		Cancelled:          ParkedHaveService,
		Driving:            DrivingHaveService,
		Inactive:           ParkedHaveService,
		Requesting:         ParkedHaveService,
		Mirroring:          ParkedHaveService,
	}
	requestCancelledTo = map[Kind]Kind{
		ParkedHaveService:  CancelledHaveService,
		DrivingHaveService: DrivingHaveService,
		Driving:            Driving,
		Requesting:         Cancelled,
	}
	startDrivingTo = map[Kind]Kind{
		ParkedInitial:        DrivingInitial,
		ParkedHaveService:    DrivingHaveService,
		ParkedHaveSurface:    DrivingHaveSurface,
		CancelledHaveService: DrivingHaveService,
		Cancelled:            Driving,
		Inactive:             Driving,
		Requesting:           Driving,
		Mirroring:            Driving,
	}
	stopDrivingTo = map[Kind]Kind{
		DrivingInitial:     ParkedInitial,
		DrivingHaveService: ParkedHaveService,
		DrivingHaveSurface: ParkedHaveSurface,
		Driving:            Inactive,
	}
	stopMirroringTo = map[Kind]Kind{
		ParkedHaveService:  ParkedHaveService,
		DrivingHaveService: DrivingHaveService,
		Driving:            Driving,
		Mirroring:          Inactive,
	}
)

func (m *Machine) attachService(s State, e AttachService) State {
	if e.Binder == nil {
		panic(violation(s.kind, OpAttachService, fmt.Errorf("nil service binding")))
	}
	if err := e.Binder.RegisterListener(e.Listener); err != nil {
		panic(violation(s.kind, OpAttachService, err))
	}

	return m.autoStart(newState(attachServiceTo[s.kind], e.Binder, s.surface), e.CanRequest)
}

func (m *Machine) detachService(s State, e DetachService) State {
	if err := s.binder.UnregisterListener(e.Listener); err != nil {
		// The service may have gone away
		logger.WithComponent("mirror").Error().Err(err).
			Stringer("state", s.kind).
			Msg("Failed to unregister capture listener")
	}

	return newState(detachServiceTo[s.kind], nil, s.surface)
}

func (m *Machine) attachSurface(s State, e AttachSurface) State {
	if err := e.Surface.Validate(); err != nil {
		panic(violation(s.kind, OpAttachSurface, err))
	}

	return m.autoStart(newState(attachSurfaceTo[s.kind], s.binder, e.Surface), e.CanRequest)
}

func (m *Machine) detachSurface(s State) State {
	logger.WithComponent("mirror").Debug().Msg("Detaching capture")

	// The screen is likely just hidden, so keep the session for a quick resume
	if s.HasService() {
		s.binder.StopCapture(true)
	}

	return newState(detachSurfaceTo[s.kind], s.binder, output.Surface{})
}

func (m *Machine) stopDriving(s State, e StopDriving) State {
	return m.autoStart(newState(stopDrivingTo[s.kind], s.binder, s.surface), e.CanAutoStart)
}

// autoStart attempts StartMirroring on a freshly entered state that allows it
func (m *Machine) autoStart(s State, canRequest bool) State {
	if !s.Supports(OpStartMirroring) {
		return s
	}
	return m.startMirroring(s, canRequest)
}

func (m *Machine) startMirroring(s State, canRequest bool) State {
	log := logger.WithComponent("mirror")

	if s.binder.HaveCaptureSession() {
		log.Debug().Stringer("surface", s.surface).Msg("Attaching to capture session")

		err := s.binder.StartCapture(s.surface.Width, s.surface.Height, s.surface.DPI, s.surface.Target)
		if err != nil {
			panic(violation(s.kind, OpStartMirroring, err))
		}
		return newState(Mirroring, s.binder, s.surface)
	}

	if canRequest {
		if s.kind == Requesting {
			log.Debug().Msg("Capture permission request already in progress")
			return s
		}

		log.Debug().Msg("Starting capture permission request")
		m.launcher.LaunchCaptureRequest()
		return newState(Requesting, s.binder, s.surface)
	}

	return s
}

func (m *Machine) stopMirroring(s State) State {
	log := logger.WithComponent("mirror")

	// Skip the stop if a previous stop or a crash already ended the session
	if s.binder.HaveCaptureSession() {
		log.Debug().Msg("Stopping capture")
		s.binder.StopCapture(false)
	} else {
		log.Debug().Stringer("state", s.kind).Msg("No capture session to stop")
	}

	return newState(stopMirroringTo[s.kind], s.binder, s.surface)
}
