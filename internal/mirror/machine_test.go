package mirror

import (
	"errors"
	"testing"

	"github.com/chenxiaolong/MirrorMobile/internal/capture"
	"github.com/chenxiaolong/MirrorMobile/internal/output"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBinder is a capture.Binder that records every call
type fakeBinder struct {
	session       bool
	listener      capture.Listener
	registerErr   error
	unregisterErr error
	startErr      error

	registers   int
	unregisters int
	starts      []output.Surface
	stops       []bool
}

func (b *fakeBinder) RegisterListener(l capture.Listener) error {
	b.registers++
	if b.registerErr != nil {
		return b.registerErr
	}
	b.listener = l
	return nil
}

func (b *fakeBinder) UnregisterListener(l capture.Listener) error {
	b.unregisters++
	if b.unregisterErr != nil {
		return b.unregisterErr
	}
	b.listener = nil
	return nil
}

func (b *fakeBinder) HaveCaptureSession() bool {
	return b.session
}

func (b *fakeBinder) StartCapture(width, height, dpi int, target output.Target) error {
	if b.startErr != nil {
		return b.startErr
	}
	b.starts = append(b.starts, output.Surface{Width: width, Height: height, DPI: dpi, Target: target})
	return nil
}

func (b *fakeBinder) StopCapture(detach bool) {
	b.stops = append(b.stops, detach)
	if !detach {
		b.session = false
	}
}

type countingLauncher struct {
	launches int
}

func (c *countingLauncher) LaunchCaptureRequest() {
	c.launches++
}

type nopListener struct{}

func (nopListener) OnCaptureReady()     {}
func (nopListener) OnCaptureStopped()   {}
func (nopListener) OnCaptureCancelled() {}

func testSurface() output.Surface {
	return output.Surface{Width: 800, Height: 480, DPI: 160, Target: output.NewMemory("head-unit")}
}

// stateOf builds a state of kind k holding whatever resources k requires
func stateOf(k Kind, b capture.Binder) State {
	var surface output.Surface
	if k.HasSurface() {
		surface = testSurface()
	}
	return newState(k, b, surface)
}

func eventFor(op Op) Event {
	switch op {
	case OpAttachService:
		return AttachService{Binder: &fakeBinder{}, Listener: nopListener{}}
	case OpDetachService:
		return DetachService{Listener: nopListener{}}
	case OpAttachSurface:
		return AttachSurface{Surface: testSurface()}
	case OpDetachSurface:
		return DetachSurface{}
	case OpRequestCancelled:
		return RequestCancelled{}
	case OpStartDriving:
		return StartDriving{}
	case OpStopDriving:
		return StopDriving{}
	case OpStartMirroring:
		return StartMirroring{}
	case OpStopMirroring:
		return StopMirroring{}
	case OpCaptureStopped:
		return CaptureStopped{}
	}
	panic("unknown op")
}

// Destinations with no capture session and no permission prompting allowed
var expectedTransitions = map[Kind]map[Op]Kind{
	ParkedInitial: {
		OpAttachService: ParkedHaveService,
		OpAttachSurface: ParkedHaveSurface,
		OpStartDriving:  DrivingInitial,
	},
	DrivingInitial: {
		OpAttachService: DrivingHaveService,
		OpAttachSurface: DrivingHaveSurface,
		OpStopDriving:   ParkedInitial,
	},
	ParkedHaveService: {
		OpDetachService:    ParkedInitial,
		OpAttachSurface:    Inactive,
		OpRequestCancelled: CancelledHaveService,
		OpStartDriving:     DrivingHaveService,
		OpStopMirroring:    ParkedHaveService,
	},
	DrivingHaveService: {
		OpDetachService:    DrivingInitial,
		OpAttachSurface:    Driving,
		OpRequestCancelled: DrivingHaveService,
		OpStopDriving:      ParkedHaveService,
		OpStopMirroring:    DrivingHaveService,
	},
	ParkedHaveSurface: {
		OpAttachService: Inactive,
		OpDetachSurface: ParkedInitial,
		OpStartDriving:  DrivingHaveSurface,
	},
	DrivingHaveSurface: {
		OpAttachService: Driving,
		OpDetachSurface: DrivingInitial,
		OpStopDriving:   ParkedHaveSurface,
	},
	CancelledHaveService: {
		OpDetachService: ParkedInitial,
		OpAttachSurface: Cancelled,
		OpStartDriving:  DrivingHaveService,
	},
	Cancelled: {
		OpDetachService:  ParkedHaveSurface,
		OpDetachSurface:  ParkedHaveService,
		OpStartDriving:   Driving,
		OpStartMirroring: Cancelled,
	},
	Driving: {
		OpDetachService:    DrivingHaveSurface,
		OpDetachSurface:    DrivingHaveService,
		OpRequestCancelled: Driving,
		OpStopDriving:      Inactive,
		OpStopMirroring:    Driving,
	},
	Inactive: {
		OpDetachService:  ParkedHaveSurface,
		OpDetachSurface:  ParkedHaveService,
		OpStartDriving:   Driving,
		OpStartMirroring: Inactive,
	},
	Requesting: {
		OpDetachService:    ParkedHaveSurface,
		OpDetachSurface:    ParkedHaveService,
		OpRequestCancelled: Cancelled,
		OpStartDriving:     Driving,
		OpStartMirroring:   Requesting,
		OpCaptureStopped:   Inactive,
	},
	Mirroring: {
		OpDetachService:  ParkedHaveSurface,
		OpDetachSurface:  ParkedHaveService,
		OpStartDriving:   Driving,
		OpStopMirroring:  Inactive,
		OpCaptureStopped: Inactive,
	},
}

func TestCapabilityTable(t *testing.T) {
	require.Len(t, expectedTransitions, len(Kinds()))

	for _, k := range Kinds() {
		t.Run(k.String(), func(t *testing.T) {
			want := expectedTransitions[k]
			for _, op := range Ops() {
				_, ok := want[op]
				assert.Equal(t, ok, k.Supported().Has(op), "op %s", op)
			}
		})
	}
}

func TestTransitions_Destinations(t *testing.T) {
	for _, k := range Kinds() {
		for op, want := range expectedTransitions[k] {
			t.Run(k.String()+"/"+op.String(), func(t *testing.T) {
				m := NewMachine(&countingLauncher{})
				next := m.Apply(stateOf(k, &fakeBinder{}), eventFor(op))
				assert.Equal(t, want, next.Kind())
			})
		}
	}
}

func TestTransitions_UnsupportedOps(t *testing.T) {
	for _, k := range Kinds() {
		for _, op := range Ops() {
			if k.Supported().Has(op) {
				continue
			}
			t.Run(k.String()+"/"+op.String(), func(t *testing.T) {
				m := NewMachine(&countingLauncher{})
				b := &fakeBinder{}
				s := stateOf(k, b)

				next, ok := m.TryApply(s, eventFor(op))
				assert.False(t, ok)
				assert.Equal(t, k, next.Kind())

				defer func() {
					r := recover()
					require.NotNil(t, r)
					cv, isCV := r.(*ContractViolation)
					require.True(t, isCV, "panic value %T", r)
					assert.ErrorIs(t, cv, ErrUnsupportedTransition)
					assert.Equal(t, k, cv.From)
					assert.Equal(t, op, cv.Op)
				}()
				m.Apply(s, eventFor(op))
			})
		}
	}
}

func TestReachableStatesHoldTheirResources(t *testing.T) {
	m := NewMachine(&countingLauncher{})

	events := func() []Event {
		var list []Event
		for _, session := range []bool{false, true} {
			for _, canRequest := range []bool{false, true} {
				list = append(list,
					AttachService{Binder: &fakeBinder{session: session}, Listener: nopListener{}, CanRequest: canRequest},
					AttachSurface{Surface: testSurface(), CanRequest: canRequest},
					StopDriving{CanAutoStart: canRequest},
					StartMirroring{CanRequest: canRequest},
				)
			}
		}
		return append(list,
			DetachService{Listener: nopListener{}},
			DetachSurface{},
			RequestCancelled{},
			StartDriving{},
			StopMirroring{},
			CaptureStopped{},
		)
	}

	seen := map[Kind]bool{}
	queue := []State{Initial(false), Initial(true)}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		if seen[s.Kind()] {
			continue
		}
		seen[s.Kind()] = true

		shapes := 0
		if !s.HasService() && !s.HasSurface() {
			shapes++
		}
		if s.HasService() && !s.HasSurface() {
			shapes++
		}
		if !s.HasService() && s.HasSurface() {
			shapes++
		}
		if s.HasService() && s.HasSurface() {
			shapes++
		}
		assert.Equal(t, 1, shapes, "state %s", s.Kind())

		assert.Equal(t, s.HasService(), s.Binder() != nil, "state %s", s.Kind())
		_, hasSurface := s.Surface()
		assert.Equal(t, s.HasSurface(), hasSurface, "state %s", s.Kind())

		if s.Phase() != PhaseNone || s.Kind() == Driving || s.Kind() == Inactive {
			if s.Kind() != CancelledHaveService {
				assert.True(t, s.HasService() && s.HasSurface(), "state %s", s.Kind())
			}
		}

		for _, e := range events() {
			if next, ok := m.TryApply(s, e); ok {
				queue = append(queue, next)
			}
		}
	}

	assert.Len(t, seen, len(Kinds()))
}

func TestInitialState(t *testing.T) {
	var zero State
	assert.Equal(t, ParkedInitial, zero.Kind())
	assert.Equal(t, ParkedInitial, Initial(false).Kind())
	assert.Equal(t, DrivingInitial, Initial(true).Kind())
	assert.True(t, Initial(true).IsDriving())
}

func TestAttachServiceThenSurface_Requests(t *testing.T) {
	launcher := &countingLauncher{}
	m := NewMachine(launcher)
	b := &fakeBinder{}

	s := m.Apply(Initial(false), AttachService{Binder: b, Listener: nopListener{}, CanRequest: true})
	assert.Equal(t, ParkedHaveService, s.Kind())
	assert.Equal(t, nopListener{}, b.listener)
	assert.Zero(t, launcher.launches)

	s = m.Apply(s, AttachSurface{Surface: testSurface(), CanRequest: true})
	assert.Equal(t, Requesting, s.Kind())
	assert.Equal(t, 1, launcher.launches)
	assert.Empty(t, b.starts)
}

func TestAttachSurfaceThenService_Requests(t *testing.T) {
	launcher := &countingLauncher{}
	m := NewMachine(launcher)

	s := m.Apply(Initial(false), AttachSurface{Surface: testSurface(), CanRequest: true})
	assert.Equal(t, ParkedHaveSurface, s.Kind())

	s = m.Apply(s, AttachService{Binder: &fakeBinder{}, Listener: nopListener{}, CanRequest: true})
	assert.Equal(t, Requesting, s.Kind())
	assert.Equal(t, 1, launcher.launches)
}

func TestAutoStartDisabled_StaysInactive(t *testing.T) {
	launcher := &countingLauncher{}
	m := NewMachine(launcher)

	s := m.Apply(Initial(false), AttachService{Binder: &fakeBinder{}, Listener: nopListener{}})
	s = m.Apply(s, AttachSurface{Surface: testSurface()})

	assert.Equal(t, Inactive, s.Kind())
	assert.Zero(t, launcher.launches)
}

func TestAttach_ExistingSessionMirrorsImmediately(t *testing.T) {
	launcher := &countingLauncher{}
	m := NewMachine(launcher)
	b := &fakeBinder{session: true}
	surface := testSurface()

	s := m.Apply(Initial(false), AttachService{Binder: b, Listener: nopListener{}})
	s = m.Apply(s, AttachSurface{Surface: surface})

	assert.Equal(t, Mirroring, s.Kind())
	assert.Zero(t, launcher.launches)
	require.Len(t, b.starts, 1)
	assert.Equal(t, surface, b.starts[0])
}

func TestAttachWhileDriving_NoAutoStart(t *testing.T) {
	launcher := &countingLauncher{}
	m := NewMachine(launcher)
	b := &fakeBinder{session: true}

	s := m.Apply(Initial(true), AttachService{Binder: b, Listener: nopListener{}, CanRequest: true})
	s = m.Apply(s, AttachSurface{Surface: testSurface(), CanRequest: true})

	assert.Equal(t, Driving, s.Kind())
	assert.Zero(t, launcher.launches)
	assert.Empty(t, b.starts)
}

func TestRequestCancelledWhileDriving_IsIdentity(t *testing.T) {
	m := NewMachine(&countingLauncher{})
	b := &fakeBinder{}

	s := stateOf(Requesting, b)
	s = m.Apply(s, StartDriving{})
	require.Equal(t, Driving, s.Kind())

	next, ok := m.TryApply(s, RequestCancelled{})
	assert.True(t, ok)
	assert.Equal(t, Driving, next.Kind())

	next, ok = m.TryApply(stateOf(DrivingHaveService, b), RequestCancelled{})
	assert.True(t, ok)
	assert.Equal(t, DrivingHaveService, next.Kind())
}

func TestRequestCancelled_WhileParked(t *testing.T) {
	m := NewMachine(&countingLauncher{})
	b := &fakeBinder{}

	assert.Equal(t, Cancelled, m.Apply(stateOf(Requesting, b), RequestCancelled{}).Kind())
	assert.Equal(t, CancelledHaveService, m.Apply(stateOf(ParkedHaveService, b), RequestCancelled{}).Kind())
}

func TestSurfaceDetachReattach_KeepsSession(t *testing.T) {
	launcher := &countingLauncher{}
	m := NewMachine(launcher)
	b := &fakeBinder{session: true}

	s := stateOf(Mirroring, b)

	s = m.Apply(s, DetachSurface{})
	assert.Equal(t, ParkedHaveService, s.Kind())
	assert.Equal(t, []bool{true}, b.stops)
	assert.True(t, b.session)

	s = m.Apply(s, AttachSurface{Surface: testSurface(), CanRequest: true})
	assert.Equal(t, Mirroring, s.Kind())
	assert.Zero(t, launcher.launches)
	assert.NotContains(t, b.stops, false)
	assert.Len(t, b.starts, 1)
}

func TestDetachSurface_WithoutServiceDoesNotTouchBinder(t *testing.T) {
	m := NewMachine(&countingLauncher{})

	s := m.Apply(stateOf(ParkedHaveSurface, nil), DetachSurface{})
	assert.Equal(t, ParkedInitial, s.Kind())
}

func TestDetachServiceTwice_RejectedByProbe(t *testing.T) {
	m := NewMachine(&countingLauncher{})
	b := &fakeBinder{}

	s := m.Apply(stateOf(ParkedHaveService, b), DetachService{Listener: nopListener{}})
	assert.Equal(t, ParkedInitial, s.Kind())
	assert.Equal(t, 1, b.unregisters)

	next, ok := m.TryApply(s, DetachService{Listener: nopListener{}})
	assert.False(t, ok)
	assert.Equal(t, ParkedInitial, next.Kind())
	assert.Equal(t, 1, b.unregisters)

	assert.Panics(t, func() {
		m.Apply(s, DetachService{Listener: nopListener{}})
	})
}

func TestDetachService_UnregisterFailureIsIgnored(t *testing.T) {
	m := NewMachine(&countingLauncher{})
	b := &fakeBinder{unregisterErr: capture.ErrTargetAttached}

	s := m.Apply(stateOf(Mirroring, b), DetachService{Listener: nopListener{}})
	assert.Equal(t, ParkedHaveSurface, s.Kind())
	assert.Nil(t, s.Binder())
}

func TestStopMirroring_WithoutSurfaceIsIdempotent(t *testing.T) {
	m := NewMachine(&countingLauncher{})
	b := &fakeBinder{session: true}

	// The surface went away while mirroring; the session is kept
	s := m.Apply(stateOf(Mirroring, b), DetachSurface{})
	require.Equal(t, ParkedHaveService, s.Kind())

	s = m.Apply(s, StopMirroring{})
	assert.Equal(t, ParkedHaveService, s.Kind())
	assert.Equal(t, []bool{true, false}, b.stops)

	s = m.Apply(s, StopMirroring{})
	assert.Equal(t, ParkedHaveService, s.Kind())
	assert.Equal(t, []bool{true, false}, b.stops)
}

func TestStopMirroring_FromMirroring(t *testing.T) {
	m := NewMachine(&countingLauncher{})
	b := &fakeBinder{session: true}

	s := m.Apply(stateOf(Mirroring, b), StopMirroring{})
	assert.Equal(t, Inactive, s.Kind())
	assert.Equal(t, []bool{false}, b.stops)

	// The stopped confirmation has nothing left to do
	next, ok := m.TryApply(s, CaptureStopped{})
	assert.False(t, ok)
	assert.Equal(t, Inactive, next.Kind())
}

func TestStopDriving_DoesNotPromptWithoutConsent(t *testing.T) {
	launcher := &countingLauncher{}
	m := NewMachine(launcher)

	s := m.Apply(stateOf(Driving, &fakeBinder{}), StopDriving{CanAutoStart: false})
	assert.Equal(t, Inactive, s.Kind())
	assert.Zero(t, launcher.launches)

	s = m.Apply(stateOf(Driving, &fakeBinder{}), StopDriving{CanAutoStart: true})
	assert.Equal(t, Requesting, s.Kind())
	assert.Equal(t, 1, launcher.launches)
}

func TestStopDriving_ResumesExistingSession(t *testing.T) {
	launcher := &countingLauncher{}
	m := NewMachine(launcher)
	b := &fakeBinder{session: true}

	s := m.Apply(stateOf(Driving, b), StopDriving{CanAutoStart: false})
	assert.Equal(t, Mirroring, s.Kind())
	assert.Len(t, b.starts, 1)
	assert.Zero(t, launcher.launches)
}

func TestStartMirroring_FromCancelled(t *testing.T) {
	launcher := &countingLauncher{}
	m := NewMachine(launcher)

	s := m.Apply(stateOf(Cancelled, &fakeBinder{}), StartMirroring{CanRequest: true})
	assert.Equal(t, Requesting, s.Kind())
	assert.Equal(t, 1, launcher.launches)
}

func TestStartMirroring_WhileRequestingDoesNotPromptAgain(t *testing.T) {
	launcher := &countingLauncher{}
	m := NewMachine(launcher)

	s := m.Apply(stateOf(Requesting, &fakeBinder{}), StartMirroring{CanRequest: true})
	assert.Equal(t, Requesting, s.Kind())
	assert.Zero(t, launcher.launches)
}

func TestContractViolations_FromController(t *testing.T) {
	m := NewMachine(&countingLauncher{})

	assertViolation := func(t *testing.T, target error, fn func()) {
		t.Helper()
		defer func() {
			r := recover()
			require.NotNil(t, r)
			cv, ok := r.(*ContractViolation)
			require.True(t, ok, "panic value %T", r)
			assert.ErrorIs(t, cv, target)
			assert.NotErrorIs(t, cv, ErrUnsupportedTransition)
		}()
		fn()
	}

	t.Run("duplicate listener", func(t *testing.T) {
		b := &fakeBinder{registerErr: capture.ErrDuplicateListener}
		assertViolation(t, capture.ErrDuplicateListener, func() {
			m.Apply(Initial(false), AttachService{Binder: b, Listener: nopListener{}})
		})
	})

	t.Run("start without session", func(t *testing.T) {
		b := &fakeBinder{session: true, startErr: capture.ErrNoSession}
		assertViolation(t, capture.ErrNoSession, func() {
			m.Apply(stateOf(Inactive, b), StartMirroring{})
		})
	})

	t.Run("invalid surface", func(t *testing.T) {
		assert.Panics(t, func() {
			m.Apply(Initial(false), AttachSurface{Surface: output.Surface{Width: 800, Height: 480, DPI: 160}})
		})
	})
}

func TestEndToEnd_RequestMirrorStop(t *testing.T) {
	launcher := &countingLauncher{}
	m := NewMachine(launcher)
	b := &fakeBinder{}

	s := Initial(false)
	s = m.Apply(s, AttachService{Binder: b, Listener: nopListener{}, CanRequest: true})
	s = m.Apply(s, AttachSurface{Surface: testSurface(), CanRequest: true})
	require.Equal(t, Requesting, s.Kind())
	require.Equal(t, 1, launcher.launches)

	// Permission granted: the controller reports ready
	b.session = true
	s, ok := m.TryApply(s, StartMirroring{CanRequest: true})
	require.True(t, ok)
	require.Equal(t, Mirroring, s.Kind())
	require.Len(t, b.starts, 1)

	// Stop button
	s = m.Apply(s, StopMirroring{})
	assert.Equal(t, []bool{false}, b.stops)

	// Controller confirms the stop
	if next, ok := m.TryApply(s, CaptureStopped{}); ok {
		s = next
	}
	assert.Equal(t, Inactive, s.Kind())
	assert.Equal(t, 1, launcher.launches)
}

func TestContractViolation_Error(t *testing.T) {
	cv := violation(Inactive, OpCaptureStopped, ErrUnsupportedTransition)
	assert.Equal(t, "cannot apply CaptureStopped to Inactive: unsupported state transition", cv.Error())
	assert.True(t, errors.Is(cv, ErrUnsupportedTransition))
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "Requesting", Requesting.String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
	assert.Equal(t, "StopDriving", OpStopDriving.String())
	assert.Equal(t, "{AttachService, StartDriving}", opSet(OpStartDriving, OpAttachService).String())
	assert.Equal(t, "ParkedInitial", Initial(false).String())
	assert.Equal(t, "Inactive(surface=800x480@160dpi(head-unit))", stateOf(Inactive, &fakeBinder{}).String())
}
