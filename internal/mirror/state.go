package mirror

import (
	"fmt"
	"strings"

	"github.com/chenxiaolong/MirrorMobile/internal/capture"
	"github.com/chenxiaolong/MirrorMobile/internal/output"
)

// Kind identifies which variant a State is
type Kind int

const (
	ParkedInitial Kind = iota
	DrivingInitial
	ParkedHaveService
	DrivingHaveService
	ParkedHaveSurface
	DrivingHaveSurface
	CancelledHaveService
	Cancelled
	Driving
	Inactive
	Requesting
	Mirroring

	numKinds
)

// Phase is the engagement phase of a state
type Phase int

const (
	PhaseNone Phase = iota
	PhaseRequesting
	PhaseCancelled
	PhaseMirroring
)

func (p Phase) String() string {
	switch p {
	case PhaseRequesting:
		return "requesting"
	case PhaseCancelled:
		return "cancelled"
	case PhaseMirroring:
		return "mirroring"
	default:
		return "none"
	}
}

// Op is a transition operation
type Op int

const (
	OpAttachService Op = iota
	OpDetachService
	OpAttachSurface
	OpDetachSurface
	OpRequestCancelled
	OpStartDriving
	OpStopDriving
	OpStartMirroring
	OpStopMirroring
	OpCaptureStopped

	numOps
)

var opNames = [numOps]string{
	OpAttachService:    "AttachService",
	OpDetachService:    "DetachService",
	OpAttachSurface:    "AttachSurface",
	OpDetachSurface:    "DetachSurface",
	OpRequestCancelled: "RequestCancelled",
	OpStartDriving:     "StartDriving",
	OpStopDriving:      "StopDriving",
	OpStartMirroring:   "StartMirroring",
	OpStopMirroring:    "StopMirroring",
	OpCaptureStopped:   "CaptureStopped",
}

func (o Op) String() string {
	if o < 0 || o >= numOps {
		return fmt.Sprintf("Op(%d)", int(o))
	}
	return opNames[o]
}

// Ops returns every transition operation
func Ops() []Op {
	ops := make([]Op, 0, numOps)
	for o := Op(0); o < numOps; o++ {
		ops = append(ops, o)
	}
	return ops
}

// OpSet is a bit set of operations
type OpSet uint16

func opSet(ops ...Op) OpSet {
	var s OpSet
	for _, o := range ops {
		s |= 1 << o
	}
	return s
}

// Has reports whether o is in the set
func (s OpSet) Has(o Op) bool {
	return o >= 0 && o < numOps && s&(1<<o) != 0
}

// Ops lists the members of the set in declaration order
func (s OpSet) Ops() []Op {
	var ops []Op
	for o := Op(0); o < numOps; o++ {
		if s.Has(o) {
			ops = append(ops, o)
		}
	}
	return ops
}

func (s OpSet) String() string {
	names := make([]string, 0, numOps)
	for _, o := range s.Ops() {
		names = append(names, o.String())
	}
	return "{" + strings.Join(names, ", ") + "}"
}

type variant struct {
	name    string
	service bool
	surface bool
	driving bool
	phase   Phase
	ops     OpSet
}

var variants = [numKinds]variant{
	ParkedInitial: {
		name: "ParkedInitial",
		ops:  opSet(OpAttachService, OpAttachSurface, OpStartDriving),
	},
	DrivingInitial: {
		name:    "DrivingInitial",
		driving: true,
		ops:     opSet(OpAttachService, OpAttachSurface, OpStopDriving),
	},
	ParkedHaveService: {
		name:    "ParkedHaveService",
		service: true,
		ops: opSet(OpDetachService, OpAttachSurface, OpRequestCancelled, OpStartDriving,
			OpStopMirroring),
	},
	DrivingHaveService: {
		name:    "DrivingHaveService",
		service: true,
		driving: true,
		ops: opSet(OpDetachService, OpAttachSurface, OpRequestCancelled, OpStopDriving,
			OpStopMirroring),
	},
	ParkedHaveSurface: {
		name:    "ParkedHaveSurface",
		surface: true,
		ops:     opSet(OpAttachService, OpDetachSurface, OpStartDriving),
	},
	DrivingHaveSurface: {
		name:    "DrivingHaveSurface",
		surface: true,
		driving: true,
		ops:     opSet(OpAttachService, OpDetachSurface, OpStopDriving),
	},
	CancelledHaveService: {
		name:    "CancelledHaveService",
		service: true,
		phase:   PhaseCancelled,
		ops:     opSet(OpDetachService, OpAttachSurface, OpStartDriving),
	},
	Cancelled: {
		name:    "Cancelled",
		service: true,
		surface: true,
		phase:   PhaseCancelled,
		ops:     opSet(OpDetachService, OpDetachSurface, OpStartDriving, OpStartMirroring),
	},
	Driving: {
		name:    "Driving",
		service: true,
		surface: true,
		driving: true,
		ops: opSet(OpDetachService, OpDetachSurface, OpRequestCancelled, OpStopDriving,
			OpStopMirroring),
	},
	Inactive: {
		name:    "Inactive",
		service: true,
		surface: true,
		ops:     opSet(OpDetachService, OpDetachSurface, OpStartDriving, OpStartMirroring),
	},
	Requesting: {
		name:    "Requesting",
		service: true,
		surface: true,
		phase:   PhaseRequesting,
		ops: opSet(OpDetachService, OpDetachSurface, OpRequestCancelled, OpStartDriving,
			OpStartMirroring, OpCaptureStopped),
	},
	Mirroring: {
		name:    "Mirroring",
		service: true,
		surface: true,
		phase:   PhaseMirroring,
		ops: opSet(OpDetachService, OpDetachSurface, OpStartDriving, OpStopMirroring,
			OpCaptureStopped),
	},
}

// Kinds returns every state kind
func Kinds() []Kind {
	kinds := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

func (k Kind) valid() bool {
	return k >= 0 && k < numKinds
}

func (k Kind) String() string {
	if !k.valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return variants[k].name
}

// HasService reports whether states of this kind hold a service binding
func (k Kind) HasService() bool { return k.valid() && variants[k].service }

// HasSurface reports whether states of this kind hold a surface
func (k Kind) HasSurface() bool { return k.valid() && variants[k].surface }

// IsDriving reports whether the vehicle is driving in states of this kind
func (k Kind) IsDriving() bool { return k.valid() && variants[k].driving }

// Phase returns the engagement phase of this kind
func (k Kind) Phase() Phase {
	if !k.valid() {
		return PhaseNone
	}
	return variants[k].phase
}

// Supported returns the operations legal from this kind
func (k Kind) Supported() OpSet {
	if !k.valid() {
		return 0
	}
	return variants[k].ops
}

// State is the complete mirroring lifecycle at an instant. It is immutable;
// transitions return a new value. The zero value is ParkedInitial.
type State struct {
	kind    Kind
	binder  capture.Binder
	surface output.Surface
}

// newState builds a state of kind k, keeping only the resources k carries.
// Missing resources are a bug in the transition table.
func newState(k Kind, binder capture.Binder, surface output.Surface) State {
	s := State{kind: k}
	if k.HasService() {
		if binder == nil {
			panic(fmt.Sprintf("mirror: %s requires a service binding", k))
		}
		s.binder = binder
	}
	if k.HasSurface() {
		if surface.Target == nil {
			panic(fmt.Sprintf("mirror: %s requires a surface", k))
		}
		s.surface = surface
	}
	return s
}

// Initial returns the starting state. drivingUntilKnown selects DrivingInitial
// so nothing starts automatically before the first speed reading.
func Initial(drivingUntilKnown bool) State {
	if drivingUntilKnown {
		return State{kind: DrivingInitial}
	}
	return State{kind: ParkedInitial}
}

// Kind returns the variant of the state
func (s State) Kind() Kind { return s.kind }

// Binder returns the service binding, or nil if the state has none
func (s State) Binder() capture.Binder { return s.binder }

// Surface returns the surface descriptor and whether the state has one
func (s State) Surface() (output.Surface, bool) {
	return s.surface, s.kind.HasSurface()
}

func (s State) HasService() bool { return s.kind.HasService() }
func (s State) HasSurface() bool { return s.kind.HasSurface() }
func (s State) IsDriving() bool  { return s.kind.IsDriving() }
func (s State) Phase() Phase     { return s.kind.Phase() }

// Supports reports whether the state accepts op
func (s State) Supports(op Op) bool {
	return s.kind.Supported().Has(op)
}

func (s State) String() string {
	if s.kind.HasSurface() {
		return fmt.Sprintf("%s(surface=%s)", s.kind, s.surface)
	}
	return s.kind.String()
}
