package mirror

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedTransition means an operation was applied to a state that
	// does not support it
	ErrUnsupportedTransition = errors.New("unsupported state transition")

	// ErrActionUnavailable is returned when a button that is not enabled in the
	// current template is pressed
	ErrActionUnavailable = errors.New("action not available in current state")
)

// ContractViolation is the panic value raised when events are sequenced in a
// way the state machine does not allow, or when the capture controller rejects
// a call it should have accepted. It indicates a caller bug and is never
// recovered inside this package.
type ContractViolation struct {
	From Kind
	Op   Op
	Err  error
}

func (c *ContractViolation) Error() string {
	return fmt.Sprintf("cannot apply %s to %s: %v", c.Op, c.From, c.Err)
}

func (c *ContractViolation) Unwrap() error {
	return c.Err
}

func violation(from Kind, op Op, err error) *ContractViolation {
	return &ContractViolation{From: from, Op: op, Err: err}
}
