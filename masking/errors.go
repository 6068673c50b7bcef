package masking

import "github.com/pkg/errors"

// Errors reported by the masking interpreter. Inside graph building they are
// thrown as exceptions (panics), following the GoMLX convention; Mask and
// padded functions catch them and return them wrapped. Match with errors.Is.
var (
	// ErrShape is reported when two operands that must share a symbolic shape
	// don't, or when a declared output shape differs from the computed one.
	ErrShape = errors.New("symbolic shape mismatch")

	// ErrUnboundSymbol is reported when a symbolic shape references a
	// dimension name absent from the shape environment of the call.
	ErrUnboundSymbol = errors.New("unbound shape symbol")

	// ErrUnsupportedOp is reported when dispatch finds no masking rule
	// registered for a primitive.
	ErrUnsupportedOp = errors.New("no masking rule registered for op")
)
