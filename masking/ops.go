package masking

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// This file defines the operations available on masked values. Each one
// dispatches through the rule table of the session recovered from its
// operands; the rules decide how to make the operation safe at padded sizes.

// Add returns m+other. Both operands must have literally equal symbolic shapes.
func (m *Masked) Add(other *Masked) *Masked { return applyBinary(OpAdd, m, other) }

// Sub returns m-other. Both operands must have literally equal symbolic shapes.
func (m *Masked) Sub(other *Masked) *Masked { return applyBinary(OpSub, m, other) }

// Mul returns m*other. Both operands must have literally equal symbolic shapes.
func (m *Masked) Mul(other *Masked) *Masked { return applyBinary(OpMul, m, other) }

// Div returns m/other. Both operands must have literally equal symbolic shapes.
func (m *Masked) Div(other *Masked) *Masked { return applyBinary(OpDiv, m, other) }

// Max returns the elementwise maximum of m and other.
func (m *Masked) Max(other *Masked) *Masked { return applyBinary(OpMax, m, other) }

// Min returns the elementwise minimum of m and other.
func (m *Masked) Min(other *Masked) *Masked { return applyBinary(OpMin, m, other) }

// Neg returns -m.
func (m *Masked) Neg() *Masked { return applyUnary(OpNeg, m) }

// Abs returns the elementwise absolute value of m.
func (m *Masked) Abs() *Masked { return applyUnary(OpAbs, m) }

// Exp returns the elementwise exponential of m.
func (m *Masked) Exp() *Masked { return applyUnary(OpExp, m) }

// Log returns the elementwise natural logarithm of m.
func (m *Masked) Log() *Masked { return applyUnary(OpLog, m) }

// Sqrt returns the elementwise square root of m.
func (m *Masked) Sqrt() *Masked { return applyUnary(OpSqrt, m) }

// ReduceSum sums over the given axes, or over all axes if none are given.
// Padded positions of symbolic axes are zeroed out before the reduction, so
// the result equals the sum over the dynamic extent only. Negative axes count
// from the end. Reduced axes are dropped from the output shape.
func (m *Masked) ReduceSum(axes ...int) *Masked {
	return m.trace.apply(OpReduceSum, reduceParams{axes: adjustAxes(m.expr.Rank(), axes)}, m)[0]
}

// ReduceMax takes the maximum over the given axes, or over all axes if none
// are given. Padded positions of symbolic axes are replaced with the lowest
// value of the dtype before the reduction.
func (m *Masked) ReduceMax(axes ...int) *Masked {
	return m.trace.apply(OpReduceMax, reduceParams{axes: adjustAxes(m.expr.Rank(), axes)}, m)[0]
}

// ConstLike lifts a plain constant into m's interpreter session, with the
// same dtype as m. Its shape comes from value and is fully concrete, so no
// masking ever applies to it.
func (m *Masked) ConstLike(value any) *Masked {
	return m.trace.lift(graph.ConstAs(m.node, value))
}

func applyBinary(op Op, lhs, rhs *Masked) *Masked {
	tr := traceFromOperands(lhs, rhs)
	return tr.apply(op, nil, lhs, rhs)[0]
}

func applyUnary(op Op, x *Masked) *Masked {
	return x.trace.apply(op, nil, x)[0]
}

// adjustAxes resolves negative axes, validates the range, and returns the
// axes sorted and deduplicated. An empty list selects every axis.
func adjustAxes(rank int, axes []int) []int {
	if len(axes) == 0 {
		axes = make([]int, rank)
		for axis := range axes {
			axes[axis] = axis
		}
		return axes
	}
	adjusted := make([]int, 0, len(axes))
	for _, axis := range axes {
		if axis < 0 {
			axis += rank
		}
		if axis < 0 || axis >= rank {
			exceptions.Panicf("masking: reduction axis %d out of range for rank %d", axis, rank)
		}
		adjusted = append(adjusted, axis)
	}
	slices.Sort(adjusted)
	return slices.Compact(adjusted)
}
