// Package masking lets GoMLX computations over arrays with
// statically-unknown ("symbolic") dimension sizes run at fixed, padded sizes
// while producing the results the dynamic sizes would have produced.
//
//   - Mask: runs a computation over masked operands, intercepting every
//     operation and rewriting it to be safe at the padded sizes.
//   - Pad: wraps a computation with declared input and output symbolic
//     shapes, asserting the shapes the computation actually produces.
//   - Scan: a structured loop with carried state whose iteration count may
//     itself be a symbolic dimension.
//
// A symbolic dimension is associated with two sizes: the maximum (padded)
// size, read off the concrete values, and the dynamic size, bound per call in
// a ShapeEnv. Padding keeps every execution at a uniform shape -- so the same
// built graph serves every call -- and the masking rules keep the padded
// positions invisible to results: reductions zero them out first, and loops
// freeze their carried state once the iteration index passes the dynamic
// bound.
package masking

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// Computation is a function over masked operands. Operations applied to the
// operands (see the Masked methods and Scan) are intercepted by the
// interpreter session that created them.
type Computation func(inputs []*Masked) (outputs []*Masked)

// Mask interprets fn at padded sizes: it opens an interpreter session with
// the given shape environment, wraps each input value with its declared
// symbolic shape, runs fn -- every operation inside is dispatched through the
// masking rule table -- and unwraps the outputs back into plain graph values
// paired with their symbolic shapes.
//
// Each value in values must already be padded: its physical extent along
// every symbolic axis must be at least the size the symbol resolves to.
//
// It fails wrapping ErrShape, ErrUnboundSymbol or ErrUnsupportedOp; see their
// documentation for when. No partial results are returned on failure.
func Mask(fn Computation, env ShapeEnv, values []*graph.Node, exprs []ShapeExpr) (outputs []*graph.Node, outExprs []ShapeExpr, err error) {
	if len(values) != len(exprs) {
		return nil, nil, errors.Errorf("masking.Mask: %d input values for %d declared shapes", len(values), len(exprs))
	}
	if len(values) == 0 {
		return nil, nil, errors.Errorf("masking.Mask requires at least one input value")
	}
	err = exceptions.TryCatch[error](func() {
		tr := newTrace(values[0].Graph(), env)
		inputs := make([]*Masked, len(values))
		for ii := range values {
			inputs[ii] = tr.wrap(values[ii], exprs[ii])
		}
		outs := fn(inputs)
		outputs = sliceMap(outs, func(m *Masked) *graph.Node { return m.node })
		outExprs = sliceMap(outs, func(m *Masked) ShapeExpr { return m.expr })
	})
	if err != nil {
		return nil, nil, err
	}
	return outputs, outExprs, nil
}

// PaddedFn runs a masked computation: values are the padded inputs and env
// binds each symbolic dimension to its dynamic size for this call.
type PaddedFn func(values []*graph.Node, env ShapeEnv) ([]*graph.Node, error)

// Pad wraps a computation with declared input and output symbolic shapes.
// The returned function runs fn through Mask and checks that the shapes the
// computation produced equal the declared ones -- a mismatch is a programming
// error in the caller's declaration, reported wrapping ErrShape.
func Pad(fn Computation, inExprs, outExprs []ShapeExpr) PaddedFn {
	return func(values []*graph.Node, env ShapeEnv) ([]*graph.Node, error) {
		outputs, gotExprs, err := Mask(fn, env, values, inExprs)
		if err != nil {
			return nil, err
		}
		if len(gotExprs) != len(outExprs) {
			return nil, errors.Wrapf(ErrShape, "padded function declares %d outputs, computation produced %d",
				len(outExprs), len(gotExprs))
		}
		for ii := range gotExprs {
			if !gotExprs[ii].Equal(outExprs[ii]) {
				return nil, errors.Wrapf(ErrShape, "padded function output #%d declares shape %s, computation produced %s",
					ii, outExprs[ii], gotExprs[ii])
			}
		}
		return outputs, nil
	}
}
