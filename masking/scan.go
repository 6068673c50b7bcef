package masking

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-xla/pkg/types/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// ScanBody computes one step of a structured loop. consts are loop-invariant
// values, carry is the state threaded between iterations, and x holds one
// per-step slice of each sequence input. It returns the updated carry and the
// per-step outputs. The body runs under a nested interpreter session, so
// every operation inside it is itself masked.
type ScanBody func(consts, carry, x []*Masked) (newCarry, y []*Masked)

// scanParams carries the static parameters of the scan primitive.
type scanParams struct {
	body      ScanBody
	numConsts int
	numCarry  int
	length    Dim
	reverse   bool
}

// Scan runs a structured loop with carried state over sequence inputs,
// which are consumed one position at a time along their leading axis.
//
// length may be a symbolic dimension: the loop still runs over the full
// padded length shared by all sequence inputs, but once the iteration index
// reaches the resolved dynamic length the carry stops updating, so the final
// carry equals the one the loop would have produced had it stopped there.
// With reverse set, positions are visited from the last one backwards.
//
// It returns the final carry values, with their input shapes unchanged,
// followed by the stacked per-step outputs, whose leading dimension is
// length. Per-step outputs at positions at or past the dynamic length are
// unspecified: callers must treat them as don't-care, like any padded region.
func Scan(body ScanBody, consts, init, xs []*Masked, length Dim, reverse bool) (finalCarry, ys []*Masked) {
	operands := make([]*Masked, 0, len(consts)+len(init)+len(xs))
	operands = append(operands, consts...)
	operands = append(operands, init...)
	operands = append(operands, xs...)
	tr := traceFromOperands(operands...)
	outs := tr.apply(OpScan, scanParams{
		body:      body,
		numConsts: len(consts),
		numCarry:  len(init),
		length:    length,
		reverse:   reverse,
	}, operands...)
	return outs[:len(init)], outs[len(init):]
}

// scanRule rewrites a loop over a symbolic length into one over the fixed
// padded length. The carry is augmented with an iteration counter and the
// body is wrapped so that iterations past the dynamic length leave the carry
// untouched; the loop itself runs for exactly the padded number of steps,
// each step interpreted under a nested session.
func scanRule(env ShapeEnv, vals []*graph.Node, exprs []ShapeExpr, params any) ([]*graph.Node, []ShapeExpr) {
	p := params.(scanParams)
	consts, inits, xs := splitList(vals, p.numConsts, p.numCarry)
	constExprs, initExprs, xsExprs := splitList(exprs, p.numConsts, p.numCarry)
	if len(vals) == 0 {
		exceptions.Panicf("scan requires at least one operand")
	}
	g := vals[0].Graph()

	maxLength := paddedLength(xs, p.length)
	if maxLength == 0 {
		panic(errors.Wrapf(ErrShape, "scan requires a non-zero padded length"))
	}
	dynamicLength := resolveSize(env, p.length, g)

	// Per-step shape of each sequence input: the scan axis removed.
	xExprs := make([]ShapeExpr, len(xs))
	for ii, expr := range xsExprs {
		if expr.Rank() == 0 {
			panic(errors.Wrapf(ErrShape, "scan sequence input #%d is a scalar, it needs a leading scan axis", ii))
		}
		xExprs[ii] = expr.dropAxes([]int{0})
	}

	// The nested session interpreting the loop body.
	sub := newTrace(g, env)
	constsM := make([]*Masked, len(consts))
	for ii := range consts {
		constsM[ii] = sub.wrap(consts[ii], constExprs[ii])
	}
	carry := make([]*Masked, len(inits))
	for ii := range inits {
		carry[ii] = sub.wrap(inits[ii], initExprs[ii])
	}

	body := maskedScanBody(sub, p.body, dynamicLength)
	counter := graph.Scalar(g, dtypes.Int32, 0)
	var ysSteps [][]*graph.Node // ysSteps[output][position]
	var yExprs []ShapeExpr
	for ii := range maxLength {
		idx := ii
		if p.reverse {
			idx = maxLength - 1 - ii
		}
		x := make([]*Masked, len(xs))
		for jj, xsVal := range xs {
			x[jj] = sub.wrap(sliceStep(xsVal, idx), xExprs[jj])
		}
		var y []*Masked
		counter, carry, y = body(counter, constsM, carry, x)
		if ysSteps == nil {
			ysSteps = make([][]*graph.Node, len(y))
			for jj := range y {
				ysSteps[jj] = make([]*graph.Node, maxLength)
			}
			yExprs = sliceMap(y, func(m *Masked) ShapeExpr { return m.expr })
		}
		for jj, step := range y {
			ysSteps[jj][idx] = step.node
		}
	}

	outVals := sliceMap(carry, func(m *Masked) *graph.Node { return m.node })
	outExprs := make([]ShapeExpr, 0, len(carry)+len(ysSteps))
	outExprs = append(outExprs, initExprs...)
	for jj := range ysSteps {
		outVals = append(outVals, graph.Stack(ysSteps[jj], 0))
		outExprs = append(outExprs, yExprs[jj].withLeading(p.length))
	}
	return outVals, outExprs
}

// maskedScanBody synthesizes the wrapped loop body: it runs the original
// body, then replaces each tentative carried value with the previous one
// whenever the iteration counter has reached the dynamic length. The counter
// advances every iteration regardless. Per-step outputs are not sanitized.
func maskedScanBody(tr *Trace, body ScanBody, dynamicLength *graph.Node) func(counter *graph.Node, consts, carry, x []*Masked) (*graph.Node, []*Masked, []*Masked) {
	return func(counter *graph.Node, consts, carry, x []*Masked) (*graph.Node, []*Masked, []*Masked) {
		newCarry, y := body(consts, carry, x)
		if len(newCarry) != len(carry) {
			exceptions.Panicf("scan body returned %d carried values, expected %d", len(newCarry), len(carry))
		}
		active := graph.LessThan(counter, dynamicLength)
		frozen := make([]*Masked, len(newCarry))
		for ii := range newCarry {
			if !newCarry[ii].expr.Equal(carry[ii].expr) {
				panic(errors.Wrapf(ErrShape, "scan body changed the shape of carried value #%d from %s to %s",
					ii, carry[ii].expr, newCarry[ii].expr))
			}
			selected := graph.Where(active, newCarry[ii].node, carry[ii].node)
			frozen[ii] = tr.wrap(selected, newCarry[ii].expr)
		}
		return graph.OnePlus(counter), frozen, y
	}
}

// paddedLength returns the concrete padded length shared by all sequence
// inputs along their leading axis.
func paddedLength(xs []*graph.Node, length Dim) int {
	if len(xs) == 0 {
		if length.IsSymbolic() {
			panic(errors.Wrapf(ErrShape, "scan over symbolic length %q requires at least one sequence input to read the padded length from", length))
		}
		return length.FixedSize()
	}
	maxLength := xs[0].Shape().Dim(0)
	for _, x := range xs[1:] {
		if x.Shape().Dim(0) != maxLength {
			panic(errors.Wrapf(ErrShape, "scan sequence inputs disagree on the padded length: %d vs %d",
				maxLength, x.Shape().Dim(0)))
		}
	}
	return maxLength
}

// sliceStep extracts position idx along the leading (scan) axis.
func sliceStep(x *graph.Node, idx int) *graph.Node {
	specs := make([]graph.SliceAxisSpec, x.Rank())
	specs[0] = graph.AxisElem(idx)
	for ii := 1; ii < len(specs); ii++ {
		specs[ii] = graph.AxisRange()
	}
	return graph.Squeeze(graph.Slice(x, specs...), 0)
}

// splitList splits list in three, the first with numA elements and the
// second with numB.
func splitList[T any](list []T, numA, numB int) (a, b, c []T) {
	return list[:numA], list[numA : numA+numB], list[numA+numB:]
}
