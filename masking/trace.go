package masking

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-xla/pkg/types/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trace is one masking interpreter session: it holds the graph being built
// and the shape environment of the call. It is an explicit handle, passed
// structurally: every Masked value points back to the Trace that created it,
// and nested sessions (loop bodies) are child Traces sharing the same
// ShapeEnv. There is no ambient "current interpreter" state.
type Trace struct {
	g   *graph.Graph
	env ShapeEnv
}

func newTrace(g *graph.Graph, env ShapeEnv) *Trace {
	return &Trace{g: g, env: env}
}

// Masked pairs a concrete graph value, padded to its maximum size, with the
// symbolic shape describing its dynamic size. Positions past a dynamic bound
// hold unspecified values: the masking rules guarantee they never leak into
// results.
type Masked struct {
	trace *Trace
	node  *graph.Node
	expr  ShapeExpr
}

// Node returns the underlying padded graph value.
func (m *Masked) Node() *graph.Node { return m.node }

// Expr returns the symbolic shape of the value.
func (m *Masked) Expr() ShapeExpr { return m.expr }

// Graph returns the graph the value belongs to.
func (m *Masked) Graph() *graph.Graph { return m.node.Graph() }

// DType returns the element type of the underlying value.
func (m *Masked) DType() dtypes.DType { return m.node.DType() }

func (m *Masked) String() string {
	return fmt.Sprintf("Masked(%s, padded=%s)", m.expr, m.node.Shape())
}

// wrap pairs a padded graph value with its declared symbolic shape, after
// validating that the declaration is consistent: ranks must agree, fixed
// dimensions must equal the physical ones, and every symbol must be bound in
// the session's shape environment.
func (tr *Trace) wrap(node *graph.Node, expr ShapeExpr) *Masked {
	if node.Rank() != expr.Rank() {
		panic(errors.Wrapf(ErrShape, "value %s does not match the rank of its declared shape %s",
			node.Shape(), expr))
	}
	for axis, dim := range expr.dims {
		if dim.IsSymbolic() {
			if _, found := tr.env[dim.name]; !found {
				panic(errors.Wrapf(ErrUnboundSymbol, "dimension %q of shape %s", dim.name, expr))
			}
			continue
		}
		if physical := node.Shape().Dim(axis); physical != dim.size {
			panic(errors.Wrapf(ErrShape, "axis %d of value %s: declared fixed dimension %d, padded value has %d",
				axis, node.Shape(), dim.size, physical))
		}
	}
	return &Masked{trace: tr, node: node, expr: expr}
}

// lift wraps a plain graph value whose shape is fully concrete. Lifted values
// carry no symbolic dimensions, so rules treat them as ordinary operands.
func (tr *Trace) lift(node *graph.Node) *Masked {
	dims := make([]Dim, node.Rank())
	for axis := range dims {
		dims[axis] = FixedDim(node.Shape().Dim(axis))
	}
	return &Masked{trace: tr, node: node, expr: ShapeExpr{dims: dims}}
}

// apply intercepts one primitive application: it looks up the masking rule
// for op, hands it the padded operand values with their symbolic shapes, and
// wraps the rewritten outputs back into Masked values of this session.
func (tr *Trace) apply(op Op, params any, operands ...*Masked) []*Masked {
	rule, found := maskingRules[op]
	if !found {
		panic(errors.Wrapf(ErrUnsupportedOp, "%q", op))
	}
	vals := sliceMap(operands, func(m *Masked) *graph.Node { return m.node })
	exprs := sliceMap(operands, func(m *Masked) ShapeExpr { return m.expr })
	outVals, outExprs := rule(tr.env, vals, exprs, params)
	if len(outVals) != len(outExprs) {
		exceptions.Panicf("masking rule for %q returned %d values but %d shapes", op, len(outVals), len(outExprs))
	}
	if klog.V(2).Enabled() {
		klog.Infof("masking %s: %v -> %v", op, exprs, outExprs)
	}
	outs := make([]*Masked, len(outVals))
	for ii := range outVals {
		outs[ii] = tr.wrap(outVals[ii], outExprs[ii])
	}
	return outs
}

// traceFromOperands recovers the live interpreter session from the operands
// of an operation. An operand whose session carries a shape environment takes
// precedence over one that doesn't, so lifted plain constants never shadow
// the environment of the call. All operands must come from the same graph.
func traceFromOperands(operands ...*Masked) *Trace {
	if len(operands) == 0 {
		exceptions.Panicf("masking: operations require at least one operand")
	}
	tr := operands[0].trace
	for _, m := range operands {
		if m.trace.env != nil {
			tr = m.trace
			break
		}
	}
	for _, m := range operands {
		if m.trace.g != tr.g {
			exceptions.Panicf("masking: operands belong to different graphs")
		}
	}
	return tr
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
