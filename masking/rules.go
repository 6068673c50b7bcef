package masking

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-xla/pkg/types/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Op identifies a primitive for rule dispatch. Identities are stable strings,
// so dispatch stays correct across nested computations and process
// boundaries, without relying on object identity.
type Op string

const (
	OpAdd  Op = "Add"
	OpSub  Op = "Sub"
	OpMul  Op = "Mul"
	OpDiv  Op = "Div"
	OpMax  Op = "Max"
	OpMin  Op = "Min"
	OpNeg  Op = "Neg"
	OpAbs  Op = "Abs"
	OpExp  Op = "Exp"
	OpLog  Op = "Log"
	OpSqrt Op = "Sqrt"

	OpReduceSum Op = "ReduceSum"
	OpReduceMax Op = "ReduceMax"

	OpScan Op = "Scan"
)

// Rule rewrites one primitive application into graph operations that are safe
// to run at the padded (maximum) size. It receives the shape environment of
// the call, the padded operand values with their symbolic shapes, and the
// primitive's static parameters; it returns the rewritten output values and
// their symbolic shapes.
//
// Rules must be pure: they may emit new graph operations but never mutate the
// rule table or the environment. On failure they panic with one of the
// package sentinel errors, wrapped.
type Rule func(env ShapeEnv, vals []*graph.Node, exprs []ShapeExpr, params any) (outVals []*graph.Node, outExprs []ShapeExpr)

// maskingRules is the process-wide rule table. It is populated during
// initialization and read-only afterwards, so concurrent Mask calls need no
// synchronization.
var maskingRules = make(map[Op]Rule)

// RegisterMaskingRule adds a rule for op to the table. Call it from an init
// function; registering the same op twice is a programming error.
func RegisterMaskingRule(op Op, rule Rule) {
	if _, found := maskingRules[op]; found {
		exceptions.Panicf("masking rule for %q registered twice", op)
	}
	maskingRules[op] = rule
}

func init() {
	RegisterMaskingRule(OpAdd, binaryRule(graph.Add))
	RegisterMaskingRule(OpSub, binaryRule(graph.Sub))
	RegisterMaskingRule(OpMul, binaryRule(graph.Mul))
	RegisterMaskingRule(OpDiv, binaryRule(graph.Div))
	RegisterMaskingRule(OpMax, binaryRule(graph.Max))
	RegisterMaskingRule(OpMin, binaryRule(graph.Min))
	RegisterMaskingRule(OpNeg, unaryRule(graph.Neg))
	RegisterMaskingRule(OpAbs, unaryRule(graph.Abs))
	RegisterMaskingRule(OpExp, unaryRule(graph.Exp))
	RegisterMaskingRule(OpLog, unaryRule(graph.Log))
	RegisterMaskingRule(OpSqrt, unaryRule(graph.Sqrt))
	RegisterMaskingRule(OpReduceSum, reduceRule(graph.ReduceSum, zeroForDType))
	RegisterMaskingRule(OpReduceMax, reduceRule(graph.ReduceMax, lowestForDType))
	RegisterMaskingRule(OpScan, scanRule)
}

// gomlxBinaryOp is a GoMLX binary op. Used by binaryRule.
type gomlxBinaryOp func(lhs, rhs *graph.Node) *graph.Node

// gomlxUnaryOp is a GoMLX unary op. Used by unaryRule.
type gomlxUnaryOp func(x *graph.Node) *graph.Node

// gomlxReduceOp is a GoMLX reduction op. Used by reduceRule.
type gomlxReduceOp func(x *graph.Node, axes ...int) *graph.Node

// reduceParams carries the static parameters of reduction ops: the axes to
// reduce, already adjusted, sorted and deduplicated.
type reduceParams struct {
	axes []int
}

// binaryRule builds the masking rule for an elementwise binary op: the
// operands must have literally equal symbolic shapes -- a conservative static
// check, since padded sizes for same-role dimensions must already agree
// structurally -- and the result is computed directly on the padded arrays.
func binaryRule(fn gomlxBinaryOp) Rule {
	return func(env ShapeEnv, vals []*graph.Node, exprs []ShapeExpr, params any) ([]*graph.Node, []ShapeExpr) {
		lhs, rhs := exprs[0], exprs[1]
		if !lhs.Equal(rhs) {
			panic(errors.Wrapf(ErrShape, "elementwise operands must share a symbolic shape, got %s and %s", lhs, rhs))
		}
		return []*graph.Node{fn(vals[0], vals[1])}, []ShapeExpr{lhs}
	}
}

// unaryRule builds the masking rule for an elementwise unary op: the symbolic
// shape passes through unchanged.
func unaryRule(fn gomlxUnaryOp) Rule {
	return func(env ShapeEnv, vals []*graph.Node, exprs []ShapeExpr, params any) ([]*graph.Node, []ShapeExpr) {
		return []*graph.Node{fn(vals[0])}, []ShapeExpr{exprs[0]}
	}
}

// reduceRule builds the masking rule for a reduction: positions past the
// dynamic bound of every symbolic reduced axis are replaced by the
// reduction's identity element before reducing over the full padded extent,
// so the result equals the reduction over the dynamic extents alone.
// Fixed reduced axes need no masking. Reduced axes are dropped from the
// output shape, preserving the order of the remaining ones.
func reduceRule(reduce gomlxReduceOp, identity func(g *graph.Graph, dtype dtypes.DType) *graph.Node) Rule {
	return func(env ShapeEnv, vals []*graph.Node, exprs []ShapeExpr, params any) ([]*graph.Node, []ShapeExpr) {
		val := vals[0]
		expr := exprs[0]
		axes := params.(reduceParams).axes
		g := val.Graph()

		var mask *graph.Node
		for _, axis := range axes {
			dim := expr.Dim(axis)
			if !dim.IsSymbolic() {
				continue
			}
			size := resolveSize(env, dim, g)
			positions := graph.Iota(g, shapes.Make(dtypes.Int32, val.Shape().Dimensions...), axis)
			axisMask := graph.LessThan(positions, broadcastSize(size, positions))
			if mask == nil {
				mask = axisMask
			} else {
				mask = graph.LogicalAnd(mask, axisMask)
			}
		}
		cleaned := val
		if mask != nil {
			fill := graph.BroadcastToDims(identity(g, val.DType()), val.Shape().Dimensions...)
			cleaned = graph.Where(mask, val, fill)
		}
		return []*graph.Node{reduce(cleaned, axes...)}, []ShapeExpr{expr.dropAxes(axes)}
	}
}

func zeroForDType(g *graph.Graph, dtype dtypes.DType) *graph.Node {
	return graph.Scalar(g, dtype, 0)
}

func lowestForDType(g *graph.Graph, dtype dtypes.DType) *graph.Node {
	return graph.Infinity(g, dtype, -1)
}

// resolveSize returns the runtime size of a dimension as an int32 graph
// value: fixed dimensions become constants, symbolic ones are looked up in
// the environment.
func resolveSize(env ShapeEnv, dim Dim, g *graph.Graph) *graph.Node {
	if !dim.IsSymbolic() {
		return graph.Scalar(g, dtypes.Int32, float64(dim.FixedSize()))
	}
	size, err := env.Resolve(dim.Name())
	if err != nil {
		panic(err)
	}
	return graph.ConvertDType(size, dtypes.Int32)
}

// broadcastSize aligns a runtime size with like's shape: scalar sizes
// broadcast everywhere, batched sizes (one per leading batch element) get
// trailing axes appended before broadcasting.
func broadcastSize(size, like *graph.Node) *graph.Node {
	if size.Rank() > like.Rank() {
		panic(errors.Wrapf(ErrShape, "runtime size %s has higher rank than the operand %s it bounds",
			size.Shape(), like.Shape()))
	}
	for size.Rank() < like.Rank() {
		size = graph.ExpandAxes(size, -1)
	}
	return graph.BroadcastToDims(size, like.Shape().Dimensions...)
}
