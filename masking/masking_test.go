package masking

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

func TestPad(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	padded := Pad(func(inputs []*Masked) []*Masked {
		return []*Masked{inputs[0].ReduceSum()}
	}, []ShapeExpr{Expr("n")}, []ShapeExpr{Expr()})

	exec, err := graph.NewExec(backend, func(x, n *graph.Node) *graph.Node {
		outs, err := padded([]*graph.Node{x}, ShapeEnv{"n": n})
		require.NoError(t, err)
		return outs[0]
	})
	require.NoError(t, err)
	got := exec.MustExec1([]float32{0, 1, 2, 3, 4}, int32(3))
	require.Equal(t, float32(3), tensors.ToScalar[float32](got))
}

func TestPadOutputShapeMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// The computation produces a scalar, the declaration claims shape (n).
	padded := Pad(func(inputs []*Masked) []*Masked {
		return []*Masked{inputs[0].ReduceSum()}
	}, []ShapeExpr{Expr("n")}, []ShapeExpr{Expr("n")})

	var padErr error
	exec, err := graph.NewExec(backend, func(x, n *graph.Node) *graph.Node {
		_, padErr = padded([]*graph.Node{x}, ShapeEnv{"n": n})
		return x
	})
	require.NoError(t, err)
	exec.MustExec([]float32{0, 1, 2}, int32(2))
	require.ErrorIs(t, padErr, ErrShape)
}

func TestUnboundSymbol(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	var maskErr error
	exec, err := graph.NewExec(backend, func(x, n *graph.Node) *graph.Node {
		// The input declares symbol "k" but the environment only binds "n".
		_, _, maskErr = Mask(func(inputs []*Masked) []*Masked {
			return []*Masked{inputs[0].ReduceSum()}
		}, ShapeEnv{"n": n}, []*graph.Node{x}, []ShapeExpr{Expr("k")})
		return x
	})
	require.NoError(t, err)
	exec.MustExec([]float32{0, 1, 2}, int32(2))
	require.ErrorIs(t, maskErr, ErrUnboundSymbol)
}

func TestInputRankMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	var maskErr error
	exec, err := graph.NewExec(backend, func(x, n *graph.Node) *graph.Node {
		_, _, maskErr = Mask(func(inputs []*Masked) []*Masked {
			return inputs
		}, ShapeEnv{"n": n}, []*graph.Node{x}, []ShapeExpr{Expr("n", 2)})
		return x
	})
	require.NoError(t, err)
	exec.MustExec([]float32{0, 1, 2, 3, 4}, int32(3))
	require.ErrorIs(t, maskErr, ErrShape)
}

func TestMaskInputValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := graph.NewGraph(backend, "validation")
	x := graph.Const(g, []float32{1, 2, 3})
	identity := func(inputs []*Masked) []*Masked { return inputs }

	_, _, err := Mask(identity, ShapeEnv{}, []*graph.Node{x}, []ShapeExpr{Expr(3), Expr(3)})
	require.Error(t, err)

	_, _, err = Mask(identity, ShapeEnv{}, nil, nil)
	require.Error(t, err)
}

func TestUnsupportedOp(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := graph.NewGraph(backend, "unsupported")
	tr := newTrace(g, ShapeEnv{})
	x := tr.lift(graph.Const(g, []float32{1, 2, 3}))
	err := exceptions.TryCatch[error](func() {
		tr.apply(Op("Bogus"), nil, x)
	})
	require.ErrorIs(t, err, ErrUnsupportedOp)
}

func TestRegisterMaskingRuleTwice(t *testing.T) {
	require.Panics(t, func() {
		RegisterMaskingRule(OpAdd, func(env ShapeEnv, vals []*graph.Node, exprs []ShapeExpr, params any) ([]*graph.Node, []ShapeExpr) {
			return vals, exprs
		})
	})
}
