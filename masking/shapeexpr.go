package masking

import (
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// Dim describes one axis of a symbolic shape: either a fixed size, known
// statically and equal across all calls, or a named symbol whose size is
// resolved per-call through a ShapeEnv.
type Dim struct {
	size int
	name string
}

// FixedDim returns a dimension with a statically known, non-negative size.
func FixedDim(size int) Dim {
	if size < 0 {
		exceptions.Panicf("masking: fixed dimensions cannot be negative, got %d", size)
	}
	return Dim{size: size}
}

// SymbolicDim returns a dimension whose size is looked up by name in the
// ShapeEnv at call time.
func SymbolicDim(name string) Dim {
	if name == "" {
		exceptions.Panicf("masking: symbolic dimensions require a non-empty name")
	}
	return Dim{name: name}
}

// IsSymbolic reports whether the dimension size is resolved through the ShapeEnv.
func (d Dim) IsSymbolic() bool { return d.name != "" }

// Name returns the symbol name, or "" for fixed dimensions.
func (d Dim) Name() string { return d.name }

// FixedSize returns the static size of a fixed dimension.
// It panics if called on a symbolic dimension.
func (d Dim) FixedSize() int {
	if d.IsSymbolic() {
		exceptions.Panicf("masking: dimension %q is symbolic, it has no fixed size", d.name)
	}
	return d.size
}

func (d Dim) String() string {
	if d.IsSymbolic() {
		return d.name
	}
	return strconv.Itoa(d.size)
}

// ShapeExpr is an immutable ordered sequence of dimension descriptors.
// It describes the logical (dynamic) shape of a value, as opposed to the
// padded physical shape of the value it annotates.
//
// Two ShapeExprs are equal iff their dimensions are equal element-wise,
// comparing symbols by name and fixed dimensions by value.
type ShapeExpr struct {
	dims []Dim
}

// Expr builds a ShapeExpr from a mix of ints (fixed dimensions), strings
// (symbolic dimensions) and Dim values. Expr() is the scalar shape.
func Expr(dims ...any) ShapeExpr {
	e := ShapeExpr{dims: make([]Dim, len(dims))}
	for ii, dim := range dims {
		switch v := dim.(type) {
		case int:
			e.dims[ii] = FixedDim(v)
		case string:
			e.dims[ii] = SymbolicDim(v)
		case Dim:
			e.dims[ii] = v
		default:
			exceptions.Panicf("masking.Expr: dimensions must be int, string or Dim, got %T", dim)
		}
	}
	return e
}

// Rank returns the number of dimensions.
func (e ShapeExpr) Rank() int { return len(e.dims) }

// Dim returns the descriptor of the given axis.
func (e ShapeExpr) Dim(axis int) Dim { return e.dims[axis] }

// Dims returns a copy of the dimension descriptors.
func (e ShapeExpr) Dims() []Dim {
	dims := make([]Dim, len(e.dims))
	copy(dims, e.dims)
	return dims
}

// Equal reports whether both shape expressions have the same dimensions,
// comparing symbols by name and fixed dimensions by value.
func (e ShapeExpr) Equal(other ShapeExpr) bool {
	if len(e.dims) != len(other.dims) {
		return false
	}
	for ii, dim := range e.dims {
		if dim != other.dims[ii] {
			return false
		}
	}
	return true
}

// AllFixed reports whether the shape has no symbolic dimensions, in which
// case the value it annotates carries no padding that needs masking.
func (e ShapeExpr) AllFixed() bool {
	for _, dim := range e.dims {
		if dim.IsSymbolic() {
			return false
		}
	}
	return true
}

func (e ShapeExpr) String() string {
	parts := make([]string, len(e.dims))
	for ii, dim := range e.dims {
		parts[ii] = dim.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// dropAxes returns the expression with the given axes removed, preserving the
// order of the remaining axes. axes must be valid and deduplicated.
func (e ShapeExpr) dropAxes(axes []int) ShapeExpr {
	dropped := make(map[int]bool, len(axes))
	for _, axis := range axes {
		dropped[axis] = true
	}
	kept := make([]Dim, 0, len(e.dims)-len(axes))
	for axis, dim := range e.dims {
		if !dropped[axis] {
			kept = append(kept, dim)
		}
	}
	return ShapeExpr{dims: kept}
}

// withLeading returns the expression with dim prepended as the leading axis.
func (e ShapeExpr) withLeading(dim Dim) ShapeExpr {
	dims := make([]Dim, 0, len(e.dims)+1)
	dims = append(dims, dim)
	dims = append(dims, e.dims...)
	return ShapeExpr{dims: dims}
}

// ShapeEnv maps symbolic dimension names to their runtime sizes.
//
// A size is a graph value: typically an int scalar, but it may carry leading
// batch axes (one size per batch element) when the whole interpretation runs
// under vectorized batching.
//
// Exactly one ShapeEnv is live per call to Mask; it is threaded, read-only,
// through every masked value and nested interpreter session of that call.
type ShapeEnv map[string]*graph.Node

// Resolve returns the runtime size bound to name.
// It fails wrapping ErrUnboundSymbol if name is not a key of the environment.
func (env ShapeEnv) Resolve(name string) (*graph.Node, error) {
	size, found := env[name]
	if !found || size == nil {
		return nil, errors.Wrapf(ErrUnboundSymbol, "dimension %q is not bound in the shape environment", name)
	}
	return size, nil
}
