package benchmarks

import (
	"flag"
	"fmt"
	"testing"

	"github.com/gomlx/go-xla/pkg/types/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/mask-gomlx/masking"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"
)

var (
	flagBenchDuration = flag.Duration("bench_duration", 0, "Benchmark duration, typically use 10 seconds. If left as 0, benchmark tests are disabled")

	// Padded lengths to benchmark at. The dynamic length is always half the
	// padded one, so half of each input is masked-out padding.
	reduceLengths = []int{16, 256, 4096, 65536}
	scanLengths   = []int{16, 64, 256}
)

func onesTensor(length int) *tensors.Tensor {
	x := tensors.FromShape(shapes.Make(dtypes.Float32, length))
	tensors.MutableFlatData[float32](x, func(flat []float32) {
		for ii := range flat {
			flat[ii] = 1
		}
	})
	return x
}

func runNamed(testFns []benchmarks.NamedFunction, warmUps int) {
	for idx, fn := range testFns {
		benchmarks.New(fn).
			WithWarmUps(warmUps).
			WithDuration(*flagBenchDuration).
			WithHeader(idx == 0).
			Done()
	}
}

// TestBenchMaskedReduce measures the per-call overhead the validity mask adds
// to a reduction, against a plain reduction of the same padded input.
func TestBenchMaskedReduce(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		t.SkipNow()
	}
	backend := graphtest.BuildTestBackend()

	maskedExec := must.M1(NewExec(backend, func(x, n *Node) *Node {
		outs, _, err := masking.Mask(func(inputs []*masking.Masked) []*masking.Masked {
			return []*masking.Masked{inputs[0].ReduceSum()}
		}, masking.ShapeEnv{"n": n}, []*Node{x}, []masking.ShapeExpr{masking.Expr("n")})
		must.M(err)
		return outs[0]
	}))
	directExec := must.M1(NewExec(backend, func(x *Node) *Node {
		return ReduceSum(x)
	}))

	testFns := make([]benchmarks.NamedFunction, 0, 2*len(reduceLengths))
	for _, length := range reduceLengths {
		x := onesTensor(length)
		n := int32(length / 2)
		testFns = append(testFns,
			benchmarks.NamedFunction{
				Name: fmt.Sprintf("MaskedSum/length=%d", length),
				Func: func() {
					maskedExec.MustExec(x, n)[0].FinalizeAll()
				},
			},
			benchmarks.NamedFunction{
				Name: fmt.Sprintf("DirectSum/length=%d", length),
				Func: func() {
					directExec.MustExec(x)[0].FinalizeAll()
				},
			})
	}
	runNamed(testFns, 10)
}

// TestBenchMaskedScan measures the unrolled masked loop. The graph grows with
// the padded length, so build and execution are timed separately.
func TestBenchMaskedScan(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		t.SkipNow()
	}
	backend := graphtest.BuildTestBackend()

	cumSum := func(consts, carry, x []*masking.Masked) (newCarry, y []*masking.Masked) {
		acc := carry[0].Add(x[0])
		return []*masking.Masked{acc}, []*masking.Masked{acc}
	}
	graphFn := func(x, n *Node) *Node {
		outs, _, err := masking.Mask(func(inputs []*masking.Masked) []*masking.Masked {
			xs := inputs[0]
			carry, _ := masking.Scan(cumSum, nil, []*masking.Masked{xs.ConstLike(0)},
				[]*masking.Masked{xs}, masking.SymbolicDim("n"), false)
			return carry
		}, masking.ShapeEnv{"n": n}, []*Node{x}, []masking.ShapeExpr{masking.Expr("n")})
		must.M(err)
		return outs[0]
	}

	testFns := make([]benchmarks.NamedFunction, 0, 2*len(scanLengths))
	for _, length := range scanLengths {
		x := onesTensor(length)
		n := int32(length / 2)

		exec := must.M1(NewExec(backend, graphFn))
		exec.MustExec(x, n)[0].FinalizeAll() // force the build outside the timed loop
		testFns = append(testFns,
			benchmarks.NamedFunction{
				Name: fmt.Sprintf("ScanExec/length=%d", length),
				Func: func() {
					exec.MustExec(x, n)[0].FinalizeAll()
				},
			},
			benchmarks.NamedFunction{
				Name: fmt.Sprintf("ScanBuild/length=%d", length),
				Func: func() {
					g := NewGraph(backend, fmt.Sprintf("scan-%d", length))
					graphFn(Parameter(g, "x", shapes.Make(dtypes.Float32, length)),
						Parameter(g, "n", shapes.Make(dtypes.Int32)))
					g.Finalize()
				},
			})
	}
	runNamed(testFns, 5)
}
