package fmha

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/dropout"
	"github.com/samcharles93/fmha/internal/packed"
	"github.com/samcharles93/fmha/internal/reference"
	"github.com/samcharles93/fmha/internal/tensor"
)

const testOrdinal = 0

// fixture is a packed problem with every buffer forward and backward need.
type fixture struct {
	dtype          tensor.DType
	heads, headDim int
	lensQ, lensK   []int
	maxQ, maxK     int

	q, k, v, out, dout *tensor.Tensor
	dq, dk, dv         *tensor.Tensor
	offQ, offK         *tensor.Tensor
}

func newFixture(t *testing.T, seed uint64, dtype tensor.DType, heads, headDim int, lensQ, lensK []int) *fixture {
	t.Helper()
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	offQ, offK := packed.FromLengths(lensQ...), packed.FromLengths(lensK...)
	totalQ, totalK := int(offQ[len(offQ)-1]), int(offK[len(offK)-1])
	f := &fixture{dtype: dtype, heads: heads, headDim: headDim, lensQ: lensQ, lensK: lensK}
	for _, n := range lensQ {
		f.maxQ = max(f.maxQ, n, 1)
	}
	for _, n := range lensK {
		f.maxK = max(f.maxK, n, 1)
	}
	random := func(total int) *tensor.Tensor {
		data := make([]float32, total*heads*headDim)
		for i := range data {
			data[i] = r.Float32()*2 - 1
		}
		ten, err := tensor.FromFloat32(dtype, testOrdinal, data, total, heads, headDim)
		if err != nil {
			t.Fatalf("FromFloat32: %v", err)
		}
		return ten
	}
	f.q, f.k, f.v = random(totalQ), random(totalK), random(totalK)
	f.dout = random(totalQ)
	f.out = tensor.MustNew(dtype, testOrdinal, totalQ, heads, headDim)
	f.dq = tensor.MustNew(dtype, testOrdinal, totalQ, heads, headDim)
	f.dk = tensor.MustNew(dtype, testOrdinal, totalK, heads, headDim)
	f.dv = tensor.MustNew(dtype, testOrdinal, totalK, heads, headDim)
	var err error
	if f.offQ, err = tensor.FromInt32(testOrdinal, offQ, len(offQ)); err != nil {
		t.Fatal(err)
	}
	if f.offK, err = tensor.FromInt32(testOrdinal, offK, len(offK)); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) forwardRequest() *ForwardRequest {
	return &ForwardRequest{
		Q:           f.q,
		K:           f.k,
		V:           f.v,
		Out:         f.out,
		SeqOffsetsQ: f.offQ,
		SeqOffsetsK: f.offK,
		MaxSeqLenQ:  f.maxQ,
		MaxSeqLenK:  f.maxK,
		ZeroInit:    true,
		Splits:      1,
	}
}

func (f *fixture) backwardRequest(lse *tensor.Tensor) *BackwardRequest {
	return &BackwardRequest{
		DOut:        f.dout,
		Q:           f.q,
		K:           f.k,
		V:           f.v,
		Out:         f.out,
		LSE:         lse,
		DQ:          f.dq,
		DK:          f.dk,
		DV:          f.dv,
		SeqOffsetsQ: f.offQ,
		SeqOffsetsK: f.offK,
		MaxSeqLenQ:  f.maxQ,
		MaxSeqLenK:  f.maxK,
		ZeroInit:    true,
		Splits:      1,
	}
}

// referenceInput reads the fixture back as float32, so the reference sees
// exactly the rounded values the engine computes with.
func (f *fixture) referenceInput(causal bool) reference.Input {
	return reference.Input{
		Heads:    f.heads,
		HeadDim:  f.headDim,
		OffsetsQ: f.offQ.Int32(),
		OffsetsK: f.offK.Int32(),
		Q:        f.q.Float32(),
		K:        f.k.Float32(),
		V:        f.v.Float32(),
		Scale:    1 / math.Sqrt(float64(f.headDim)),
		Causal:   causal,
	}
}

func withMask(in reference.Input, m *dropout.Mask) reference.Input {
	in.Keep = m.Keep
	in.RP = float64(m.Dropout.RP)
	return in
}

func newTestEngine(arch device.Arch, opts ...Option) *Engine {
	return New(device.New(testOrdinal, arch), append([]Option{WithWorkers(4)}, opts...)...)
}

// tolerance is the absolute and relative error allowed after rounding into
// dtype.
func tolerance(dtype tensor.DType) float64 {
	if dtype == tensor.BF16 {
		return 2e-2
	}
	return 3e-3
}

func approx(tol float64) cmp.Option {
	return cmpopts.EquateApprox(tol, tol)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func requireClose(t *testing.T, name string, got, want []float32, tol float64) {
	t.Helper()
	if diff := cmp.Diff(toFloat64(want), toFloat64(got), approx(tol)); diff != "" {
		t.Fatalf("%s mismatch (-want +got):\n%s", name, diff)
	}
}

// maxAbsDiff is used where a difference is expected rather than ruled out.
func maxAbsDiff(a, b []float32) float64 {
	var m float64
	for i := range a {
		m = math.Max(m, math.Abs(float64(a[i])-float64(b[i])))
	}
	return m
}

// lseRows returns the LSE values of the real (unpadded) rows in the
// reference's [b*heads+h][q] layout.
func (f *fixture) lseRows(lse *tensor.Tensor) [][]float64 {
	out := make([][]float64, 0, len(f.lensQ)*f.heads)
	for b, n := range f.lensQ {
		for h := range f.heads {
			row := make([]float64, n)
			for i := range n {
				row[i] = float64(lse.At(b, h, i))
			}
			out = append(out, row)
		}
	}
	return out
}
