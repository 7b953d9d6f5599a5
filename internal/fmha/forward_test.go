package fmha

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/fmha/internal/blocksparse"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/dropout"
	"github.com/samcharles93/fmha/internal/reference"
	"github.com/samcharles93/fmha/internal/tensor"
)

func TestForwardMatchesReference(t *testing.T) {
	tests := []struct {
		name    string
		dtype   tensor.DType
		headDim int
		causal  bool
		lensQ   []int
		lensK   []int
	}{
		{"fp16", tensor.F16, 64, false, []int{5, 17, 1}, []int{7, 20, 3}},
		{"fp16 causal", tensor.F16, 32, true, []int{9, 33}, []int{9, 33}},
		{"bf16", tensor.BF16, 64, false, []int{12, 4}, []int{30, 6}},
		{"bf16 causal d128", tensor.BF16, 128, true, []int{18}, []int{18}},
		{"fp16 d40", tensor.F16, 40, false, []int{3, 8}, []int{11, 2}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(device.SM80)
			defer e.Close()
			f := newFixture(t, uint64(i+1), tt.dtype, 2, tt.headDim, tt.lensQ, tt.lensK)
			req := f.forwardRequest()
			req.Causal = tt.causal
			res, err := e.Forward(req)
			if err != nil {
				t.Fatalf("Forward: %v", err)
			}
			want := reference.Forward(f.referenceInput(tt.causal))
			tol := tolerance(tt.dtype)
			requireClose(t, "out", f.out.Float32(), want.Out, tol)
			if diff := cmp.Diff(want.LSE, f.lseRows(res.LSE), approx(1e-4)); diff != "" {
				t.Fatalf("lse mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestForwardMultipleKeyTiles(t *testing.T) {
	// head_dim 128 uses 128-key tiles, so 300 keys span three of them and the
	// output goes through the float32 accumulator.
	e := newTestEngine(device.SM80)
	defer e.Close()
	f := newFixture(t, 11, tensor.F16, 2, 128, []int{40, 20}, []int{300, 150})
	res, err := e.Forward(f.forwardRequest())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !res.Tiling.Loop || res.Tiling.BlockK != 128 || res.Tiling.MaxSeqLenK != 384 {
		t.Fatalf("unexpected tiling %+v", res.Tiling)
	}
	want := reference.Forward(f.referenceInput(false))
	requireClose(t, "out", f.out.Float32(), want.Out, tolerance(tensor.F16))
}

func TestForwardTilingInvariance(t *testing.T) {
	for _, headDim := range []int{64, 128} {
		e := newTestEngine(device.SM80)
		f := newFixture(t, 21, tensor.F16, 2, headDim, []int{24, 7}, []int{100, 60})

		single := f.forwardRequest()
		resSingle, err := e.Forward(single)
		if err != nil {
			t.Fatalf("d=%d Forward: %v", headDim, err)
		}
		if resSingle.Tiling.Loop {
			t.Fatalf("d=%d expected single-tile mode, got %+v", headDim, resSingle.Tiling)
		}
		outSingle, lseSingle := f.out.Float32(), f.lseRows(resSingle.LSE)

		looped := f.forwardRequest()
		looped.MaxSeqLenK = 700
		resLoop, err := e.Forward(looped)
		if err != nil {
			t.Fatalf("d=%d Forward: %v", headDim, err)
		}
		if !resLoop.Tiling.Loop {
			t.Fatalf("d=%d expected looping mode, got %+v", headDim, resLoop.Tiling)
		}
		requireClose(t, "out", f.out.Float32(), outSingle, 1e-3)
		if diff := cmp.Diff(lseSingle, f.lseRows(resLoop.LSE), approx(1e-5)); diff != "" {
			t.Fatalf("d=%d lse mismatch (-single +loop):\n%s", headDim, diff)
		}
		e.Close()
	}
}

func TestForwardSplitsMatchSingleSplit(t *testing.T) {
	e := newTestEngine(device.SM90)
	defer e.Close()
	f := newFixture(t, 31, tensor.BF16, 1, 128, []int{20}, []int{400})
	if _, err := e.Forward(f.forwardRequest()); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := f.out.Float32()
	for _, splits := range []int{2, 3, 5} {
		req := f.forwardRequest()
		req.Splits = splits
		if _, err := e.Forward(req); err != nil {
			t.Fatalf("splits=%d Forward: %v", splits, err)
		}
		requireClose(t, "out", f.out.Float32(), want, tolerance(tensor.BF16))
	}
}

func TestCausalIgnoresFutureKeys(t *testing.T) {
	e := newTestEngine(device.SM80)
	defer e.Close()
	const n, cut = 40, 21
	f := newFixture(t, 41, tensor.F16, 2, 64, []int{n}, []int{n})
	req := f.forwardRequest()
	req.Causal = true
	if _, err := e.Forward(req); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	before := f.out.Float32()

	// Rewrite every key and value at position >= cut.
	for pos := cut; pos < n; pos++ {
		for h := range f.heads {
			for x := range f.headDim {
				f.k.Set(7, pos, h, x)
				f.v.Set(-3, pos, h, x)
			}
		}
	}
	if _, err := e.Forward(req); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	after := f.out.Float32()
	row := f.heads * f.headDim
	if diff := cmp.Diff(before[:cut*row], after[:cut*row]); diff != "" {
		t.Fatalf("rows before %d changed (-before +after):\n%s", cut, diff)
	}
	if maxAbsDiff(before[cut*row:], after[cut*row:]) == 0 {
		t.Fatal("rows at or after the cut should see the new keys")
	}
}

func TestZeroInitEmptySequence(t *testing.T) {
	e := newTestEngine(device.SM80)
	defer e.Close()
	// The second sequence has queries but no keys.
	f := newFixture(t, 51, tensor.F16, 2, 32, []int{6, 5}, []int{6, 0})
	f.out.Fill(9)
	res, err := e.Forward(f.forwardRequest())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for tok := 6; tok < 11; tok++ {
		for h := range f.heads {
			for x := range f.headDim {
				if v := f.out.At(tok, h, x); v != 0 {
					t.Fatalf("out[%d,%d,%d] = %v, want 0", tok, h, x, v)
				}
			}
		}
	}
	for h := range f.heads {
		for q := range res.Tiling.MaxSeqLenQ {
			if l := res.LSE.At(1, h, q); !math.IsInf(float64(l), -1) {
				t.Fatalf("lse[1,%d,%d] = %v, want -Inf", h, q, l)
			}
		}
		// Padding rows of the first sequence are untouched as well.
		if l := res.LSE.At(0, h, 6); !math.IsInf(float64(l), -1) {
			t.Fatalf("padded lse[0,%d,6] = %v, want -Inf", h, l)
		}
	}
}

func TestDropoutZeroMatchesNoDropout(t *testing.T) {
	e := newTestEngine(device.SM80)
	defer e.Close()
	f := newFixture(t, 61, tensor.F16, 2, 64, []int{13, 9}, []int{13, 30})

	plain, err := e.Forward(f.forwardRequest())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want, wantLSE := f.out.Float32(), plain.LSE.Float32()

	gen := dropout.NewGenerator(1234)
	req := f.forwardRequest()
	req.RNG = gen
	res, err := e.Forward(req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := cmp.Diff(want, f.out.Float32()); diff != "" {
		t.Fatalf("out differs with p=0 (-plain +p0):\n%s", diff)
	}
	if diff := cmp.Diff(wantLSE, res.LSE.Float32()); diff != "" {
		t.Fatalf("lse differs with p=0 (-plain +p0):\n%s", diff)
	}
	if got := gen.Snapshot(); got.Offset != 0 {
		t.Fatalf("p=0 advanced the generator to %d", got.Offset)
	}
}

func TestForwardDropoutMatchesReference(t *testing.T) {
	e := newTestEngine(device.SM86)
	defer e.Close()
	f := newFixture(t, 71, tensor.F16, 2, 64, []int{10, 20}, []int{30, 12})
	gen := dropout.NewGenerator(99)
	gen.Reserve(64)

	req := f.forwardRequest()
	req.DropoutP = 0.3
	req.RNG = gen
	res, err := e.Forward(req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if res.Philox.Offset != 64 || res.Philox.Seed != 99 {
		t.Fatalf("philox state %+v", res.Philox)
	}
	if got := gen.Snapshot().Offset; got != 64+dropout.CounterOffset(2, 2) {
		t.Fatalf("generator offset %d", got)
	}
	mask := &dropout.Mask{State: res.Philox, Heads: f.heads, Dropout: mustDropout(t, 0.3)}
	want := reference.Forward(withMask(f.referenceInput(false), mask))
	requireClose(t, "out", f.out.Float32(), want.Out, tolerance(tensor.F16))
}

func TestForwardReturnsProbabilities(t *testing.T) {
	e := newTestEngine(device.SM80)
	defer e.Close()
	f := newFixture(t, 81, tensor.F16, 1, 32, []int{5}, []int{7})
	req := f.forwardRequest()
	req.ReturnProbs = true
	req.Causal = true
	req.DropoutP = 0.5
	req.RNG = dropout.NewGenerator(5)
	res, err := e.Forward(req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !res.Probs.HasShape(1, 1, 16, 128) || res.Probs.DType() != tensor.F16 {
		t.Fatalf("probs is %v", res.Probs)
	}
	mask := &dropout.Mask{State: res.Philox, Heads: 1, Dropout: mustDropout(t, 0.5)}
	for q := range 5 {
		var sum float64
		for k := range 128 {
			p := float64(res.Probs.At(0, 0, q, k))
			switch {
			case k > q || k >= 7:
				if p != 0 {
					t.Fatalf("probs[%d,%d] = %v, want 0 for a masked key", q, k, p)
				}
			case mask.Keep(0, 0, q, k):
				if p <= 0 {
					t.Fatalf("probs[%d,%d] = %v, want positive for a kept key", q, k, p)
				}
			default:
				if p >= 0 {
					t.Fatalf("probs[%d,%d] = %v, want negative for a dropped key", q, k, p)
				}
			}
			sum += math.Abs(p)
		}
		if math.Abs(sum-1) > 5e-3 {
			t.Fatalf("row %d probabilities sum to %v", q, sum)
		}
	}
}

func TestBlockSparseFullMaskMatchesDense(t *testing.T) {
	e := newTestEngine(device.SM80)
	defer e.Close()
	f := newFixture(t, 91, tensor.F16, 2, 64, []int{20, 33}, []int{50, 200})
	if _, err := e.Forward(f.forwardRequest()); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	dense := f.out.Float32()

	kb, qb := blocksparse.Dims(256, 48)
	res, err := e.ForwardBlockSparse(f.forwardRequest(), blocksparse.Full(kb, qb))
	if err != nil {
		t.Fatalf("ForwardBlockSparse: %v", err)
	}
	if res.Tiling.BlockK != 256 || res.Kernel != "scalar/sparse/64" {
		t.Fatalf("unexpected sparse call %+v kernel %s", res.Tiling, res.Kernel)
	}
	requireClose(t, "out", f.out.Float32(), dense, 1e-3)
}

func TestBlockSparseInactiveTilesContributeNothing(t *testing.T) {
	e := newTestEngine(device.SM80)
	defer e.Close()
	// Two key blocks; the mask keeps only the first for query block 0.
	f := newFixture(t, 101, tensor.F16, 1, 32, []int{16}, []int{400})
	req := f.forwardRequest()
	mask := blocksparse.New(2, 1)
	mask.Set(0, 0, true)
	if _, err := e.ForwardBlockSparse(req, mask); err != nil {
		t.Fatalf("ForwardBlockSparse: %v", err)
	}
	in := f.referenceInput(false)
	in.OffsetsK = []int32{0, 256}
	want := reference.Forward(in)
	requireClose(t, "out", f.out.Float32(), want.Out, tolerance(tensor.F16))

	mask.Set(0, 0, false)
	f.out.Fill(5)
	res, err := e.ForwardBlockSparse(req, mask)
	if err != nil {
		t.Fatalf("ForwardBlockSparse: %v", err)
	}
	for _, v := range f.out.Float32() {
		if v != 0 {
			t.Fatalf("fully inactive mask produced %v", v)
		}
	}
	if l := res.LSE.At(0, 0, 0); !math.IsInf(float64(l), -1) {
		t.Fatalf("lse = %v, want -Inf", l)
	}
}

func TestForwardLSEBuffer(t *testing.T) {
	e := newTestEngine(device.SM80)
	defer e.Close()
	f := newFixture(t, 111, tensor.F16, 2, 32, []int{4}, []int{4})
	lse := tensor.MustNew(tensor.F32, testOrdinal, 1, 2, 32)
	req := f.forwardRequest()
	req.LSE = lse
	res, err := e.Forward(req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if res.LSE != lse {
		t.Fatal("caller LSE buffer not used")
	}
	if l := lse.At(0, 1, 20); !math.IsInf(float64(l), -1) {
		t.Fatalf("zero-init left lse tail at %v", l)
	}
}
