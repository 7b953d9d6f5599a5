package params

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/fmha/internal/device"
)

func TestDeriveDense(t *testing.T) {
	tests := []struct {
		name       string
		in         TilingInput
		wantQ      int
		wantK      int
		wantBlockK int
		wantLoop   bool
	}{
		{"short d64", TilingInput{MaxSeqLenQ: 5, MaxSeqLenK: 100, HeadDim: 64, Arch: device.SM80}, 16, 128, 256, false},
		{"mid d64", TilingInput{MaxSeqLenQ: 17, MaxSeqLenK: 200, HeadDim: 64, Arch: device.SM80}, 32, 256, 256, false},
		{"long d64", TilingInput{MaxSeqLenQ: 300, MaxSeqLenK: 300, HeadDim: 64, Arch: device.SM80}, 304, 512, 256, true},
		{"short d128", TilingInput{MaxSeqLenQ: 16, MaxSeqLenK: 128, HeadDim: 128, Arch: device.SM80}, 16, 128, 128, false},
		{"mid d128 loops", TilingInput{MaxSeqLenQ: 16, MaxSeqLenK: 129, HeadDim: 128, Arch: device.SM80}, 16, 256, 128, true},
		{"long d128", TilingInput{MaxSeqLenQ: 1, MaxSeqLenK: 1000, HeadDim: 128, Arch: device.SM90}, 16, 1024, 128, true},
		{"sm75 bwd d64", TilingInput{MaxSeqLenQ: 16, MaxSeqLenK: 300, HeadDim: 64, Arch: device.SM75, Pass: Backward}, 16, 384, 128, true},
		{"sm75 fwd d64", TilingInput{MaxSeqLenQ: 16, MaxSeqLenK: 300, HeadDim: 64, Arch: device.SM75}, 16, 512, 256, true},
		{"sm75 bwd d32", TilingInput{MaxSeqLenQ: 16, MaxSeqLenK: 300, HeadDim: 32, Arch: device.SM75, Pass: Backward}, 16, 512, 256, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Derive(tt.in)
			if err != nil {
				t.Fatalf("Derive: %v", err)
			}
			if got.MaxSeqLenQ != tt.wantQ || got.MaxSeqLenK != tt.wantK || got.BlockK != tt.wantBlockK || got.Loop != tt.wantLoop {
				t.Fatalf("got %+v, want q=%d k=%d blockK=%d loop=%v", got, tt.wantQ, tt.wantK, tt.wantBlockK, tt.wantLoop)
			}
		})
	}
}

func TestDeriveBlockSparse(t *testing.T) {
	got, err := Derive(TilingInput{MaxSeqLenQ: 40, MaxSeqLenK: 100, HeadDim: 16, BlockSparse: true})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if got.MaxSeqLenK != 256 || got.BlockK != 256 || got.Loop || got.MaxSeqLenQ != 48 {
		t.Fatalf("got %+v", got)
	}
	got, err = Derive(TilingInput{MaxSeqLenQ: 40, MaxSeqLenK: 513, HeadDim: 64, BlockSparse: true})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if got.MaxSeqLenK != 768 || !got.Loop || got.KeyTiles() != 3 || got.QueryTiles() != 3 {
		t.Fatalf("got %+v", got)
	}
}

func TestDeriveRejects(t *testing.T) {
	for _, d := range []int{0, 12, 136, -8} {
		_, err := Derive(TilingInput{MaxSeqLenQ: 1, MaxSeqLenK: 1, HeadDim: d})
		if !errors.Is(err, ErrHeadDim) {
			t.Fatalf("head_dim %d: err = %v", d, err)
		}
	}
	if _, err := Derive(TilingInput{MaxSeqLenQ: 0, MaxSeqLenK: 1, HeadDim: 64}); !errors.Is(err, ErrSeqLen) {
		t.Fatalf("err = %v, want ErrSeqLen", err)
	}
}

func TestNewDropoutFixedPoint(t *testing.T) {
	d, err := NewDropout(0.25)
	if err != nil {
		t.Fatalf("NewDropout: %v", err)
	}
	if d.Keep != 0.75 || d.KeepUint32 != uint32(math.Floor(0.75*4294967295.0)) || d.KeepUint16 != 49151 {
		t.Fatalf("got %+v", d)
	}
	if math.Abs(float64(d.RP)-1/0.75) > 1e-6 || !d.Enabled() {
		t.Fatalf("got %+v", d)
	}
	zero, _ := NewDropout(0)
	if zero.Enabled() || zero.KeepUint32 != math.MaxUint32 || zero.KeepUint16 != math.MaxUint16 {
		t.Fatalf("p=0 got %+v", zero)
	}
	for _, p := range []float32{1, 1.5, -0.1, float32(math.NaN())} {
		if _, err := NewDropout(p); !errors.Is(err, ErrDropout) {
			t.Fatalf("p=%v: err = %v", p, err)
		}
	}
}

func TestNewDefaultsScale(t *testing.T) {
	tiling, _ := Derive(TilingInput{MaxSeqLenQ: 8, MaxSeqLenK: 8, HeadDim: 64})
	p, err := New(Shape{Batch: 1, Heads: 2, HeadDim: 64, TotalQ: 8, TotalK: 8}, tiling, Options{Splits: 1, DropoutP: 0.5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Scale != 0.125 || p.ScaleRPDropout != 0.25 {
		t.Fatalf("scale=%v scaleRP=%v", p.Scale, p.ScaleRPDropout)
	}
	if _, err := New(Shape{HeadDim: 64}, tiling, Options{Splits: 0}); !errors.Is(err, ErrSplits) {
		t.Fatalf("err = %v, want ErrSplits", err)
	}
}
