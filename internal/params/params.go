package params

import (
	"fmt"
	"math"
)

// Dropout carries the keep probability in float and fixed-point forms. The
// fixed-point thresholds let the mask compare raw random integers directly.
type Dropout struct {
	P          float32 `json:"p"`
	Keep       float32 `json:"keep"`
	KeepUint32 uint32  `json:"keep_uint32"`
	KeepUint16 uint16  `json:"keep_uint16"`
	// RP is 1/Keep, the rescale applied to kept elements.
	RP float32 `json:"rp"`
}

// NewDropout converts a drop probability p in [0, 1).
func NewDropout(p float32) (Dropout, error) {
	if math.IsNaN(float64(p)) || p < 0 || p >= 1 {
		return Dropout{}, fmt.Errorf("%w: %v", ErrDropout, p)
	}
	keep := 1 - p
	// Rounded down: the mask keeps an element when rand <= threshold.
	return Dropout{
		P:          p,
		Keep:       keep,
		KeepUint32: uint32(math.Floor(float64(keep) * 4294967295.0)),
		KeepUint16: uint16(math.Floor(float64(keep) * 65535.0)),
		RP:         1 / keep,
	}, nil
}

// Enabled reports whether any element can be dropped.
func (d Dropout) Enabled() bool { return d.P > 0 }

// Layout is the row and head stride of a [tokens, heads, head_dim] tensor.
type Layout struct {
	Row  int `json:"row"`
	Head int `json:"head"`
}

// Attention is the immutable description of one forward or backward call.
type Attention struct {
	Batch   int    `json:"batch"`
	Heads   int    `json:"heads"`
	HeadDim int    `json:"head_dim"`
	TotalQ  int    `json:"total_q"`
	TotalK  int    `json:"total_k"`
	Tiling  Tiling `json:"tiling"`

	Q, K, V, O     Layout `json:"-"`
	DQ, DK, DV, DO Layout `json:"-"`

	Scale          float32 `json:"scale"`
	ScaleRPDropout float32 `json:"scale_rp_dropout"`
	Dropout        Dropout `json:"dropout"`
	Causal         bool    `json:"causal"`
	Splits         int     `json:"splits"`
	IsBF16         bool    `json:"is_bf16"`
}

type Shape struct {
	Batch, Heads, HeadDim int
	TotalQ, TotalK        int
}

type Options struct {
	DropoutP float32
	// Scale of zero selects 1/sqrt(head_dim).
	Scale  float32
	Causal bool
	Splits int
	IsBF16 bool
}

// New assembles call parameters. Layouts are filled in by the caller once
// tensor strides are known.
func New(shape Shape, tiling Tiling, opts Options) (*Attention, error) {
	drop, err := NewDropout(opts.DropoutP)
	if err != nil {
		return nil, err
	}
	scale := opts.Scale
	if scale == 0 {
		scale = float32(1 / math.Sqrt(float64(shape.HeadDim)))
	}
	if math.IsNaN(float64(scale)) || math.IsInf(float64(scale), 0) {
		return nil, fmt.Errorf("%w: %v", ErrScale, opts.Scale)
	}
	if opts.Splits < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrSplits, opts.Splits)
	}
	return &Attention{
		Batch:          shape.Batch,
		Heads:          shape.Heads,
		HeadDim:        shape.HeadDim,
		TotalQ:         shape.TotalQ,
		TotalK:         shape.TotalK,
		Tiling:         tiling,
		Scale:          scale,
		ScaleRPDropout: scale * drop.RP,
		Dropout:        drop,
		Causal:         opts.Causal,
		Splits:         opts.Splits,
		IsBF16:         opts.IsBF16,
	}, nil
}
