// Package params derives tiling and per-call attention parameters from
// caller shapes.
package params

import (
	"fmt"

	"github.com/samcharles93/fmha/internal/device"
)

type fmtError string

func (e fmtError) Error() string { return string(e) }

const (
	ErrHeadDim = fmtError("unsupported head dimension")
	ErrSeqLen  = fmtError("invalid max sequence length")
	ErrDropout = fmtError("dropout probability out of range")
	ErrScale   = fmtError("invalid softmax scale")
	ErrSplits  = fmtError("split count must be at least 1")
)

// Pass selects which pass's tiling rules apply.
type Pass uint8

const (
	Forward Pass = iota
	Backward
)

func (p Pass) String() string {
	if p == Backward {
		return "backward"
	}
	return "forward"
}

const (
	// QueryTile is the number of query rows in one unit of work and the
	// granularity the query axis is padded to.
	QueryTile = 16
	// SparseBlockK is the key/value tile of the block-sparse kernels.
	SparseBlockK = 256
)

type TilingInput struct {
	MaxSeqLenQ  int
	MaxSeqLenK  int
	HeadDim     int
	Arch        device.Arch
	Pass        Pass
	BlockSparse bool
}

// Tiling is the padded geometry of one call.
type Tiling struct {
	MaxSeqLenQ int `json:"max_seqlen_q"`
	MaxSeqLenK int `json:"max_seqlen_k"`
	BlockK     int `json:"block_k"`
	// Loop is set when the key/value axis spans more than one tile, in which
	// case partial sums are carried in a float32 accumulator between tiles.
	Loop bool `json:"loop"`
}

func (t Tiling) QueryTiles() int { return t.MaxSeqLenQ / QueryTile }

func (t Tiling) KeyTiles() int { return ceilDiv(t.MaxSeqLenK, t.BlockK) }

// ValidHeadDim reports whether d is a multiple of 8 in (0, 128].
func ValidHeadDim(d int) bool {
	return d > 0 && d%8 == 0 && d <= 128
}

// Derive computes the tiling for raw maxima.
func Derive(in TilingInput) (Tiling, error) {
	if in.MaxSeqLenQ <= 0 || in.MaxSeqLenK <= 0 {
		return Tiling{}, fmt.Errorf("%w: q=%d k=%d", ErrSeqLen, in.MaxSeqLenQ, in.MaxSeqLenK)
	}
	if !ValidHeadDim(in.HeadDim) {
		return Tiling{}, fmt.Errorf("%w: %d (need a multiple of 8 up to 128)", ErrHeadDim, in.HeadDim)
	}

	t := Tiling{MaxSeqLenQ: roundUp(in.MaxSeqLenQ, QueryTile)}
	if in.BlockSparse {
		t.BlockK = SparseBlockK
		t.MaxSeqLenK = max(roundUp(in.MaxSeqLenK, SparseBlockK), SparseBlockK)
	} else {
		t.BlockK = 256
		if in.HeadDim > 64 || (in.Pass == Backward && in.Arch.IsSM75() && in.HeadDim > 32) {
			t.BlockK = 128
		}
		switch {
		case in.MaxSeqLenK <= 128:
			t.MaxSeqLenK = 128
		case in.MaxSeqLenK <= 256:
			t.MaxSeqLenK = 256
		default:
			t.MaxSeqLenK = roundUp(in.MaxSeqLenK, t.BlockK)
		}
	}
	t.Loop = t.MaxSeqLenK > t.BlockK
	return t, nil
}

func roundUp(n, m int) int { return ceilDiv(n, m) * m }

func ceilDiv(n, m int) int { return (n + m - 1) / m }
