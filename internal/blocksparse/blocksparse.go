// Package blocksparse restricts attention to a subset of (key tile, query
// tile) pairs. The same mask must be handed to forward and backward.
package blocksparse

import (
	"fmt"

	"github.com/samcharles93/fmha/internal/params"
	"github.com/samcharles93/fmha/internal/tensor"
)

type fmtError string

func (e fmtError) Error() string { return string(e) }

const ErrShape = fmtError("block mask shape mismatch")

const (
	// KeyBlock and QueryBlock are the mask granularity in tokens.
	KeyBlock   = params.SparseBlockK
	QueryBlock = params.QueryTile
)

// Mask is a KeyBlocks x QueryBlocks activity grid. Nonzero entries are active.
type Mask struct {
	KeyBlocks   int
	QueryBlocks int
	cells       []int32
}

// Dims returns the mask shape for padded lengths.
func Dims(paddedK, paddedQ int) (keyBlocks, queryBlocks int) {
	return (paddedK + KeyBlock - 1) / KeyBlock, (paddedQ + QueryBlock - 1) / QueryBlock
}

// New returns an all-inactive mask.
func New(keyBlocks, queryBlocks int) *Mask {
	return &Mask{
		KeyBlocks:   keyBlocks,
		QueryBlocks: queryBlocks,
		cells:       make([]int32, keyBlocks*queryBlocks),
	}
}

// Full returns a mask with every tile pair active.
func Full(keyBlocks, queryBlocks int) *Mask {
	m := New(keyBlocks, queryBlocks)
	for i := range m.cells {
		m.cells[i] = 1
	}
	return m
}

// FromInt32 wraps row-major cells of shape [keyBlocks][queryBlocks].
func FromInt32(keyBlocks, queryBlocks int, cells []int32) (*Mask, error) {
	if keyBlocks < 0 || queryBlocks < 0 || len(cells) != keyBlocks*queryBlocks {
		return nil, fmt.Errorf("%w: %d cells for %dx%d", ErrShape, len(cells), keyBlocks, queryBlocks)
	}
	return &Mask{KeyBlocks: keyBlocks, QueryBlocks: queryBlocks, cells: append([]int32(nil), cells...)}, nil
}

// FromTensor reads a 2-D int32 tensor.
func FromTensor(t *tensor.Tensor) (*Mask, error) {
	if t.DType() != tensor.I32 || t.Rank() != 2 {
		return nil, fmt.Errorf("%w: want 2-D int32, got %v", ErrShape, t)
	}
	return FromInt32(t.Dim(0), t.Dim(1), t.Int32())
}

// Set marks a tile pair active or inactive.
func (m *Mask) Set(kb, qb int, active bool) {
	var v int32
	if active {
		v = 1
	}
	m.cells[kb*m.QueryBlocks+qb] = v
}

// Active reports whether key block kb and query block qb are computed.
func (m *Mask) Active(kb, qb int) bool {
	return m.cells[kb*m.QueryBlocks+qb] != 0
}

// ActiveCount is the number of active tile pairs.
func (m *Mask) ActiveCount() int {
	n := 0
	for _, c := range m.cells {
		if c != 0 {
			n++
		}
	}
	return n
}

// Validate checks m against a block-sparse tiling.
func (m *Mask) Validate(t params.Tiling) error {
	kb, qb := Dims(t.MaxSeqLenK, t.MaxSeqLenQ)
	if m.KeyBlocks != kb || m.QueryBlocks != qb {
		return fmt.Errorf("%w: got (%d, %d), want (%d, %d)", ErrShape, m.KeyBlocks, m.QueryBlocks, kb, qb)
	}
	return nil
}
