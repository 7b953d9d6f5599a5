// Package packed describes batches of variable-length sequences stored back to
// back along one token axis.
package packed

import "fmt"

type fmtError string

func (e fmtError) Error() string { return string(e) }

const ErrOffsets = fmtError("invalid sequence offsets")

// Batch holds batch_size+1 cumulative offsets. Sequence i covers tokens
// [Offsets[i], Offsets[i+1]).
type Batch struct {
	offsets []int32
}

// New validates offsets against a token axis of length total and a maximum
// per-sequence length.
func New(offsets []int32, total, maxLen int) (Batch, error) {
	if len(offsets) < 2 {
		return Batch{}, fmt.Errorf("%w: need at least 2 offsets, got %d", ErrOffsets, len(offsets))
	}
	if offsets[0] != 0 {
		return Batch{}, fmt.Errorf("%w: offsets[0] = %d, want 0", ErrOffsets, offsets[0])
	}
	for i := 1; i < len(offsets); i++ {
		n := offsets[i] - offsets[i-1]
		if n < 0 {
			return Batch{}, fmt.Errorf("%w: offsets decrease at %d (%d < %d)", ErrOffsets, i, offsets[i], offsets[i-1])
		}
		if int(n) > maxLen {
			return Batch{}, fmt.Errorf("%w: sequence %d has %d tokens, max is %d", ErrOffsets, i-1, n, maxLen)
		}
	}
	if last := int(offsets[len(offsets)-1]); last > total {
		return Batch{}, fmt.Errorf("%w: offsets end at %d past %d tokens", ErrOffsets, last, total)
	}
	return Batch{offsets: append([]int32(nil), offsets...)}, nil
}

// FromLengths builds the offsets for the given sequence lengths.
func FromLengths(lengths ...int) []int32 {
	out := make([]int32, len(lengths)+1)
	for i, n := range lengths {
		out[i+1] = out[i] + int32(n)
	}
	return out
}

// Size is the number of sequences.
func (b Batch) Size() int { return len(b.offsets) - 1 }

// Start is the first token of sequence i.
func (b Batch) Start(i int) int { return int(b.offsets[i]) }

// Len is the token count of sequence i.
func (b Batch) Len(i int) int { return int(b.offsets[i+1] - b.offsets[i]) }

// Total is the number of tokens covered by the batch.
func (b Batch) Total() int { return int(b.offsets[len(b.offsets)-1]) }

// MaxLen is the longest sequence.
func (b Batch) MaxLen() int {
	m := 0
	for i := range b.Size() {
		m = max(m, b.Len(i))
	}
	return m
}

// Offsets returns a copy of the offsets.
func (b Batch) Offsets() []int32 { return append([]int32(nil), b.offsets...) }
