// Package softmax implements the running-max / running-sum statistics that
// let attention normalize across key tiles without holding a full row.
//
// For a row with running max m and sum l, folding in a tile whose largest
// score is t gives
//
//	m' = max(m, t)
//	l' = l*exp(m - m') + sum(exp(s - m'))
//
// and any accumulator built from earlier tiles is scaled by exp(m - m').
package softmax

import "math"

var negInf = float32(math.Inf(-1))

// State is the statistic pair of one row.
type State struct {
	Max float32
	Sum float32
}

// Empty is the identity for Merge.
func Empty() State { return State{Max: negInf} }

// LSE is max + log(sum), or -inf for a row that saw no finite score.
func (s State) LSE() float32 {
	if s.Sum == 0 || math.IsInf(float64(s.Max), -1) {
		return negInf
	}
	return s.Max + float32(math.Log(float64(s.Sum)))
}

// Merge combines two partial states and returns the combined state along
// with the factors that rescale accumulators built under a and b.
func Merge(a, b State) (merged State, scaleA, scaleB float32) {
	m := max(a.Max, b.Max)
	if math.IsInf(float64(m), -1) {
		return Empty(), 0, 0
	}
	scaleA = expDiff(a.Max, m)
	scaleB = expDiff(b.Max, m)
	return State{Max: m, Sum: a.Sum*scaleA + b.Sum*scaleB}, scaleA, scaleB
}

func expDiff(x, m float32) float32 {
	if math.IsInf(float64(x), -1) {
		return 0
	}
	return float32(math.Exp(float64(x - m)))
}

// Rows is the running state of a block of query rows.
type Rows struct {
	Max []float32
	Sum []float32
}

// NewRows allocates n empty rows.
func NewRows(n int) *Rows {
	r := &Rows{Max: make([]float32, n), Sum: make([]float32, n)}
	r.Reset()
	return r
}

// Reset returns every row to the empty state.
func (r *Rows) Reset() {
	for i := range r.Max {
		r.Max[i] = negInf
		r.Sum[i] = 0
	}
}

// Len is the number of rows.
func (r *Rows) Len() int { return len(r.Max) }

// State returns row i.
func (r *Rows) State(i int) State { return State{Max: r.Max[i], Sum: r.Sum[i]} }

// Raise moves row i to a new max of max(old, tileMax) and returns the factor
// that existing sums and accumulators for the row must be multiplied by. Sum
// is rescaled in place; the caller adds the tile's exponentials afterwards.
func (r *Rows) Raise(i int, tileMax float32) (newMax, rescale float32) {
	old := r.Max[i]
	newMax = max(old, tileMax)
	if math.IsInf(float64(newMax), -1) {
		return newMax, 1
	}
	rescale = expDiff(old, newMax)
	r.Max[i] = newMax
	r.Sum[i] *= rescale
	return newMax, rescale
}

// Add accumulates exp(score - max) for row i.
func (r *Rows) Add(i int, e float32) { r.Sum[i] += e }

// Finalize returns the reciprocal of the row sum, which normalizes the
// accumulator, and the row's LSE. Rows that saw nothing return (0, -inf).
func (r *Rows) Finalize(i int) (inv, lse float32) {
	s := r.State(i)
	if s.Sum == 0 {
		return 0, negInf
	}
	return 1 / s.Sum, s.LSE()
}
