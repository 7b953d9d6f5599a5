// Package dropout produces reproducible keep/drop decisions for attention
// weights from a counter-based random stream.
//
// A Generator hands out disjoint counter ranges. Forward and backward of the
// same logical computation must draw from the same range: callers snapshot
// the generator before forward and restore it before backward.
package dropout

import "sync"

// CounterOffset is the number of counters one call reserves for a batch of
// batch sequences with heads heads. Each (sequence, head) pair owns 32 slots.
func CounterOffset(batch, heads int) uint64 {
	return uint64(batch) * uint64(heads) * 32
}

// State identifies the segment of the random stream one call uses.
type State struct {
	Seed   uint64 `json:"seed"`
	Offset uint64 `json:"offset"`
}

// Generator is a seed plus a running counter offset. Reservations are
// serialized so concurrent calls never share a segment.
type Generator struct {
	mu     sync.Mutex
	seed   uint64
	offset uint64
}

func NewGenerator(seed uint64) *Generator {
	return &Generator{seed: seed}
}

// Reserve returns the state to use for a call consuming n counters and
// advances the generator past them.
func (g *Generator) Reserve(n uint64) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := State{Seed: g.seed, Offset: g.offset}
	g.offset += n
	return s
}

// Snapshot returns the state the next Reserve would hand out.
func (g *Generator) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{Seed: g.seed, Offset: g.offset}
}

// Restore rewinds or fast-forwards the generator to s.
func (g *Generator) Restore(s State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seed = s.Seed
	g.offset = s.Offset
}
