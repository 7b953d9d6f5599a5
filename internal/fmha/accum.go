package fmha

import "sync"

// Accumulator is a float32 [tokens, heads, head_dim] buffer for partial sums
// that must not round through the storage precision between tiles. It comes
// from a pool keyed by shape, so its contents are arbitrary until Zero.
type Accumulator struct {
	Tokens, Heads, HeadDim int
	Data                   []float32
}

func (a *Accumulator) Zero() { clear(a.Data) }

// RowStride is the distance between consecutive tokens of one head.
func (a *Accumulator) RowStride() int { return a.Heads * a.HeadDim }

// Rows returns the storage starting at (token, head) and spanning n tokens.
func (a *Accumulator) Rows(token, head, n int) []float32 {
	off := (token*a.Heads + head) * a.HeadDim
	if n == 0 {
		return a.Data[off:off]
	}
	return a.Data[off : off+(n-1)*a.RowStride()+a.HeadDim]
}

type accumKey struct {
	tokens, heads, headDim int
}

type accumPool struct {
	mu   sync.Mutex
	free map[accumKey][]*Accumulator
}

func newAccumPool() *accumPool {
	return &accumPool{free: map[accumKey][]*Accumulator{}}
}

func (p *accumPool) get(tokens, heads, headDim int) *Accumulator {
	key := accumKey{tokens, heads, headDim}
	p.mu.Lock()
	defer p.mu.Unlock()
	if list := p.free[key]; len(list) > 0 {
		a := list[len(list)-1]
		p.free[key] = list[:len(list)-1]
		return a
	}
	return &Accumulator{
		Tokens:  tokens,
		Heads:   heads,
		HeadDim: headDim,
		Data:    make([]float32, tokens*heads*headDim),
	}
}

func (p *accumPool) put(a *Accumulator) {
	key := accumKey{a.Tokens, a.Heads, a.HeadDim}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[key] = append(p.free[key], a)
}
