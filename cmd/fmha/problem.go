package main

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/samcharles93/fmha/internal/blocksparse"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/dropout"
	"github.com/samcharles93/fmha/internal/fmha"
	"github.com/samcharles93/fmha/internal/packed"
	"github.com/samcharles93/fmha/internal/params"
	"github.com/samcharles93/fmha/internal/reference"
	"github.com/samcharles93/fmha/internal/tensor"
)

type problemOptions struct {
	batch, heads, headDim int64
	maxQ, maxK            int64
	splits                int64
	dtype                 string
	causal, sparse, fixed bool
	dropout               float64
}

// Shape is the reported description of a generated problem.
type Shape struct {
	Batch       int          `json:"batch"`
	Heads       int          `json:"heads"`
	HeadDim     int          `json:"head_dim"`
	LensQ       []int        `json:"lens_q"`
	LensK       []int        `json:"lens_k"`
	DType       tensor.DType `json:"dtype"`
	Causal      bool         `json:"causal"`
	DropoutP    float32      `json:"dropout_p"`
	Splits      int          `json:"splits"`
	BlockSparse bool         `json:"block_sparse"`
}

// problem holds host tensors for one packed attention call.
type problem struct {
	shape      Shape
	maxQ, maxK int

	q, k, v, out, dout *tensor.Tensor
	dq, dk, dv         *tensor.Tensor
	offQ, offK         *tensor.Tensor
	mask               *blocksparse.Mask
}

func (o *problemOptions) build(r *rand.Rand, ordinal int, arch device.Arch) (*problem, error) {
	dtype, err := tensor.ParseDType(o.dtype)
	if err != nil {
		return nil, err
	}
	if o.batch < 1 || o.maxQ < 1 || o.maxK < 1 || o.heads < 1 {
		return nil, fmt.Errorf("batch, heads, max-q and max-k must be positive")
	}
	s := Shape{
		Batch:       int(o.batch),
		Heads:       int(o.heads),
		HeadDim:     int(o.headDim),
		DType:       dtype,
		Causal:      o.causal,
		DropoutP:    float32(o.dropout),
		Splits:      int(o.splits),
		BlockSparse: o.sparse,
	}
	// The first sequence always has the maximum length so the padded
	// geometry matches the flags.
	for i := range s.Batch {
		lq, lk := int(o.maxQ), int(o.maxK)
		if i > 0 && !o.fixed {
			lq, lk = 1+r.IntN(lq), 1+r.IntN(lk)
		}
		s.LensQ = append(s.LensQ, lq)
		s.LensK = append(s.LensK, lk)
	}
	p := &problem{shape: s, maxQ: int(o.maxQ), maxK: int(o.maxK)}

	offQ, offK := packed.FromLengths(s.LensQ...), packed.FromLengths(s.LensK...)
	totalQ, totalK := int(offQ[s.Batch]), int(offK[s.Batch])
	if p.offQ, err = tensor.FromInt32(ordinal, offQ, len(offQ)); err != nil {
		return nil, err
	}
	if p.offK, err = tensor.FromInt32(ordinal, offK, len(offK)); err != nil {
		return nil, err
	}
	random := func(tokens int) (*tensor.Tensor, error) {
		data := make([]float32, tokens*s.Heads*s.HeadDim)
		for i := range data {
			data[i] = float32(r.NormFloat64())
		}
		return tensor.FromFloat32(dtype, ordinal, data, tokens, s.Heads, s.HeadDim)
	}
	for _, dst := range []struct {
		t      **tensor.Tensor
		tokens int
	}{{&p.q, totalQ}, {&p.k, totalK}, {&p.v, totalK}, {&p.dout, totalQ}} {
		if *dst.t, err = random(dst.tokens); err != nil {
			return nil, err
		}
	}
	for _, dst := range []struct {
		t      **tensor.Tensor
		tokens int
	}{{&p.out, totalQ}, {&p.dq, totalQ}, {&p.dk, totalK}, {&p.dv, totalK}} {
		if *dst.t, err = tensor.New(dtype, ordinal, dst.tokens, s.Heads, s.HeadDim); err != nil {
			return nil, err
		}
	}

	if o.sparse {
		t, err := params.Derive(params.TilingInput{
			MaxSeqLenQ:  p.maxQ,
			MaxSeqLenK:  p.maxK,
			HeadDim:     s.HeadDim,
			Arch:        arch,
			BlockSparse: true,
		})
		if err != nil {
			return nil, err
		}
		p.mask = blocksparse.Full(blocksparse.Dims(t.MaxSeqLenK, t.MaxSeqLenQ))
	}
	return p, nil
}

func (p *problem) forward(e *fmha.Engine, gen *dropout.Generator) (*fmha.ForwardResult, error) {
	req := &fmha.ForwardRequest{
		Q:           p.q,
		K:           p.k,
		V:           p.v,
		Out:         p.out,
		SeqOffsetsQ: p.offQ,
		SeqOffsetsK: p.offK,
		MaxSeqLenQ:  p.maxQ,
		MaxSeqLenK:  p.maxK,
		DropoutP:    p.shape.DropoutP,
		ZeroInit:    true,
		Causal:      p.shape.Causal,
		Splits:      p.shape.Splits,
		RNG:         gen,
	}
	if p.mask != nil {
		return e.ForwardBlockSparse(req, p.mask)
	}
	return e.Forward(req)
}

func (p *problem) backwardRequest(lse *tensor.Tensor, gen *dropout.Generator) *fmha.BackwardRequest {
	return &fmha.BackwardRequest{
		DOut:        p.dout,
		Q:           p.q,
		K:           p.k,
		V:           p.v,
		Out:         p.out,
		LSE:         lse,
		DQ:          p.dq,
		DK:          p.dk,
		DV:          p.dv,
		SeqOffsetsQ: p.offQ,
		SeqOffsetsK: p.offK,
		MaxSeqLenQ:  p.maxQ,
		MaxSeqLenK:  p.maxK,
		DropoutP:    p.shape.DropoutP,
		ZeroInit:    true,
		Causal:      p.shape.Causal,
		Splits:      p.shape.Splits,
		RNG:         gen,
	}
}

func (p *problem) backward(e *fmha.Engine, lse *tensor.Tensor, gen *dropout.Generator) (*fmha.BackwardResult, error) {
	req := p.backwardRequest(lse, gen)
	if p.mask != nil {
		return e.BackwardBlockSparse(req, p.mask)
	}
	return e.Backward(req)
}

func (p *problem) plan(e *fmha.Engine, lse *tensor.Tensor, gen *dropout.Generator) (*fmha.Plan, error) {
	req := p.backwardRequest(lse, gen)
	if p.mask != nil {
		return e.PlanBlockSparse(req, p.mask)
	}
	return e.Plan(req)
}

// referenceInput describes the same problem for the float64 reference, using
// the dropout segment state the engine reported.
func (p *problem) referenceInput(state dropout.State) (reference.Input, error) {
	in := reference.Input{
		Heads:    p.shape.Heads,
		HeadDim:  p.shape.HeadDim,
		OffsetsQ: p.offQ.Int32(),
		OffsetsK: p.offK.Int32(),
		Q:        p.q.Float32(),
		K:        p.k.Float32(),
		V:        p.v.Float32(),
		Scale:    1 / math.Sqrt(float64(p.shape.HeadDim)),
		Causal:   p.shape.Causal,
	}
	if p.shape.DropoutP > 0 {
		d, err := params.NewDropout(p.shape.DropoutP)
		if err != nil {
			return reference.Input{}, err
		}
		width := dropout.Width32
		if p.mask != nil {
			width = dropout.Width16
		}
		m := &dropout.Mask{State: state, Heads: p.shape.Heads, Dropout: d, Width: width}
		in.Keep = m.Keep
		in.RP = float64(d.RP)
	}
	return in, nil
}

// flops estimates the multiply-adds of one forward pass, counted as two
// operations each.
func (p *problem) flops() float64 {
	var pairs float64
	for i := range p.shape.Batch {
		lq, lk := float64(p.shape.LensQ[i]), float64(p.shape.LensK[i])
		if p.shape.Causal {
			lk = math.Min(lk, (lq+1)/2)
		}
		pairs += lq * lk
	}
	return 4 * pairs * float64(p.shape.Heads*p.shape.HeadDim)
}
