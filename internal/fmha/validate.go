package fmha

import (
	"errors"
	"fmt"

	"github.com/samcharles93/fmha/internal/blocksparse"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/kernel"
	"github.com/samcharles93/fmha/internal/packed"
	"github.com/samcharles93/fmha/internal/params"
	"github.com/samcharles93/fmha/internal/tensor"
)

type named struct {
	name string
	t    *tensor.Tensor
}

// callInput is everything forward and backward validate in common.
type callInput struct {
	pass   params.Pass
	sparse bool

	q, k, v *tensor.Tensor
	// likeQ and likeK must match the shape of Q and K respectively.
	likeQ, likeK []named

	offsetsQ, offsetsK *tensor.Tensor
	maxQ, maxK         int

	dropoutP float32
	scale    float32
	causal   bool
	splits   int
}

// problem is a validated call.
type problem struct {
	attn   *params.Attention
	seqQ   packed.Batch
	seqK   packed.Batch
	kern   kernel.TileKernel
	dtype  tensor.DType
	sparse bool
}

func (e *Engine) prepare(in callInput) (*problem, error) {
	all := []named{{"q", in.q}, {"k", in.k}, {"v", in.v}}
	all = append(all, in.likeQ...)
	all = append(all, in.likeK...)
	for _, b := range all {
		if b.t == nil {
			return nil, fmt.Errorf("%w: %s is nil", ErrShape, b.name)
		}
		if b.t.Rank() != 3 {
			return nil, fmt.Errorf("%w: %s has rank %d, want [tokens, heads, head_dim]", ErrShape, b.name, b.t.Rank())
		}
	}

	dtype := in.q.DType()
	if !dtype.IsHalf() {
		return nil, fmt.Errorf("%w: q is %v, want float16 or bfloat16", ErrDType, dtype)
	}
	for _, b := range all[1:] {
		if b.t.DType() != dtype {
			return nil, fmt.Errorf("%w: %s is %v, q is %v", ErrDType, b.name, b.t.DType(), dtype)
		}
	}

	offs := []named{{"seq_offsets_q", in.offsetsQ}, {"seq_offsets_k", in.offsetsK}}
	for _, b := range offs {
		if b.t == nil {
			return nil, fmt.Errorf("%w: %s is nil", ErrOffsets, b.name)
		}
		if b.t.DType() != tensor.I32 || b.t.Rank() != 1 {
			return nil, fmt.Errorf("%w: %s must be 1-D int32, got %v", ErrOffsets, b.name, b.t)
		}
	}

	if err := e.checkResident(append(all, offs...)...); err != nil {
		return nil, err
	}
	for _, b := range all {
		if b.t.Stride(2) != 1 {
			return nil, fmt.Errorf("%w: %s has stride %d", ErrStride, b.name, b.t.Stride(2))
		}
	}

	totalQ, heads, headDim := in.q.Dim(0), in.q.Dim(1), in.q.Dim(2)
	totalK := in.k.Dim(0)
	for _, b := range append([]named{{"v", in.v}}, in.likeK...) {
		if !b.t.HasShape(totalK, heads, headDim) {
			return nil, fmt.Errorf("%w: %s is %v, want [%d %d %d]", ErrShape, b.name, b.t.Shape(), totalK, heads, headDim)
		}
	}
	if !in.k.HasShape(totalK, heads, headDim) {
		return nil, fmt.Errorf("%w: k is %v, q is %v", ErrShape, in.k.Shape(), in.q.Shape())
	}
	for _, b := range in.likeQ {
		if !b.t.HasShape(totalQ, heads, headDim) {
			return nil, fmt.Errorf("%w: %s is %v, want [%d %d %d]", ErrShape, b.name, b.t.Shape(), totalQ, heads, headDim)
		}
	}

	batch := in.offsetsQ.Dim(0) - 1
	if batch <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrBatch, batch)
	}
	if n := in.offsetsK.Dim(0) - 1; n != batch {
		return nil, fmt.Errorf("%w: %d query sequences, %d key sequences", ErrBatch, batch, n)
	}
	if in.maxQ <= 0 || in.maxK <= 0 {
		return nil, fmt.Errorf("%w: max_seqlen_q=%d max_seqlen_k=%d", ErrShape, in.maxQ, in.maxK)
	}
	seqQ, err := packed.New(in.offsetsQ.Int32(), totalQ, in.maxQ)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", ErrOffsets, err)
	}
	seqK, err := packed.New(in.offsetsK.Int32(), totalK, in.maxK)
	if err != nil {
		return nil, fmt.Errorf("%w: key: %w", ErrOffsets, err)
	}

	if !params.ValidHeadDim(headDim) {
		return nil, fmt.Errorf("%w: %d (need a multiple of 8 up to 128)", ErrHeadDim, headDim)
	}
	kern, err := e.kernels.Select(kernel.Request{
		HeadDim: headDim,
		DType:   dtype,
		Arch:    e.dev.Arch,
		Pass:    in.pass,
		Sparse:  in.sparse,
	})
	if err != nil {
		return nil, kernelError(err)
	}

	tiling, err := params.Derive(params.TilingInput{
		MaxSeqLenQ:  in.maxQ,
		MaxSeqLenK:  in.maxK,
		HeadDim:     headDim,
		Arch:        e.dev.Arch,
		Pass:        in.pass,
		BlockSparse: in.sparse,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShape, err)
	}

	if in.sparse && in.splits != 1 {
		return nil, fmt.Errorf("%w: block-sparse runs with one split, got %d", ErrSplits, in.splits)
	}
	attn, err := params.New(params.Shape{
		Batch:   batch,
		Heads:   heads,
		HeadDim: headDim,
		TotalQ:  totalQ,
		TotalK:  totalK,
	}, tiling, params.Options{
		DropoutP: in.dropoutP,
		Scale:    in.scale,
		Causal:   in.causal,
		Splits:   in.splits,
		IsBF16:   dtype == tensor.BF16,
	})
	switch {
	case errors.Is(err, params.ErrDropout):
		return nil, fmt.Errorf("%w: %w", ErrDropout, err)
	case errors.Is(err, params.ErrSplits):
		return nil, fmt.Errorf("%w: %w", ErrSplits, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrShape, err)
	}
	attn.Q = layoutOf(in.q)
	attn.K = layoutOf(in.k)
	attn.V = layoutOf(in.v)

	return &problem{attn: attn, seqQ: seqQ, seqK: seqK, kern: kern, dtype: dtype, sparse: in.sparse}, nil
}

func kernelError(err error) error {
	switch {
	case errors.Is(err, kernel.ErrArch):
		return fmt.Errorf("%w: %w", ErrArch, err)
	case errors.Is(err, kernel.ErrDType):
		return fmt.Errorf("%w: %w", ErrDType, err)
	default:
		return fmt.Errorf("%w: %w", ErrHeadDim, err)
	}
}

func (e *Engine) checkResident(bufs ...named) error {
	for _, b := range bufs {
		switch ord := b.t.Device(); {
		case ord == device.HostOrdinal:
			return fmt.Errorf("%w: %s is in host memory", ErrLocation, b.name)
		case ord != e.dev.Ordinal:
			return fmt.Errorf("%w: %s is on device %d, engine is on %d", ErrLocation, b.name, ord, e.dev.Ordinal)
		}
	}
	return nil
}

func layoutOf(t *tensor.Tensor) params.Layout {
	return params.Layout{Row: t.Stride(0), Head: t.Stride(1)}
}

// checkLSE validates a [batch, heads, >= padded_q] float32 tensor.
func (e *Engine) checkLSE(name string, t *tensor.Tensor, p *problem) error {
	a := p.attn
	if t.DType() != tensor.F32 {
		return fmt.Errorf("%w: %s is %v, want float32", ErrDType, name, t.DType())
	}
	if t.Rank() != 3 || t.Dim(0) != a.Batch || t.Dim(1) != a.Heads || t.Dim(2) < a.Tiling.MaxSeqLenQ {
		return fmt.Errorf("%w: %s is %v, want [%d %d >=%d]", ErrShape, name, t.Shape(), a.Batch, a.Heads, a.Tiling.MaxSeqLenQ)
	}
	return e.checkResident(named{name, t})
}

func checkBlockMask(m *blocksparse.Mask, t params.Tiling) error {
	if m == nil {
		return fmt.Errorf("%w: nil", ErrBlockMask)
	}
	if err := m.Validate(t); err != nil {
		return fmt.Errorf("%w: %w", ErrBlockMask, err)
	}
	return nil
}
