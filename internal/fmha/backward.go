package fmha

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/fmha/internal/blocksparse"
	"github.com/samcharles93/fmha/internal/dropout"
	"github.com/samcharles93/fmha/internal/kernel"
	"github.com/samcharles93/fmha/internal/params"
	"github.com/samcharles93/fmha/internal/tensor"
)

// BackwardRequest is one backward call. DOut, Out and DQ match Q; DK and DV
// match K. LSE is the forward result and may be longer than this call's
// padded query length.
type BackwardRequest struct {
	DOut, Q, K, V, Out *tensor.Tensor
	LSE                *tensor.Tensor
	DQ, DK, DV         *tensor.Tensor

	SeqOffsetsQ, SeqOffsetsK *tensor.Tensor
	MaxSeqLenQ, MaxSeqLenK   int

	DropoutP float32
	Scale    float32
	ZeroInit bool
	Causal   bool
	Splits   int

	// RNG must be positioned where it was before the matching forward call.
	RNG *dropout.Generator
}

type BackwardResult struct {
	DQ, DK, DV *tensor.Tensor
	// DSoftmaxSum is float32 [batch, heads, padded_q] holding rowsum(dO * O).
	DSoftmaxSum *tensor.Tensor
	Philox      dropout.State
	Kernel      string
}

// Plan is the resource decision for a backward call, made from shapes alone.
type Plan struct {
	Params      params.Attention `json:"params"`
	DType       tensor.DType     `json:"dtype"`
	Kernel      string           `json:"kernel"`
	BlockSparse bool             `json:"block_sparse"`
	// DQAccum is set when dQ partial sums go through a float32 Accumulator,
	// which happens when looping over key tiles or running several splits.
	DQAccum bool `json:"dq_accum"`
	// ZeroDQAccum is set when splits share the accumulator and it must start
	// at zero.
	ZeroDQAccum   bool   `json:"zero_dq_accum"`
	AccumShape    []int  `json:"accum_shape,omitempty"`
	CounterOffset uint64 `json:"counter_offset"`

	key    planKey
	kern   kernel.TileKernel
	blocks *blocksparse.Mask
}

// planKey is what a request must share with the plan it is executed under.
type planKey struct {
	batch, heads, headDim int
	totalQ, totalK        int
	tiling                params.Tiling
	dtype                 tensor.DType
	splits                int
	causal                bool
	dropoutP              float32
	scale                 float32
	sparse                bool
}

func keyOf(p *problem) planKey {
	a := p.attn
	return planKey{
		batch:    a.Batch,
		heads:    a.Heads,
		headDim:  a.HeadDim,
		totalQ:   a.TotalQ,
		totalK:   a.TotalK,
		tiling:   a.Tiling,
		dtype:    p.dtype,
		splits:   a.Splits,
		causal:   a.Causal,
		dropoutP: a.Dropout.P,
		scale:    a.Scale,
		sparse:   p.sparse,
	}
}

// Plan validates req and decides its temporary storage and dropout counter
// range without touching any data or the generator.
func (e *Engine) Plan(req *BackwardRequest) (*Plan, error) {
	return e.plan(req, nil)
}

// PlanBlockSparse is Plan for a block-sparse call restricted by mask.
func (e *Engine) PlanBlockSparse(req *BackwardRequest, mask *blocksparse.Mask) (*Plan, error) {
	if mask == nil {
		return nil, fmt.Errorf("%w: nil", ErrBlockMask)
	}
	return e.plan(req, mask)
}

func (e *Engine) plan(req *BackwardRequest, blocks *blocksparse.Mask) (*Plan, error) {
	p, err := e.prepareBackward(req, blocks != nil)
	if err != nil {
		return nil, err
	}
	a := p.attn
	if blocks != nil {
		if err := checkBlockMask(blocks, a.Tiling); err != nil {
			return nil, err
		}
	}
	pl := &Plan{
		Params:      *a,
		DType:       p.dtype,
		Kernel:      p.kern.Name(),
		BlockSparse: blocks != nil,
		DQAccum:     a.Tiling.Loop || a.Splits > 1,
		ZeroDQAccum: a.Splits > 1,
		key:         keyOf(p),
		kern:        p.kern,
		blocks:      blocks,
	}
	if pl.DQAccum {
		pl.AccumShape = []int{a.TotalQ, a.Heads, a.HeadDim}
	}
	if a.Dropout.Enabled() {
		pl.CounterOffset = dropout.CounterOffset(a.Batch, a.Heads)
	}
	return pl, nil
}

func (e *Engine) prepareBackward(req *BackwardRequest, sparse bool) (*problem, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrShape)
	}
	p, err := e.prepare(callInput{
		pass:     params.Backward,
		sparse:   sparse,
		q:        req.Q,
		k:        req.K,
		v:        req.V,
		likeQ:    []named{{"out", req.Out}, {"dout", req.DOut}, {"dq", req.DQ}},
		likeK:    []named{{"dk", req.DK}, {"dv", req.DV}},
		offsetsQ: req.SeqOffsetsQ,
		offsetsK: req.SeqOffsetsK,
		maxQ:     req.MaxSeqLenQ,
		maxK:     req.MaxSeqLenK,
		dropoutP: req.DropoutP,
		scale:    req.Scale,
		causal:   req.Causal,
		splits:   req.Splits,
	})
	if err != nil {
		return nil, err
	}
	if req.LSE == nil {
		return nil, fmt.Errorf("%w: lse is nil", ErrShape)
	}
	if err := e.checkLSE("lse", req.LSE, p); err != nil {
		return nil, err
	}
	a := p.attn
	if a.Dropout.Enabled() && req.RNG == nil {
		return nil, fmt.Errorf("%w: dropout_p=%v needs a generator", ErrDropout, a.Dropout.P)
	}
	a.O = layoutOf(req.Out)
	a.DO = layoutOf(req.DOut)
	a.DQ = layoutOf(req.DQ)
	a.DK = layoutOf(req.DK)
	a.DV = layoutOf(req.DV)
	return p, nil
}

// Backward plans and executes in one step.
func (e *Engine) Backward(req *BackwardRequest) (*BackwardResult, error) {
	pl, err := e.Plan(req)
	if err != nil {
		return nil, err
	}
	return e.Execute(pl, req)
}

// BackwardBlockSparse plans and executes a block-sparse backward call. mask
// must be the one the forward call used.
func (e *Engine) BackwardBlockSparse(req *BackwardRequest, mask *blocksparse.Mask) (*BackwardResult, error) {
	pl, err := e.PlanBlockSparse(req, mask)
	if err != nil {
		return nil, err
	}
	return e.Execute(pl, req)
}

// Execute computes gradients for req under pl. The generator is consulted
// only here, after planning.
func (e *Engine) Execute(pl *Plan, req *BackwardRequest) (*BackwardResult, error) {
	if pl == nil {
		return nil, fmt.Errorf("%w: nil plan", ErrPlanMismatch)
	}
	p, err := e.prepareBackward(req, pl.BlockSparse)
	if err != nil {
		return nil, err
	}
	if got := keyOf(p); got != pl.key {
		return nil, fmt.Errorf("%w: planned %+v, got %+v", ErrPlanMismatch, pl.key, got)
	}
	a := p.attn
	padQ := a.Tiling.MaxSeqLenQ

	if req.ZeroInit {
		req.DQ.Fill(0)
		req.DK.Fill(0)
		req.DV.Fill(0)
	}
	lse, err := req.LSE.Narrow(2, 0, padQ)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShape, err)
	}
	dsum := tensor.MustNew(tensor.F32, e.dev.Ordinal, a.Batch, a.Heads, padQ)
	softmaxSum(p, req, dsum)

	c := &backwardCall{p: p, req: req, kern: pl.kern, lse: lse, dsum: dsum, blocks: pl.blocks}
	res := &BackwardResult{DQ: req.DQ, DK: req.DK, DV: req.DV, DSoftmaxSum: dsum, Kernel: pl.Kernel}
	if pl.DQAccum {
		c.acc = e.accums.get(a.TotalQ, a.Heads, a.HeadDim)
		defer e.accums.put(c.acc)
		if pl.ZeroDQAccum {
			c.acc.Zero()
		}
	}
	if a.Splits > 1 {
		c.locks = make([]sync.Mutex, a.Batch*a.Heads)
	}
	if a.Dropout.Enabled() {
		res.Philox = req.RNG.Reserve(pl.CounterOffset)
		c.drop = &dropout.Mask{State: res.Philox, Heads: a.Heads, Dropout: a.Dropout, Width: maskWidth(pl.BlockSparse)}
	}

	e.log.Debug("attention call",
		"op", "backward",
		"batch", a.Batch,
		"heads", a.Heads,
		"head_dim", a.HeadDim,
		"padded_q", padQ,
		"padded_k", a.Tiling.MaxSeqLenK,
		"loop", a.Tiling.Loop,
		"splits", a.Splits,
		"sparse", pl.BlockSparse,
		"dq_accum", pl.DQAccum,
		"dropout", a.Dropout.P,
		"kernel", pl.Kernel,
	)

	var g errgroup.Group
	g.SetLimit(e.workers)
	for b := range a.Batch {
		for h := range a.Heads {
			for sp := range a.Splits {
				g.Go(func() error {
					c.unit(b, h, sp)
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if c.acc != nil {
		for b := range a.Batch {
			start, n := p.seqQ.Start(b), p.seqQ.Len(b)
			for h := range a.Heads {
				for t := start; t < start+n; t++ {
					req.DQ.StoreRow(req.DQ.Index(t, h, 0), c.acc.Rows(t, h, 1))
				}
			}
		}
	}
	return res, nil
}

// softmaxSum fills dsum[b, h, i] with the dot product of dO and O at row i.
func softmaxSum(p *problem, req *BackwardRequest, dsum *tensor.Tensor) {
	d := p.attn.HeadDim
	do, o := make([]float32, d), make([]float32, d)
	for b := range p.attn.Batch {
		start, n := p.seqQ.Start(b), p.seqQ.Len(b)
		for h := range p.attn.Heads {
			for i := range n {
				req.DOut.LoadRow(do, req.DOut.Index(start+i, h, 0))
				req.Out.LoadRow(o, req.Out.Index(start+i, h, 0))
				var s float32
				for x := range d {
					s += do[x] * o[x]
				}
				dsum.Set(s, b, h, i)
			}
		}
	}
}

type backwardCall struct {
	p      *problem
	req    *BackwardRequest
	kern   kernel.TileKernel
	lse    *tensor.Tensor
	dsum   *tensor.Tensor
	acc    *Accumulator
	locks  []sync.Mutex
	drop   *dropout.Mask
	blocks *blocksparse.Mask
}

// unit handles the key tiles of split sp for one (sequence, head) pair.
func (c *backwardCall) unit(b, h, sp int) {
	a := c.p.attn
	d, blockK := a.HeadDim, a.Tiling.BlockK
	lenQ, lenK := c.p.seqQ.Len(b), c.p.seqK.Len(b)
	seqQ, seqK := c.p.seqQ.Start(b), c.p.seqK.Start(b)
	direct := c.acc == nil

	rowsMax := params.QueryTile
	q := make([]float32, rowsMax*d)
	do := make([]float32, rowsMax*d)
	dq := make([]float32, rowsMax*d)
	k := make([]float32, blockK*d)
	v := make([]float32, blockK*d)
	dk := make([]float32, blockK*d)
	dv := make([]float32, blockK*d)
	scores := make([]float32, rowsMax*blockK)
	keep := make([]bool, rowsMax*blockK)
	var lse, dsum [params.QueryTile]float32

	if !direct && a.Splits == 1 {
		for t := seqQ; t < seqQ+lenQ; t++ {
			clear(c.acc.Rows(t, h, 1))
		}
	}
	if lenK == 0 {
		if direct {
			for q0 := 0; q0 < lenQ; q0 += rowsMax {
				storeRows(c.req.DQ, dq, seqQ+q0, h, min(rowsMax, lenQ-q0), d)
			}
		}
		return
	}

	tiles := (lenK + blockK - 1) / blockK
	lo, hi := sp*tiles/a.Splits, (sp+1)*tiles/a.Splits
	for kt := lo; kt < hi; kt++ {
		k0 := kt * blockK
		cols := min(blockK, lenK-k0)
		loadRows(c.req.K, k, seqK+k0, h, cols, d)
		loadRows(c.req.V, v, seqK+k0, h, cols, d)
		clear(dk)
		clear(dv)

		for q0 := 0; q0 < lenQ; q0 += rowsMax {
			rows := min(rowsMax, lenQ-q0)
			clear(dq)
			skip := a.Causal && k0 > q0+rows-1
			if c.blocks != nil && !c.blocks.Active(kt, q0/params.QueryTile) {
				skip = true
			}
			if skip {
				if direct {
					storeRows(c.req.DQ, dq, seqQ+q0, h, rows, d)
				}
				continue
			}
			loadRows(c.req.Q, q, seqQ+q0, h, rows, d)
			loadRows(c.req.DOut, do, seqQ+q0, h, rows, d)
			for i := range rows {
				lse[i] = c.lse.At(b, h, q0+i)
				dsum[i] = c.dsum.At(b, h, q0+i)
			}
			t := kernel.BackwardTile{
				Rows:    rows,
				Cols:    cols,
				HeadDim: d,
				Q:       q[:rows*d],
				DO:      do[:rows*d],
				K:       k[:cols*d],
				V:       v[:cols*d],
				LSE:     lse[:rows],
				D:       dsum[:rows],
				Q0:      q0,
				K0:      k0,
				Scale:   a.Scale,
				Causal:  a.Causal,
				DQ:      dq[:rows*d],
				DK:      dk[:cols*d],
				DV:      dv[:cols*d],
				Scores:  scores[:rows*cols],
			}
			if c.drop.Enabled() {
				t.Keep = keep[:rows*cols]
				t.RP = a.Dropout.RP
				c.drop.Fill(t.Keep, b, h, q0, k0, rows, cols)
			}
			c.kern.Backward(&t)

			if direct {
				storeRows(c.req.DQ, dq, seqQ+q0, h, rows, d)
				continue
			}
			c.addDQ(b, h, seqQ+q0, rows, dq)
		}
		storeRows(c.req.DK, dk, seqK+k0, h, cols, d)
		storeRows(c.req.DV, dv, seqK+k0, h, cols, d)
	}
}

func (c *backwardCall) addDQ(b, h, token, rows int, dq []float32) {
	if c.locks != nil {
		mu := &c.locks[b*c.p.attn.Heads+h]
		mu.Lock()
		defer mu.Unlock()
	}
	d := c.p.attn.HeadDim
	for i := range rows {
		dst := c.acc.Rows(token+i, h, 1)
		for x, g := range dq[i*d : (i+1)*d] {
			dst[x] += g
		}
	}
}
