package fmha

import (
	"fmt"
	"math"

	"github.com/samcharles93/fmha/internal/blocksparse"
	"github.com/samcharles93/fmha/internal/dropout"
	"github.com/samcharles93/fmha/internal/kernel"
	"github.com/samcharles93/fmha/internal/params"
	"github.com/samcharles93/fmha/internal/softmax"
	"github.com/samcharles93/fmha/internal/tensor"
)

var negInf = float32(math.Inf(-1))

// ForwardRequest is one forward call. Q and Out are [total_q, heads,
// head_dim]; K and V are [total_k, heads, head_dim]; the offsets are int32
// [batch+1].
type ForwardRequest struct {
	Q, K, V *tensor.Tensor
	Out     *tensor.Tensor

	SeqOffsetsQ, SeqOffsetsK *tensor.Tensor
	MaxSeqLenQ, MaxSeqLenK   int

	// DropoutP is the probability of dropping an attention weight.
	DropoutP float32
	// Scale of zero means 1/sqrt(head_dim).
	Scale       float32
	ZeroInit    bool
	Causal      bool
	ReturnProbs bool
	Splits      int

	// RNG is required when DropoutP > 0.
	RNG *dropout.Generator
	// LSE optionally supplies the float32 [batch, heads, >= padded_q] output
	// buffer. A fresh one filled with -Inf is allocated when nil.
	LSE *tensor.Tensor
}

type ForwardResult struct {
	LSE *tensor.Tensor
	// Probs is [batch, heads, padded_q, padded_k] in the input precision when
	// requested. Weights removed by dropout are stored negated.
	Probs  *tensor.Tensor
	Philox dropout.State
	Tiling params.Tiling
	Kernel string
}

// Forward computes attention output into req.Out and returns the per-row
// log-sum-exp.
func (e *Engine) Forward(req *ForwardRequest) (*ForwardResult, error) {
	return e.forward(req, nil)
}

// ForwardBlockSparse is Forward restricted to the active tile pairs of mask.
// The output and probability matrix are always zero-filled first.
func (e *Engine) ForwardBlockSparse(req *ForwardRequest, mask *blocksparse.Mask) (*ForwardResult, error) {
	if mask == nil {
		return nil, fmt.Errorf("%w: nil", ErrBlockMask)
	}
	return e.forward(req, mask)
}

func (e *Engine) forward(req *ForwardRequest, blocks *blocksparse.Mask) (*ForwardResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrShape)
	}
	sparse := blocks != nil
	p, err := e.prepare(callInput{
		pass:     params.Forward,
		sparse:   sparse,
		q:        req.Q,
		k:        req.K,
		v:        req.V,
		likeQ:    []named{{"out", req.Out}},
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
	a := p.attn
	a.O = layoutOf(req.Out)
	if sparse {
		if err := checkBlockMask(blocks, a.Tiling); err != nil {
			return nil, err
		}
	}
	if a.Dropout.Enabled() && req.RNG == nil {
		return nil, fmt.Errorf("%w: dropout_p=%v needs a generator", ErrDropout, a.Dropout.P)
	}

	lse := req.LSE
	if lse == nil {
		lse = tensor.MustNew(tensor.F32, e.dev.Ordinal, a.Batch, a.Heads, a.Tiling.MaxSeqLenQ)
		lse.Fill(negInf)
	} else if err := e.checkLSE("lse", lse, p); err != nil {
		return nil, err
	}
	var probs *tensor.Tensor
	if req.ReturnProbs {
		probs = tensor.MustNew(p.dtype, e.dev.Ordinal, a.Batch, a.Heads, a.Tiling.MaxSeqLenQ, a.Tiling.MaxSeqLenK)
	}

	if req.ZeroInit || sparse {
		req.Out.Fill(0)
		lse.Fill(negInf)
	}

	res := &ForwardResult{LSE: lse, Probs: probs, Tiling: a.Tiling, Kernel: p.kern.Name()}
	call := &forwardCall{p: p, req: req, lse: lse, probs: probs, blocks: blocks}
	if a.Dropout.Enabled() {
		res.Philox = req.RNG.Reserve(dropout.CounterOffset(a.Batch, a.Heads))
		call.drop = &dropout.Mask{State: res.Philox, Heads: a.Heads, Dropout: a.Dropout, Width: maskWidth(sparse)}
	}
	if a.Tiling.Loop {
		call.acc = e.accums.get(a.TotalQ, a.Heads, a.HeadDim)
		defer e.accums.put(call.acc)
	}

	e.log.Debug("attention call",
		"op", "forward",
		"batch", a.Batch,
		"heads", a.Heads,
		"head_dim", a.HeadDim,
		"padded_q", a.Tiling.MaxSeqLenQ,
		"padded_k", a.Tiling.MaxSeqLenK,
		"loop", a.Tiling.Loop,
		"splits", a.Splits,
		"sparse", sparse,
		"dropout", a.Dropout.P,
		"kernel", p.kern.Name(),
	)

	e.pool.run(a.Batch*a.Heads*a.Tiling.QueryTiles(), call.unit)
	return res, nil
}

func maskWidth(sparse bool) dropout.Width {
	if sparse {
		return dropout.Width16
	}
	return dropout.Width32
}

type forwardCall struct {
	p      *problem
	req    *ForwardRequest
	lse    *tensor.Tensor
	probs  *tensor.Tensor
	acc    *Accumulator
	drop   *dropout.Mask
	blocks *blocksparse.Mask
}

// span is the part of one (sequence, head, query tile) unit being computed.
type span struct {
	b, h       int
	q0, rows   int
	seqQ, seqK int
	lenK       int
}

func (f *forwardCall) unit(idx int, s *scratch) {
	a := f.p.attn
	qTiles := a.Tiling.QueryTiles()
	u := span{b: idx / (a.Heads * qTiles), h: (idx / qTiles) % a.Heads, q0: (idx % qTiles) * params.QueryTile}
	lenQ := f.p.seqQ.Len(u.b)
	u.lenK = f.p.seqK.Len(u.b)
	if u.q0 >= lenQ || u.lenK == 0 {
		return
	}
	u.rows = min(params.QueryTile, lenQ-u.q0)
	u.seqQ, u.seqK = f.p.seqQ.Start(u.b), f.p.seqK.Start(u.b)

	d := a.HeadDim
	s.reserve(u.rows, a.Tiling.BlockK, d)
	loadRows(f.req.Q, s.q, u.seqQ+u.q0, u.h, u.rows, d)

	acc, stride := s.acc, d
	if f.acc != nil {
		acc, stride = f.acc.Rows(u.seqQ+u.q0, u.h, u.rows), f.acc.RowStride()
	}
	for i := range u.rows {
		clear(acc[i*stride : i*stride+d])
	}
	s.stats.Reset()

	tiles := visibleTiles(u, a)
	for sp := range a.Splits {
		lo, hi := sp*tiles/a.Splits, (sp+1)*tiles/a.Splits
		if lo == hi {
			continue
		}
		if a.Splits == 1 {
			f.fold(s, u, lo, hi, s.stats, acc, stride)
			continue
		}
		s.partStats.Reset()
		clear(s.part)
		f.fold(s, u, lo, hi, s.partStats, s.part, d)
		for i := range u.rows {
			merged, sa, sb := softmax.Merge(s.stats.State(i), s.partStats.State(i))
			s.stats.Max[i], s.stats.Sum[i] = merged.Max, merged.Sum
			row, part := acc[i*stride:i*stride+d], s.part[i*d:(i+1)*d]
			for x := range row {
				row[x] = row[x]*sa + part[x]*sb
			}
		}
	}

	var lse [params.QueryTile]float32
	for i := range u.rows {
		inv, l := s.stats.Finalize(i)
		row := acc[i*stride : i*stride+d]
		for x := range row {
			row[x] *= inv
		}
		f.req.Out.StoreRow(f.req.Out.Index(u.seqQ+u.q0+i, u.h, 0), row)
		f.lse.Set(l, u.b, u.h, u.q0+i)
		lse[i] = l
	}
	if f.probs != nil {
		f.writeProbs(s, u, tiles, lse[:u.rows])
	}
}

// visibleTiles is the number of key tiles that hold at least one key the
// unit's rows may attend to.
func visibleTiles(u span, a *params.Attention) int {
	tiles := (u.lenK + a.Tiling.BlockK - 1) / a.Tiling.BlockK
	if a.Causal {
		tiles = min(tiles, (u.q0+u.rows-1)/a.Tiling.BlockK+1)
	}
	return tiles
}

func (f *forwardCall) tile(s *scratch, u span, kt int) (kernel.ForwardTile, bool) {
	a := f.p.attn
	if f.blocks != nil && !f.blocks.Active(kt, u.q0/params.QueryTile) {
		return kernel.ForwardTile{}, false
	}
	d := a.HeadDim
	k0 := kt * a.Tiling.BlockK
	cols := min(a.Tiling.BlockK, u.lenK-k0)
	loadRows(f.req.K, s.k, u.seqK+k0, u.h, cols, d)
	t := kernel.ForwardTile{
		Rows:    u.rows,
		Cols:    cols,
		HeadDim: d,
		Q:       s.q,
		K:       s.k[:cols*d],
		Q0:      u.q0,
		K0:      k0,
		Scale:   a.Scale,
		Causal:  a.Causal,
		Scores:  s.scores[:u.rows*cols],
	}
	if f.drop.Enabled() {
		t.Keep = s.keep[:u.rows*cols]
		t.RP = a.Dropout.RP
		f.drop.Fill(t.Keep, u.b, u.h, u.q0, k0, u.rows, cols)
	}
	return t, true
}

func (f *forwardCall) fold(s *scratch, u span, lo, hi int, stats *softmax.Rows, acc []float32, stride int) {
	d := f.p.attn.HeadDim
	for kt := lo; kt < hi; kt++ {
		t, ok := f.tile(s, u, kt)
		if !ok {
			continue
		}
		loadRows(f.req.V, s.v, u.seqK+t.K0, u.h, t.Cols, d)
		t.V = s.v[:t.Cols*d]
		t.Stats = stats
		t.Acc = acc
		t.AccStride = stride
		f.p.kern.Forward(&t)
	}
}

func (f *forwardCall) writeProbs(s *scratch, u span, tiles int, lse []float32) {
	for kt := range tiles {
		t, ok := f.tile(s, u, kt)
		if !ok {
			continue
		}
		f.p.kern.Scores(&t)
		for i := range t.Rows {
			if math.IsInf(float64(lse[i]), -1) {
				continue
			}
			for j := range t.Cols {
				sc := t.Scores[i*t.Cols+j]
				if math.IsInf(float64(sc), -1) {
					continue
				}
				p := float32(math.Exp(float64(sc - lse[i])))
				if t.Keep != nil && !t.Keep[i*t.Cols+j] {
					p = -p
				}
				f.probs.Set(p, u.b, u.h, u.q0+i, t.K0+j)
			}
		}
	}
}

func loadRows(t *tensor.Tensor, dst []float32, token, head, n, d int) {
	for i := range n {
		t.LoadRow(dst[i*d:(i+1)*d], t.Index(token+i, head, 0))
	}
}

func storeRows(t *tensor.Tensor, src []float32, token, head, n, d int) {
	for i := range n {
		t.StoreRow(t.Index(token+i, head, 0), src[i*d:(i+1)*d])
	}
}
