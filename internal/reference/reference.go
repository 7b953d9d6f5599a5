// Package reference computes attention by materializing the full score
// matrix in float64. It is slow and exists to check the tiled engines.
package reference

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Input is a packed problem. Q, K and V are row-major [tokens, heads,
// head_dim].
type Input struct {
	Heads, HeadDim     int
	OffsetsQ, OffsetsK []int32
	Q, K, V            []float32

	Scale  float64
	Causal bool
	// Keep decides dropout per (sequence, head, query, key); nil keeps all.
	// Kept weights are multiplied by RP.
	Keep func(b, h, q, k int) bool
	RP   float64
}

// Output holds the forward result. LSE is indexed [b*heads+h][q].
type Output struct {
	Out []float32
	LSE [][]float64
}

func (in Input) batch() int { return len(in.OffsetsQ) - 1 }

// gather copies rows [start, start+n) of head h into an n x head_dim matrix.
func (in Input) gather(data []float32, start, n, h int) *mat.Dense {
	d := in.HeadDim
	m := mat.NewDense(max(n, 1), d, nil)
	for i := range n {
		off := ((start+i)*in.Heads + h) * d
		for x := range d {
			m.Set(i, x, float64(data[off+x]))
		}
	}
	return m
}

func (in Input) scatter(dst []float32, m *mat.Dense, start, n, h int) {
	d := in.HeadDim
	for i := range n {
		off := ((start+i)*in.Heads + h) * d
		for x := range d {
			dst[off+x] = float32(m.At(i, x))
		}
	}
}

// head holds the intermediate matrices of one (sequence, head) pair.
type head struct {
	q, k, v *mat.Dense
	p       *mat.Dense // softmax(scale * q k^T)
	z       *mat.Dense // dropout multiplier, 0 or RP
	lse     []float64
	lq, lk  int
}

func (in Input) head(b, h int) *head {
	sq, lq := int(in.OffsetsQ[b]), int(in.OffsetsQ[b+1]-in.OffsetsQ[b])
	sk, lk := int(in.OffsetsK[b]), int(in.OffsetsK[b+1]-in.OffsetsK[b])
	hd := &head{
		q:   in.gather(in.Q, sq, lq, h),
		k:   in.gather(in.K, sk, lk, h),
		v:   in.gather(in.V, sk, lk, h),
		lse: make([]float64, lq),
		lq:  lq,
		lk:  lk,
	}
	rows, cols := max(lq, 1), max(lk, 1)
	s := mat.NewDense(rows, cols, nil)
	s.Mul(hd.q, hd.k.T())
	hd.p = mat.NewDense(rows, cols, nil)
	hd.z = mat.NewDense(rows, cols, nil)
	for i := range lq {
		m := math.Inf(-1)
		for j := range lk {
			if in.Causal && j > i {
				continue
			}
			m = math.Max(m, s.At(i, j)*in.Scale)
		}
		if lk == 0 || math.IsInf(m, -1) {
			hd.lse[i] = math.Inf(-1)
			continue
		}
		var sum float64
		for j := range lk {
			if in.Causal && j > i {
				continue
			}
			e := math.Exp(s.At(i, j)*in.Scale - m)
			hd.p.Set(i, j, e)
			sum += e
		}
		for j := range lk {
			hd.p.Set(i, j, hd.p.At(i, j)/sum)
			z := 1.0
			if in.Keep != nil {
				z = 0
				if in.Keep(b, h, i, j) {
					z = in.RP
				}
			}
			hd.z.Set(i, j, z)
		}
		hd.lse[i] = m + math.Log(sum)
	}
	return hd
}

// Forward returns softmax(scale * Q K^T) (with dropout applied) times V.
func Forward(in Input) Output {
	out := Output{Out: make([]float32, len(in.Q)), LSE: make([][]float64, in.batch()*in.Heads)}
	for b := range in.batch() {
		for h := range in.Heads {
			hd := in.head(b, h)
			out.LSE[b*in.Heads+h] = hd.lse
			if hd.lq == 0 || hd.lk == 0 {
				continue
			}
			var w mat.Dense
			w.MulElem(hd.p, hd.z)
			var o mat.Dense
			o.Mul(&w, hd.v)
			in.scatter(out.Out, &o, int(in.OffsetsQ[b]), hd.lq, h)
		}
	}
	return out
}

// Backward returns the gradients of sum(Forward(in).Out * dout) with respect
// to Q, K and V.
func Backward(in Input, dout []float32) (dq, dk, dv []float32) {
	dq = make([]float32, len(in.Q))
	dk = make([]float32, len(in.K))
	dv = make([]float32, len(in.V))
	for b := range in.batch() {
		for h := range in.Heads {
			hd := in.head(b, h)
			if hd.lq == 0 || hd.lk == 0 {
				continue
			}
			sq, sk := int(in.OffsetsQ[b]), int(in.OffsetsK[b])
			do := in.gather(dout, sq, hd.lq, h)

			var w mat.Dense
			w.MulElem(hd.p, hd.z)
			var gv mat.Dense
			gv.Mul(w.T(), do)

			// dP = Z * (dO V^T); dS = P * (dP - rowsum(P * dP)).
			var dov, dp mat.Dense
			dov.Mul(do, hd.v.T())
			dp.MulElem(&dov, hd.z)
			ds := mat.NewDense(hd.lq, hd.lk, nil)
			for i := range hd.lq {
				var rowSum float64
				for j := range hd.lk {
					rowSum += hd.p.At(i, j) * dp.At(i, j)
				}
				for j := range hd.lk {
					ds.Set(i, j, hd.p.At(i, j)*(dp.At(i, j)-rowSum)*in.Scale)
				}
			}
			var gq, gk mat.Dense
			gq.Mul(ds, hd.k)
			gk.Mul(ds.T(), hd.q)

			in.scatter(dq, &gq, sq, hd.lq, h)
			in.scatter(dk, &gk, sk, hd.lk, h)
			in.scatter(dv, &gv, sk, hd.lk, h)
		}
	}
	return dq, dk, dv
}
