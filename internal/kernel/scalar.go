package kernel

import (
	"fmt"
	"math"

	"github.com/samcharles93/fmha/internal/params"
	"github.com/samcharles93/fmha/internal/tensor"
)

var negInf = float32(math.Inf(-1))

// Scalar is the portable float32 implementation of TileKernel.
type Scalar struct {
	bucket Bucket
	sparse bool
}

func NewScalar(b Bucket, sparse bool) *Scalar {
	return &Scalar{bucket: b, sparse: sparse}
}

func (k *Scalar) Name() string {
	if k.sparse {
		return fmt.Sprintf("scalar/sparse/%d", k.bucket)
	}
	return fmt.Sprintf("scalar/%d", k.bucket)
}

func (k *Scalar) Bucket() Bucket { return k.bucket }
func (k *Scalar) Sparse() bool   { return k.sparse }

func (k *Scalar) Supports(req Request) error {
	if req.HeadDim > int(k.bucket) {
		return fmt.Errorf("%w: %s cannot run head_dim %d", ErrHeadDim, k.Name(), req.HeadDim)
	}
	if !req.Arch.Supported() {
		return fmt.Errorf("%w: %s", ErrArch, req.Arch)
	}
	if !req.DType.IsHalf() {
		return fmt.Errorf("%w: %v", ErrDType, req.DType)
	}
	if k.sparse {
		if !req.Arch.IsSM8x() && !req.Arch.IsSM90() {
			return fmt.Errorf("%w: block-sparse needs sm8x or sm90, got %s", ErrArch, req.Arch)
		}
		if req.DType != tensor.F16 {
			return fmt.Errorf("%w: block-sparse supports float16 only, got %v", ErrDType, req.DType)
		}
		if req.Pass == params.Backward && k.bucket == Bucket128 && !req.Arch.IsSM80() && !req.Arch.IsSM90() {
			return fmt.Errorf("%w: block-sparse backward head_dim 128 needs sm80 or sm90, got %s", ErrArch, req.Arch)
		}
		return nil
	}
	if req.DType == tensor.BF16 && !req.Arch.SupportsBF16() {
		return fmt.Errorf("%w: bfloat16 needs sm8x or sm90, got %s", ErrArch, req.Arch)
	}
	if req.Pass == params.Backward && req.HeadDim > 64 && !req.Arch.IsSM80() && !req.Arch.IsSM90() {
		return fmt.Errorf("%w: backward head_dim %d needs sm80 or sm90, got %s", ErrArch, req.HeadDim, req.Arch)
	}
	return nil
}

// dot assumes len is a multiple of 8, which every supported head_dim is.
func dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	b = b[:len(a)]
	for i := 0; i+8 <= len(a); i += 8 {
		s0 += a[i]*b[i] + a[i+4]*b[i+4]
		s1 += a[i+1]*b[i+1] + a[i+5]*b[i+5]
		s2 += a[i+2]*b[i+2] + a[i+6]*b[i+6]
		s3 += a[i+3]*b[i+3] + a[i+7]*b[i+7]
	}
	return (s0 + s1) + (s2 + s3)
}

func axpy(alpha float32, x, y []float32) {
	x = x[:len(y)]
	for i := range y {
		y[i] += alpha * x[i]
	}
}

func scaleVec(alpha float32, y []float32) {
	for i := range y {
		y[i] *= alpha
	}
}

func scores(dst, q, kk []float32, rows, cols, d, q0, k0 int, scale float32, causal bool) {
	for i := range rows {
		qi := q[i*d : (i+1)*d]
		row := dst[i*cols : (i+1)*cols]
		for j := range cols {
			if causal && k0+j > q0+i {
				row[j] = negInf
				continue
			}
			row[j] = dot(qi, kk[j*d:(j+1)*d]) * scale
		}
	}
}

func (k *Scalar) Scores(t *ForwardTile) {
	scores(t.Scores, t.Q, t.K, t.Rows, t.Cols, t.HeadDim, t.Q0, t.K0, t.Scale, t.Causal)
}

func (k *Scalar) Forward(t *ForwardTile) {
	k.Scores(t)
	d := t.HeadDim
	stride := t.AccStride
	if stride == 0 {
		stride = d
	}
	for i := range t.Rows {
		row := t.Scores[i*t.Cols : (i+1)*t.Cols]
		tileMax := negInf
		for _, s := range row {
			tileMax = max(tileMax, s)
		}
		m, rescale := t.Stats.Raise(i, tileMax)
		if math.IsInf(float64(m), -1) {
			continue
		}
		acc := t.Acc[i*stride : i*stride+d]
		if rescale != 1 {
			scaleVec(rescale, acc)
		}
		for j, s := range row {
			if math.IsInf(float64(s), -1) {
				continue
			}
			e := float32(math.Exp(float64(s - m)))
			// The normalizer counts dropped elements too.
			t.Stats.Add(i, e)
			if t.Keep != nil {
				if !t.Keep[i*t.Cols+j] {
					continue
				}
				e *= t.RP
			}
			axpy(e, t.V[j*d:(j+1)*d], acc)
		}
	}
}

func (k *Scalar) Backward(t *BackwardTile) {
	d := t.HeadDim
	scores(t.Scores, t.Q, t.K, t.Rows, t.Cols, d, t.Q0, t.K0, t.Scale, t.Causal)
	for i := range t.Rows {
		lse := t.LSE[i]
		if math.IsInf(float64(lse), -1) {
			continue
		}
		qi := t.Q[i*d : (i+1)*d]
		doi := t.DO[i*d : (i+1)*d]
		dqi := t.DQ[i*d : (i+1)*d]
		for j := range t.Cols {
			s := t.Scores[i*t.Cols+j]
			if math.IsInf(float64(s), -1) {
				continue
			}
			p := float32(math.Exp(float64(s - lse)))
			z := float32(1)
			if t.Keep != nil {
				z = 0
				if t.Keep[i*t.Cols+j] {
					z = t.RP
				}
			}
			kj := t.K[j*d : (j+1)*d]
			if z != 0 {
				axpy(p*z, doi, t.DV[j*d:(j+1)*d])
			}
			dp := z * dot(doi, t.V[j*d:(j+1)*d])
			ds := p * (dp - t.D[i]) * t.Scale
			axpy(ds, kj, dqi)
			axpy(ds, qi, t.DK[j*d:(j+1)*d])
		}
	}
}
