// Package kernel defines the per-tile compute contract used by the attention
// engines and selects a variant by head-dimension bucket once per call.
package kernel

import (
	"fmt"

	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/params"
	"github.com/samcharles93/fmha/internal/softmax"
	"github.com/samcharles93/fmha/internal/tensor"
)

type fmtError string

func (e fmtError) Error() string { return string(e) }

const (
	ErrHeadDim  = fmtError("head dimension not supported by any kernel")
	ErrArch     = fmtError("kernel not available on this hardware generation")
	ErrDType    = fmtError("kernel does not support this dtype")
	ErrNoKernel = fmtError("no kernel registered")
)

// Bucket is the head-dimension class a kernel variant is compiled for.
type Bucket int

const (
	Bucket16  Bucket = 16
	Bucket32  Bucket = 32
	Bucket64  Bucket = 64
	Bucket128 Bucket = 128
)

// Request describes the call a kernel is selected for.
type Request struct {
	HeadDim int
	DType   tensor.DType
	Arch    device.Arch
	Pass    params.Pass
	Sparse  bool
}

// ForwardTile is one (query tile, key/value tile) step of the forward pass.
// Q is Rows x HeadDim, K and V are Cols x HeadDim, all row-major float32.
// Q0 and K0 are the in-sequence positions of the first row and column.
type ForwardTile struct {
	Rows, Cols, HeadDim int
	Q, K, V             []float32
	Q0, K0              int

	Scale  float32
	Causal bool
	// Keep is Rows x Cols, nil when dropout is off. RP rescales kept weights.
	Keep []bool
	RP   float32

	Stats *softmax.Rows
	// Acc holds Rows x HeadDim partial outputs, row i at Acc[i*AccStride:].
	// AccStride of zero means HeadDim.
	Acc       []float32
	AccStride int
	Scores    []float32
}

// BackwardTile is one (query tile, key/value tile) step of the backward pass.
// DQ accumulates Rows x HeadDim; DK and DV accumulate Cols x HeadDim.
type BackwardTile struct {
	Rows, Cols, HeadDim int
	Q, DO, K, V         []float32
	LSE, D              []float32
	Q0, K0              int

	Scale  float32
	Causal bool
	Keep   []bool
	RP     float32

	DQ, DK, DV []float32
	Scores     []float32
}

// TileKernel is the capability every compute variant provides.
type TileKernel interface {
	Name() string
	Bucket() Bucket
	Sparse() bool
	// Supports reports why the variant cannot serve req, or nil.
	Supports(req Request) error
	// Scores writes scaled, causally masked scores into t.Scores. Masked
	// entries are -Inf.
	Scores(t *ForwardTile)
	// Forward folds the tile into t.Stats and t.Acc.
	Forward(t *ForwardTile)
	// Backward adds the tile's contribution to t.DQ, t.DK and t.DV.
	Backward(t *BackwardTile)
}

// BucketFor maps a head dimension to its bucket.
func BucketFor(headDim int, sparse bool) (Bucket, error) {
	if sparse {
		switch headDim {
		case 16, 32, 64, 128:
			return Bucket(headDim), nil
		}
		return 0, fmt.Errorf("%w: block-sparse needs 16, 32, 64 or 128, got %d", ErrHeadDim, headDim)
	}
	if !params.ValidHeadDim(headDim) {
		return 0, fmt.Errorf("%w: %d", ErrHeadDim, headDim)
	}
	switch {
	case headDim <= 32:
		return Bucket32, nil
	case headDim <= 64:
		return Bucket64, nil
	default:
		return Bucket128, nil
	}
}

type registryKey struct {
	bucket Bucket
	sparse bool
}

// Registry holds one variant per (bucket, sparse) pair.
type Registry struct {
	kernels map[registryKey]TileKernel
}

func NewRegistry() *Registry {
	return &Registry{kernels: map[registryKey]TileKernel{}}
}

// Register adds k, replacing any variant for the same bucket.
func (r *Registry) Register(k TileKernel) {
	r.kernels[registryKey{k.Bucket(), k.Sparse()}] = k
}

// Default returns a registry populated with the portable scalar kernels.
func Default() *Registry {
	r := NewRegistry()
	for _, b := range []Bucket{Bucket32, Bucket64, Bucket128} {
		r.Register(NewScalar(b, false))
	}
	for _, b := range []Bucket{Bucket16, Bucket32, Bucket64, Bucket128} {
		r.Register(NewScalar(b, true))
	}
	return r
}

// Select resolves the variant for req and checks it can run there.
func (r *Registry) Select(req Request) (TileKernel, error) {
	b, err := BucketFor(req.HeadDim, req.Sparse)
	if err != nil {
		return nil, err
	}
	k, ok := r.kernels[registryKey{b, req.Sparse}]
	if !ok {
		return nil, fmt.Errorf("%w: bucket %d sparse=%v", ErrNoKernel, b, req.Sparse)
	}
	if err := k.Supports(req); err != nil {
		return nil, err
	}
	return k, nil
}
