package tensor

import (
	"fmt"
	"slices"
)

type fmtError string

func (e fmtError) Error() string { return string(e) }

const (
	ErrShape    = fmtError("tensor shape mismatch")
	ErrDType    = fmtError("unsupported tensor dtype")
	ErrBounds   = fmtError("tensor view out of bounds")
	ErrNegative = fmtError("negative tensor dimension")
)

// Tensor is a strided view over float16, bfloat16, float32 or int32 storage
// placed on a device ordinal. Strides are in elements.
//
// Half-precision values are decoded to float32 on load and rounded on store;
// callers always see float32.
type Tensor struct {
	dtype   DType
	shape   []int
	strides []int
	offset  int
	device  int

	half []uint16
	f32  []float32
	i32  []int32
}

// New allocates a zeroed, contiguous tensor.
func New(dtype DType, device int, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, ErrNegative
		}
		n *= d
	}
	t := &Tensor{
		dtype:   dtype,
		shape:   slices.Clone(shape),
		strides: contiguousStrides(shape),
		device:  device,
	}
	switch dtype {
	case F16, BF16:
		t.half = make([]uint16, n)
	case F32:
		t.f32 = make([]float32, n)
	case I32:
		t.i32 = make([]int32, n)
	default:
		return nil, fmt.Errorf("%w: %v", ErrDType, dtype)
	}
	return t, nil
}

// MustNew is New for shapes known to be valid.
func MustNew(dtype DType, device int, shape ...int) *Tensor {
	t, err := New(dtype, device, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// FromFloat32 builds a contiguous tensor of dtype from row-major data.
func FromFloat32(dtype DType, device int, data []float32, shape ...int) (*Tensor, error) {
	if dtype == I32 {
		return nil, fmt.Errorf("%w: use FromInt32", ErrDType)
	}
	t, err := New(dtype, device, shape...)
	if err != nil {
		return nil, err
	}
	if t.Len() != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	for i, v := range data {
		t.Store(i, v)
	}
	return t, nil
}

// FromInt32 builds a contiguous int32 tensor.
func FromInt32(device int, data []int32, shape ...int) (*Tensor, error) {
	t, err := New(I32, device, shape...)
	if err != nil {
		return nil, err
	}
	if t.Len() != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	copy(t.i32, data)
	return t, nil
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

func (t *Tensor) DType() DType     { return t.dtype }
func (t *Tensor) Device() int      { return t.device }
func (t *Tensor) Rank() int        { return len(t.shape) }
func (t *Tensor) Shape() []int     { return slices.Clone(t.shape) }
func (t *Tensor) Strides() []int   { return slices.Clone(t.strides) }
func (t *Tensor) Dim(i int) int    { return t.shape[i] }
func (t *Tensor) Stride(i int) int { return t.strides[i] }
func (t *Tensor) Offset() int      { return t.offset }

// Len is the number of logical elements.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}
	return n
}

// HasShape reports whether the tensor's shape equals dims exactly.
func (t *Tensor) HasShape(dims ...int) bool {
	return slices.Equal(t.shape, dims)
}

func (t *Tensor) storageLen() int {
	switch t.dtype {
	case F16, BF16:
		return len(t.half)
	case F32:
		return len(t.f32)
	case I32:
		return len(t.i32)
	}
	return 0
}

// Index returns the storage position of a logical coordinate.
func (t *Tensor) Index(idx ...int) int {
	off := t.offset
	for i, v := range idx {
		off += v * t.strides[i]
	}
	return off
}

// Load reads the element at storage position off.
func (t *Tensor) Load(off int) float32 {
	switch t.dtype {
	case F16:
		return F16ToFloat32(t.half[off])
	case BF16:
		return BF16ToFloat32(t.half[off])
	case F32:
		return t.f32[off]
	case I32:
		return float32(t.i32[off])
	}
	return 0
}

// Store writes v at storage position off, rounding to the tensor's dtype.
func (t *Tensor) Store(off int, v float32) {
	switch t.dtype {
	case F16:
		t.half[off] = F16FromFloat32(v)
	case BF16:
		t.half[off] = BF16FromFloat32(v)
	case F32:
		t.f32[off] = v
	case I32:
		t.i32[off] = int32(v)
	}
}

// LoadRow decodes len(dst) consecutive storage elements starting at off.
func (t *Tensor) LoadRow(dst []float32, off int) {
	switch t.dtype {
	case F16:
		for i, h := range t.half[off : off+len(dst)] {
			dst[i] = F16ToFloat32(h)
		}
	case BF16:
		for i, h := range t.half[off : off+len(dst)] {
			dst[i] = bf16Table[h]
		}
	case F32:
		copy(dst, t.f32[off:off+len(dst)])
	case I32:
		for i, v := range t.i32[off : off+len(dst)] {
			dst[i] = float32(v)
		}
	}
}

// StoreRow encodes src into consecutive storage elements starting at off.
func (t *Tensor) StoreRow(off int, src []float32) {
	switch t.dtype {
	case F16:
		dst := t.half[off : off+len(src)]
		for i, v := range src {
			dst[i] = F16FromFloat32(v)
		}
	case BF16:
		dst := t.half[off : off+len(src)]
		for i, v := range src {
			dst[i] = BF16FromFloat32(v)
		}
	case F32:
		copy(t.f32[off:off+len(src)], src)
	case I32:
		dst := t.i32[off : off+len(src)]
		for i, v := range src {
			dst[i] = int32(v)
		}
	}
}

// At reads a logical coordinate.
func (t *Tensor) At(idx ...int) float32 { return t.Load(t.Index(idx...)) }

// Set writes a logical coordinate.
func (t *Tensor) Set(v float32, idx ...int) { t.Store(t.Index(idx...), v) }

// each calls fn with the storage position of every logical element in
// row-major order.
func (t *Tensor) each(fn func(off int)) {
	if t.Len() == 0 {
		return
	}
	var walk func(dim, off int)
	walk = func(dim, off int) {
		if dim == len(t.shape) {
			fn(off)
			return
		}
		for i := 0; i < t.shape[dim]; i++ {
			walk(dim+1, off+i*t.strides[dim])
		}
	}
	walk(0, t.offset)
}

// Fill sets every logical element to v.
func (t *Tensor) Fill(v float32) {
	t.each(func(off int) { t.Store(off, v) })
}

// Float32 returns a row-major copy of the logical elements.
func (t *Tensor) Float32() []float32 {
	out := make([]float32, 0, t.Len())
	t.each(func(off int) { out = append(out, t.Load(off)) })
	return out
}

// Int32 returns a row-major copy of an int32 tensor.
func (t *Tensor) Int32() []int32 {
	out := make([]int32, 0, t.Len())
	if t.dtype != I32 {
		return out
	}
	t.each(func(off int) { out = append(out, t.i32[off]) })
	return out
}

// IsContiguous reports row-major layout with no gaps.
func (t *Tensor) IsContiguous() bool {
	return slices.Equal(t.strides, contiguousStrides(t.shape))
}

// View returns a tensor sharing storage with custom shape, strides and
// offset. Every addressable element must lie inside the storage.
func (t *Tensor) View(offset int, shape, strides []int) (*Tensor, error) {
	if len(shape) != len(strides) {
		return nil, fmt.Errorf("%w: %d dims, %d strides", ErrShape, len(shape), len(strides))
	}
	empty := false
	for _, d := range shape {
		if d < 0 {
			return nil, ErrNegative
		}
		if d == 0 {
			empty = true
		}
	}
	if !empty {
		lo, hi := offset, offset
		for i, d := range shape {
			span := (d - 1) * strides[i]
			if span < 0 {
				lo += span
			} else {
				hi += span
			}
		}
		if lo < 0 || hi >= t.storageLen() {
			return nil, fmt.Errorf("%w: [%d, %d] of %d", ErrBounds, lo, hi, t.storageLen())
		}
	}
	v := *t
	v.shape = slices.Clone(shape)
	v.strides = slices.Clone(strides)
	v.offset = offset
	return &v, nil
}

// Narrow restricts dim to [start, start+length).
func (t *Tensor) Narrow(dim, start, length int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.shape) || start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("%w: narrow dim %d [%d,+%d) of %v", ErrBounds, dim, start, length, t.shape)
	}
	shape := slices.Clone(t.shape)
	shape[dim] = length
	return t.View(t.offset+start*t.strides[dim], shape, t.strides)
}

// OnDevice returns a view of the same storage tagged with another ordinal.
func (t *Tensor) OnDevice(ordinal int) *Tensor {
	v := *t
	v.device = ordinal
	return &v
}

// Clone returns a contiguous deep copy.
func (t *Tensor) Clone() *Tensor {
	c := MustNew(t.dtype, t.device, t.shape...)
	i := 0
	t.each(func(off int) {
		switch t.dtype {
		case F16, BF16:
			c.half[i] = t.half[off]
		case F32:
			c.f32[i] = t.f32[off]
		case I32:
			c.i32[i] = t.i32[off]
		}
		i++
	})
	return c
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, shape=%v, strides=%v, device=%d)", t.dtype, t.shape, t.strides, t.device)
}
