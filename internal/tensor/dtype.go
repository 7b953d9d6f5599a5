package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType is the element encoding of a tensor's storage.
type DType uint8

const (
	Invalid DType = iota
	F16
	BF16
	F32
	I32
)

func (d DType) String() string {
	switch d {
	case F16:
		return "float16"
	case BF16:
		return "bfloat16"
	case F32:
		return "float32"
	case I32:
		return "int32"
	default:
		return "invalid"
	}
}

func (d DType) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// ParseDType accepts the String form or the short names fp16, bf16, fp32 and
// i32.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float16", "fp16", "f16", "half":
		return F16, nil
	case "bfloat16", "bf16":
		return BF16, nil
	case "float32", "fp32", "f32":
		return F32, nil
	case "int32", "i32":
		return I32, nil
	}
	return Invalid, fmt.Errorf("%w: %q", ErrDType, s)
}

// Size is the element size in bytes.
func (d DType) Size() int {
	switch d {
	case F16, BF16:
		return 2
	case F32, I32:
		return 4
	default:
		return 0
	}
}

// IsHalf reports whether d is one of the two reduced-precision float formats.
func (d DType) IsHalf() bool { return d == F16 || d == BF16 }

// bf16Table maps every bf16 bit pattern to float32.
var bf16Table = func() [1 << 16]float32 {
	var tbl [1 << 16]float32
	for i := range tbl {
		tbl[i] = math.Float32frombits(uint32(i) << 16)
	}
	return tbl
}()

// BF16FromFloat32 rounds to nearest even. NaN stays NaN.
func BF16FromFloat32(f float32) uint16 {
	u := math.Float32bits(f)
	if u&0x7fffffff > 0x7f800000 {
		return uint16(u>>16) | 0x0040
	}
	rnd := uint32(0x7fff + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

func BF16ToFloat32(h uint16) float32 { return bf16Table[h] }

func F16FromFloat32(f float32) uint16 { return float16.Fromfloat32(f).Bits() }

func F16ToFloat32(h uint16) float32 { return float16.Frombits(h).Float32() }

// Round returns f after a trip through dtype d. Tests use it to build
// reference inputs that match what the engine actually reads.
func Round(d DType, f float32) float32 {
	switch d {
	case F16:
		return F16ToFloat32(F16FromFloat32(f))
	case BF16:
		return BF16ToFloat32(BF16FromFloat32(f))
	default:
		return f
	}
}
