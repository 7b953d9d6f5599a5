// Package device models the accelerator an attention call targets: its
// hardware generation and the ordinal buffers must be resident on.
package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Arch is a hardware generation expressed as compute capability major.minor.
type Arch struct {
	Major, Minor int
}

var (
	SM75 = Arch{7, 5}
	SM80 = Arch{8, 0}
	SM86 = Arch{8, 6}
	SM89 = Arch{8, 9}
	SM90 = Arch{9, 0}
)

type fmtError string

func (e fmtError) Error() string { return string(e) }

const ErrUnknownArch = fmtError("unknown hardware generation")

// ParseArch accepts "sm80", "sm_80", "80" and "8.0".
func ParseArch(s string) (Arch, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "sm")
	v = strings.TrimPrefix(v, "_")
	if major, minor, ok := strings.Cut(v, "."); ok {
		ma, err1 := strconv.Atoi(major)
		mi, err2 := strconv.Atoi(minor)
		if err1 != nil || err2 != nil || ma <= 0 || mi < 0 || mi > 9 {
			return Arch{}, fmt.Errorf("%w: %q", ErrUnknownArch, s)
		}
		return Arch{ma, mi}, nil
	}
	if len(v) < 2 {
		return Arch{}, fmt.Errorf("%w: %q", ErrUnknownArch, s)
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return Arch{}, fmt.Errorf("%w: %q", ErrUnknownArch, s)
	}
	return Arch{n / 10, n % 10}, nil
}

func (a Arch) String() string {
	return fmt.Sprintf("sm%d%d", a.Major, a.Minor)
}

func (a Arch) IsSM75() bool { return a == SM75 }
func (a Arch) IsSM80() bool { return a == SM80 }
func (a Arch) IsSM8x() bool { return a.Major == 8 }
func (a Arch) IsSM90() bool { return a == SM90 }

// Supported reports whether any attention kernel exists for a.
func (a Arch) Supported() bool {
	return a.IsSM75() || a.IsSM8x() || a.IsSM90()
}

// SupportsBF16 reports whether bf16 storage is usable on a.
func (a Arch) SupportsBF16() bool {
	return a.IsSM8x() || a.IsSM90()
}

// HostOrdinal marks buffers living in host memory.
const HostOrdinal = -1

// Device identifies the execution target of an engine.
type Device struct {
	Ordinal int
	Arch    Arch
	Name    string
}

// New returns a device at ordinal with the given generation.
func New(ordinal int, arch Arch) Device {
	return Device{Ordinal: ordinal, Arch: arch, Name: fmt.Sprintf("device:%d", ordinal)}
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.Arch)
}
