package device

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HostInfo describes the CPU that runs the portable tile kernels.
type HostInfo struct {
	GOOS     string          `json:"goos"`
	GOARCH   string          `json:"goarch"`
	CPUs     int             `json:"cpus"`
	Features map[string]bool `json:"features"`
}

// Host reports the host CPU and the vector features relevant to the scalar
// kernels' inner loops.
func Host() HostInfo {
	info := HostInfo{
		GOOS:     runtime.GOOS,
		GOARCH:   runtime.GOARCH,
		CPUs:     runtime.NumCPU(),
		Features: map[string]bool{},
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		info.Features["avx"] = cpu.X86.HasAVX
		info.Features["avx2"] = cpu.X86.HasAVX2
		info.Features["fma"] = cpu.X86.HasFMA
		info.Features["avx512f"] = cpu.X86.HasAVX512F
		info.Features["avx512bf16"] = cpu.X86.HasAVX512BF16
	case "arm64":
		info.Features["asimd"] = cpu.ARM64.HasASIMD
		info.Features["fphp"] = cpu.ARM64.HasFPHP
		info.Features["asimdhp"] = cpu.ARM64.HasASIMDHP
		info.Features["sve"] = cpu.ARM64.HasSVE
	}
	return info
}
