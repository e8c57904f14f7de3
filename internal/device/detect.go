package device

import (
	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostInfo describes the hardware the server is running on. Used by the
// devices CLI command and logged at startup.
type HostInfo struct {
	CPUBrand      string
	PhysicalCores int
	LogicalCores  int
	VendorID      string
	Features      []string
	TotalMemoryMB uint64
}

// powFeatures is the subset of CPU features relevant to hash throughput.
var powFeatures = []cpuid.FeatureID{cpuid.AVX2, cpuid.AVX512F, cpuid.SSE42, cpuid.SHA}

// Detect inspects the host hardware. Failures of the optional probes
// degrade to zero values rather than errors.
func Detect() HostInfo {
	info := HostInfo{
		CPUBrand:     cpuid.CPU.BrandName,
		VendorID:     cpuid.CPU.VendorString,
		LogicalCores: cpuid.CPU.LogicalCores,
	}

	for _, f := range powFeatures {
		if cpuid.CPU.Has(f) {
			info.Features = append(info.Features, f.String())
		}
	}

	if physical, err := cpu.Counts(false); err == nil {
		info.PhysicalCores = physical
	}
	if info.LogicalCores == 0 {
		if logical, err := cpu.Counts(true); err == nil {
			info.LogicalCores = logical
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemoryMB = vm.Total / (1 << 20)
	}

	return info
}
