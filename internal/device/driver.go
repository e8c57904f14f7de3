package device

import (
	"sync"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Kodama/internal/numeric"
	"github.com/shizukutanaka/Kodama/internal/work"
)

// Driver is the solve capability a device contracts to provide. Solve
// blocks until a nonce is found, the iteration budget is exhausted, or
// the cancel channel closes.
type Driver interface {
	Solve(root numeric.U256, difficulty numeric.U128, cancel <-chan struct{}) (work.Result, error)
	Kind() Type
}

// CPUDriver runs the Blake2b search on the host CPU.
type CPUDriver struct {
	gen *work.Generator
}

// NewCPUDriver wraps a search engine as a device driver.
func NewCPUDriver(gen *work.Generator) *CPUDriver {
	return &CPUDriver{gen: gen}
}

// Solve implements Driver.
func (d *CPUDriver) Solve(root numeric.U256, difficulty numeric.U128, cancel <-chan struct{}) (work.Result, error) {
	return d.gen.Solve(root, difficulty, cancel)
}

// Kind implements Driver.
func (d *CPUDriver) Kind() Type {
	return TypeCPU
}

// GPUDriver satisfies the driver contract for configured GPU devices.
// The OpenCL kernel is not wired in yet; it delegates to the CPU search
// path, which keeps GPU device entries usable.
type GPUDriver struct {
	cpu    *CPUDriver
	logger *zap.Logger
	warn   sync.Once
}

// NewGPUDriver creates a GPU driver delegating to the CPU engine.
func NewGPUDriver(gen *work.Generator, logger *zap.Logger) *GPUDriver {
	return &GPUDriver{cpu: NewCPUDriver(gen), logger: logger}
}

// Solve implements Driver.
func (d *GPUDriver) Solve(root numeric.U256, difficulty numeric.U128, cancel <-chan struct{}) (work.Result, error) {
	d.warn.Do(func() {
		d.logger.Warn("OpenCL driver not available, GPU device falling back to CPU search")
	})
	return d.cpu.Solve(root, difficulty, cancel)
}

// Kind implements Driver.
func (d *GPUDriver) Kind() Type {
	return TypeGPU
}
