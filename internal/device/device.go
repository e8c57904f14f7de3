// Package device manages the pool of compute devices that back the work
// scheduler. Each configured device hosts one driver instance and is
// acquired with a non-blocking compare-and-swap: the worker pool is sized
// to the device count, so a worker reaching acquisition is expected to
// find a free device.
package device

import (
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Kodama/internal/config"
	"github.com/shizukutanaka/Kodama/internal/work"
)

// ErrNoDeviceAvailable is returned when every configured device is busy.
var ErrNoDeviceAvailable = errors.New("no device available")

// Type identifies the compute hardware backing a device.
type Type int

const (
	TypeCPU Type = iota
	TypeGPU
)

// String returns the configuration-file spelling of the type.
func (t Type) String() string {
	if t == TypeGPU {
		return "gpu"
	}
	return "cpu"
}

// Device is one compute slot: a driver plus a busy flag.
type Device struct {
	typ    Type
	index  uint32
	driver Driver
	busy   atomic.Bool
}

// New creates a device around a driver. Exposed for tests and custom
// registries; production devices come from NewRegistry.
func New(typ Type, index uint32, driver Driver) *Device {
	return &Device{typ: typ, index: index, driver: driver}
}

// Kind returns the device type.
func (d *Device) Kind() Type {
	return d.typ
}

// Index returns the configured device index.
func (d *Device) Index() uint32 {
	return d.index
}

// Driver returns the solve capability hosted on this device.
func (d *Device) Driver() Driver {
	return d.driver
}

// TryAcquire atomically claims the device. It returns false when the
// device is already busy.
func (d *Device) TryAcquire() bool {
	return d.busy.CompareAndSwap(false, true)
}

// Release returns the device to the pool.
func (d *Device) Release() {
	d.busy.Store(false)
}

// Busy reports the current acquisition state.
func (d *Device) Busy() bool {
	return d.busy.Load()
}

// Registry holds the configured devices in configuration order.
type Registry struct {
	logger  *zap.Logger
	devices []*Device
}

// NewRegistry builds devices from configuration. CPU entries host the
// Blake2b search engine directly; GPU entries delegate to the same engine
// until an OpenCL driver is wired in.
func NewRegistry(cfgs []config.DeviceConfig, gen *work.Generator, logger *zap.Logger) *Registry {
	r := &Registry{logger: logger}
	for _, dc := range cfgs {
		var drv Driver
		typ := TypeCPU
		if dc.Type == "gpu" {
			typ = TypeGPU
			drv = NewGPUDriver(gen, logger)
		} else {
			drv = NewCPUDriver(gen)
		}
		r.devices = append(r.devices, New(typ, dc.Index, drv))

		logger.Info("Registered work device",
			zap.String("type", typ.String()),
			zap.Uint32("index", dc.Index),
		)
	}
	return r
}

// NewRegistryFromDevices wraps pre-built devices, preserving order.
func NewRegistryFromDevices(devices []*Device, logger *zap.Logger) *Registry {
	return &Registry{logger: logger, devices: devices}
}

// Count returns the number of configured devices.
func (r *Registry) Count() int {
	return len(r.devices)
}

// Devices returns the devices in configuration order.
func (r *Registry) Devices() []*Device {
	return r.devices
}

// AcquireAny claims the first free device in configuration order.
func (r *Registry) AcquireAny() (*Device, error) {
	for _, d := range r.devices {
		if d.TryAcquire() {
			return d, nil
		}
	}
	return nil, ErrNoDeviceAvailable
}
