// Package capacity derives the worker pool size from the memory of the
// device the transformation engine runs on.
package capacity

import (
	"context"
	"math"
	"sync"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
)

// Device describes the accelerator the engine reports
type Device struct {
	Index              int     `json:"index"`
	Name               string  `json:"name"`
	UUID               string  `json:"uuid,omitempty"`
	TotalMiB           float64 `json:"memory_total_mib"`
	UsedMiB            float64 `json:"memory_used_mib"`
	UtilizationPercent float64 `json:"utilization_percent"`
	TemperatureCelsius float64 `json:"temperature_celsius"`
}

// FreeMiB returns unused device memory
func (d Device) FreeMiB() float64 {
	return math.Max(0, d.TotalMiB-d.UsedMiB)
}

// Prober reports device capacity
type Prober interface {
	DeviceCapacity(ctx context.Context) (Device, error)
}

// Config tunes the estimate
type Config struct {
	// MaxWorkers overrides detection when positive
	MaxWorkers int
	// MemoryPerJobMiB, when positive, bounds slots by free memory / per-job need
	MemoryPerJobMiB float64
	// Fallback is used when no device can be probed
	Fallback int
}

// DefaultConfig returns the detection defaults
func DefaultConfig() Config {
	return Config{Fallback: 2}
}

// Estimator computes and caches the maximum concurrency
type Estimator struct {
	config Config
	prober Prober
	logger *logging.Logger

	mu       sync.RWMutex
	capacity int
	device   *Device
}

// NewEstimator creates an estimator; call Reload to compute the first value
func NewEstimator(config Config, prober Prober, logger *logging.Logger) *Estimator {
	if config.Fallback <= 0 {
		config.Fallback = 2
	}
	return &Estimator{
		config:   config,
		prober:   prober,
		logger:   logger.Named("capacity"),
		capacity: config.Fallback,
	}
}

// Capacity returns the last computed value
func (e *Estimator) Capacity() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.capacity
}

// Device returns the last probed device, if any
func (e *Estimator) Device() (Device, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.device == nil {
		return Device{}, false
	}
	return *e.device, true
}

// Reload probes the device and recomputes the capacity
func (e *Estimator) Reload(ctx context.Context) int {
	var (
		dev    *Device
		probed Device
		err    error
	)
	if e.prober != nil {
		probed, err = e.prober.DeviceCapacity(ctx)
		if err != nil {
			e.logger.Warn("Device probe failed, using fallback capacity", logging.Fields{"error": err})
		} else {
			dev = &probed
		}
	}

	n := Compute(e.config, dev)

	e.mu.Lock()
	e.capacity = n
	e.device = dev
	e.mu.Unlock()

	fields := logging.Fields{"capacity": n}
	if dev != nil {
		fields["device"] = dev.Name
		fields["memory_total_mib"] = dev.TotalMiB
	}
	e.logger.Info("Capacity computed", fields)
	return n
}

// Compute maps device memory to a slot count.
// 20 GiB and up → 4, 12 GiB → 3, 8 GiB → 2, anything smaller → 1.
func Compute(config Config, dev *Device) int {
	if config.MaxWorkers > 0 {
		return config.MaxWorkers
	}
	fallback := config.Fallback
	if fallback <= 0 {
		fallback = 2
	}
	if dev == nil || dev.TotalMiB <= 0 {
		return fallback
	}

	var n int
	switch {
	case dev.TotalMiB >= 20000:
		n = 4
	case dev.TotalMiB >= 12000:
		n = 3
	case dev.TotalMiB >= 8000:
		n = 2
	default:
		n = 1
	}

	if config.MemoryPerJobMiB > 0 {
		byMemory := int(dev.FreeMiB() / config.MemoryPerJobMiB)
		if byMemory < n {
			n = byMemory
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}
