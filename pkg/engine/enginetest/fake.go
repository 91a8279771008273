// Package enginetest provides a controllable engine for tests.
package enginetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/capacity"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/engine"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
)

// Fake echoes its input unless EnhanceFunc is set. When Gate is non-nil every
// call blocks until a value is received from it or the context ends.
type Fake struct {
	EnhanceFunc func(ctx context.Context, image []byte, params models.ProcessingParams) ([]byte, engine.Metadata, error)
	Gate        chan struct{}
	Device      capacity.Device
	DeviceErr   error

	ready    atomic.Bool
	loads    atomic.Int32
	unloads  atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32

	mu    sync.Mutex
	order [][]byte
}

// New returns a ready fake
func New() *Fake {
	f := &Fake{}
	f.ready.Store(true)
	return f
}

// SetReady toggles readiness
func (f *Fake) SetReady(ready bool) { f.ready.Store(ready) }

// IsReady implements engine.Engine
func (f *Fake) IsReady() bool { return f.ready.Load() }

// Load implements engine.Loader
func (f *Fake) Load(context.Context) error {
	f.loads.Add(1)
	f.ready.Store(true)
	return nil
}

// Unload implements engine.Loader
func (f *Fake) Unload(context.Context) error {
	f.unloads.Add(1)
	f.ready.Store(false)
	return nil
}

// DeviceCapacity implements engine.Engine
func (f *Fake) DeviceCapacity(context.Context) (capacity.Device, error) {
	if f.DeviceErr != nil {
		return capacity.Device{}, f.DeviceErr
	}
	if f.Device.TotalMiB == 0 {
		return capacity.Device{}, errors.New("no device")
	}
	return f.Device, nil
}

// Enhance implements engine.Engine
func (f *Fake) Enhance(ctx context.Context, image []byte, params models.ProcessingParams) ([]byte, engine.Metadata, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.order = append(f.order, append([]byte(nil), image...))
	f.mu.Unlock()

	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return nil, engine.Metadata{}, ctx.Err()
		}
	}
	if f.EnhanceFunc != nil {
		return f.EnhanceFunc(ctx, image, params)
	}
	return append([]byte(nil), image...), engine.Metadata{}, nil
}

// InFlight returns the number of calls currently inside Enhance
func (f *Fake) InFlight() int { return int(f.inFlight.Load()) }

// Peak returns the highest observed concurrency
func (f *Fake) Peak() int { return int(f.peak.Load()) }

// Loads returns how many times Load ran
func (f *Fake) Loads() int { return int(f.loads.Load()) }

// Unloads returns how many times Unload ran
func (f *Fake) Unloads() int { return int(f.unloads.Load()) }

// Calls returns the inputs in the order Enhance received them
func (f *Fake) Calls() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.order))
	copy(out, f.order)
	return out
}
