// Package engine defines the contract of the external transformation engine
// and the manager that lets it be reloaded while jobs are running.
package engine

import (
	"context"
	"time"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/capacity"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
)

// Metadata describes an enhanced image
type Metadata struct {
	Format   string        `json:"format"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Duration time.Duration `json:"duration"`
}

// Engine transforms an image by a scale factor
type Engine interface {
	// Enhance returns the transformed image bytes
	Enhance(ctx context.Context, image []byte, params models.ProcessingParams) ([]byte, Metadata, error)

	// IsReady reports whether Enhance can be called
	IsReady() bool

	// DeviceCapacity reports the device memory the engine runs on
	DeviceCapacity(ctx context.Context) (capacity.Device, error)
}

// Loader is implemented by engines that hold loaded model state
type Loader interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
}

// Describer is implemented by engines that can report model details
type Describer interface {
	Describe() map[string]interface{}
}
