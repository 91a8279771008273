// Package admission validates submissions and turns them into pending jobs.
package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/artifact"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/metrics"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/store"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/tracing"
)

// Defaults for Config
const (
	DefaultMaxFileSize = 50 << 20
	DefaultScale       = 4
	MinScale           = 1
	MaxScale           = 8
)

// DefaultFormats is the allow-list used when none is configured
var DefaultFormats = []string{"jpg", "jpeg", "png", "bmp", "tiff", "webp"}

// Config bounds what is accepted
type Config struct {
	MaxFileSize    int64
	AllowedFormats []string
	DefaultScale   float64
}

// DefaultConfig returns the admission defaults
func DefaultConfig() Config {
	return Config{
		MaxFileSize:    DefaultMaxFileSize,
		AllowedFormats: DefaultFormats,
		DefaultScale:   DefaultScale,
	}
}

// Submission is one image handed in for processing
type Submission struct {
	Data     []byte
	Filename string
	// Format overrides the extension of Filename
	Format string
	// Params with a zero Scale use the configured default
	Params models.ProcessingParams
}

// Readiness reports whether the engine can take work
type Readiness interface {
	IsReady() bool
}

// Enqueuer accepts admitted job ids
type Enqueuer interface {
	Enqueue(id string) error
}

// Artifacts persists inputs
type Artifacts interface {
	Put(ctx context.Context, id string, kind artifact.Kind, format string, data []byte) (models.ArtifactDescriptor, error)
	Remove(ctx context.Context, id string) error
}

// Controller is the single entry point for new jobs
type Controller struct {
	config    Config
	allowed   map[string]bool
	registry  store.Registry
	artifacts Artifacts
	scheduler Enqueuer
	engine    Readiness
	metrics   *metrics.Metrics
	tracer    *tracing.Provider
	logger    *logging.Logger
	now       func() time.Time
	newID     func() string
}

// NewController creates a controller
func NewController(config Config, registry store.Registry, artifacts Artifacts, scheduler Enqueuer, engine Readiness, m *metrics.Metrics, tracer *tracing.Provider, logger *logging.Logger) *Controller {
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}
	if len(config.AllowedFormats) == 0 {
		config.AllowedFormats = DefaultFormats
	}
	if config.DefaultScale == 0 {
		config.DefaultScale = DefaultScale
	}
	allowed := make(map[string]bool, len(config.AllowedFormats))
	for _, f := range config.AllowedFormats {
		allowed[NormalizeFormat(f)] = true
	}
	return &Controller{
		config:    config,
		allowed:   allowed,
		registry:  registry,
		artifacts: artifacts,
		scheduler: scheduler,
		engine:    engine,
		metrics:   m,
		tracer:    tracer,
		logger:    logger.Named("admission"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// NormalizeFormat lower-cases a format and strips a leading dot
func NormalizeFormat(format string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
}

// EstimateSubmit returns the initial processing estimate in seconds for a
// payload of the given size
func EstimateSubmit(size int) int {
	mib := float64(size) / (1 << 20)
	return int(math.Max(15, mib*10))
}

// Validate checks a submission without side effects and returns the
// normalised format and params
func (c *Controller) Validate(sub Submission) (string, models.ProcessingParams, error) {
	format := sub.Format
	if format == "" {
		format = filepath.Ext(sub.Filename)
	}
	format = NormalizeFormat(format)
	if format == "" || !c.allowed[format] {
		return "", models.ProcessingParams{}, &models.AdmissionError{
			Reason: models.ReasonUnsupportedFormat,
			Detail: fmt.Sprintf("%q is not one of %s", format, strings.Join(c.config.AllowedFormats, ", ")),
		}
	}

	if len(sub.Data) == 0 {
		return "", models.ProcessingParams{}, &models.AdmissionError{Reason: models.ReasonEmptyPayload, Detail: "no image data"}
	}
	if int64(len(sub.Data)) > c.config.MaxFileSize {
		return "", models.ProcessingParams{}, &models.AdmissionError{
			Reason: models.ReasonPayloadTooLarge,
			Detail: fmt.Sprintf("%d bytes exceeds the %d byte limit", len(sub.Data), c.config.MaxFileSize),
		}
	}

	params := sub.Params
	if params.Scale == 0 {
		params.Scale = c.config.DefaultScale
	}
	if math.IsNaN(params.Scale) || params.Scale < MinScale || params.Scale > MaxScale {
		return "", models.ProcessingParams{}, &models.AdmissionError{
			Reason: models.ReasonInvalidParams,
			Detail: fmt.Sprintf("scale must be between %d and %d", MinScale, MaxScale),
		}
	}
	if params.TileSize < 0 {
		return "", models.ProcessingParams{}, &models.AdmissionError{Reason: models.ReasonInvalidParams, Detail: "tile size must not be negative"}
	}
	return format, params, nil
}

// Submit admits a submission and returns the new job id without waiting for
// processing
func (c *Controller) Submit(ctx context.Context, sub Submission) (id string, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "admission.submit",
		attribute.String("file.name", sub.Filename),
		attribute.Int("file.size", len(sub.Data)),
	)
	defer span.End()
	defer func() {
		if err != nil {
			tracing.SetError(ctx, err)
			var admissionErr *models.AdmissionError
			switch {
			case errors.As(err, &admissionErr):
				c.metrics.AdmissionRejected(string(admissionErr.Reason))
			case errors.Is(err, models.ErrEngineNotReady):
				c.metrics.AdmissionRejected("engine_not_ready")
			default:
				c.metrics.AdmissionRejected("internal")
			}
		}
	}()

	format, params, err := c.Validate(sub)
	if err != nil {
		return "", err
	}
	if !c.engine.IsReady() {
		return "", models.ErrEngineNotReady
	}

	id = c.newID()
	span.SetAttributes(attribute.String("job.id", id))

	desc, err := c.artifacts.Put(ctx, id, artifact.KindInput, format, sub.Data)
	if err != nil {
		return "", err
	}
	desc.Filename = sub.Filename

	estimate := EstimateSubmit(len(sub.Data))
	job := models.Job{
		ID:                 id,
		Status:             models.JobStatusPending,
		Progress:           0,
		Message:            "Job accepted, waiting to be processed",
		CurrentStep:        "Waiting",
		CreatedAt:          c.now(),
		Input:              desc,
		Params:             params,
		EstimatedTotalTime: &estimate,
	}
	if err := c.registry.Create(job); err != nil {
		if rmErr := c.artifacts.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
			c.logger.Warn("Failed to remove input of rejected job", logging.Fields{"job_id": id, "error": rmErr})
		}
		return "", fmt.Errorf("create job: %w", err)
	}

	if err := c.scheduler.Enqueue(id); err != nil {
		c.abandon(id, err)
		return "", err
	}

	c.metrics.JobSubmitted()
	c.logger.Info("Job admitted", logging.Fields{
		"job_id": id,
		"format": format,
		"size":   len(sub.Data),
		"scale":  params.Scale,
	})
	return id, nil
}

// abandon fails a job the scheduler would not take
func (c *Controller) abandon(id string, cause error) {
	_, err := c.registry.Update(id, func(j *models.Job) error {
		if models.IsTerminalState(j.Status) {
			return nil
		}
		j.ErrorDetail = &models.ErrorDetail{Code: models.CodeShutdown, Message: cause.Error()}
		j.Message = "Service is shutting down"
		return j.Transition(models.JobStatusFailed, "not scheduled", c.now())
	})
	if err != nil {
		c.logger.Error("Failed to abandon job", logging.Fields{"job_id": id, "error": err})
	}
}
