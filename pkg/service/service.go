// Package service wires the orchestration components together and exposes
// the operations served over HTTP.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/admission"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/artifact"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/capacity"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/cleanup"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/engine"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/metrics"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/scheduler"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/store"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/tracing"
)

// Config collects the settings of every component
type Config struct {
	Admission admission.Config
	Scheduler scheduler.Config
	Capacity  capacity.Config
	Cleanup   cleanup.Config
	Version   string
}

// Deps are the collaborators built outside the service. Journal, Metrics,
// Tracer and Observers are optional.
type Deps struct {
	Engine    engine.Engine
	Artifacts *artifact.FileStore
	Journal   *store.Journal
	Metrics   *metrics.Metrics
	Tracer    *tracing.Provider
	Observers []store.Observer
	Logger    *logging.Logger
}

// Service is the facade over admission, scheduling and the job registry
type Service struct {
	config    Config
	registry  *store.MemoryRegistry
	artifacts *artifact.FileStore
	journal   *store.Journal
	engine    *engine.Manager
	estimator *capacity.Estimator
	pool      *scheduler.Pool
	admission *admission.Controller
	cleanup   *cleanup.Manager
	metrics   *metrics.Metrics
	observers []store.Observer
	logger    *logging.Logger

	reloadMu sync.Mutex
	started  time.Time
	now      func() time.Time
}

// New builds every component. Nothing runs until Start.
func New(config Config, deps Deps) (*Service, error) {
	if deps.Engine == nil {
		return nil, errors.New("service: engine is required")
	}
	if deps.Artifacts == nil {
		return nil, errors.New("service: artifact store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	registry := store.NewMemoryRegistry()
	manager := engine.NewManager(deps.Engine, logger)
	estimator := capacity.NewEstimator(config.Capacity, manager, logger)
	if config.Scheduler.Capacity < 1 {
		config.Scheduler.Capacity = estimator.Capacity()
	}
	pool := scheduler.NewPool(config.Scheduler, registry, deps.Artifacts, manager, logger,
		scheduler.WithMetrics(deps.Metrics),
		scheduler.WithTracer(deps.Tracer),
	)
	admit := admission.NewController(config.Admission, registry, deps.Artifacts, pool, manager, deps.Metrics, deps.Tracer, logger)

	var compactor cleanup.Compactor
	if deps.Journal != nil {
		compactor = deps.Journal
	}
	sweeper := cleanup.NewManager(config.Cleanup, registry, deps.Artifacts, pool, compactor, deps.Metrics, logger)

	return &Service{
		config:    config,
		registry:  registry,
		artifacts: deps.Artifacts,
		journal:   deps.Journal,
		engine:    manager,
		estimator: estimator,
		pool:      pool,
		admission: admit,
		cleanup:   sweeper,
		metrics:   deps.Metrics,
		observers: deps.Observers,
		logger:    logger.Named("service"),
		now:       time.Now,
	}, nil
}

// Start loads the engine, sizes the pool, replays the journal and starts the
// workers and the sweeper. An engine that fails to load leaves the service
// running with submissions refused until a reload succeeds.
func (s *Service) Start(ctx context.Context) error {
	s.started = s.now()

	if err := s.engine.Load(ctx); err != nil {
		s.logger.Warn("Engine not ready, submissions will be refused", logging.Fields{"error": err})
	}

	n := s.estimator.Reload(ctx)
	s.pool.Resize(n)

	var resume []string
	if s.journal != nil {
		result, err := s.journal.Recover(ctx, s.registry)
		if err != nil {
			return fmt.Errorf("recover journal: %w", err)
		}
		resume = result.Resume
		s.registry.Observe(s.journal)
		s.logger.Info("Journal recovered", logging.Fields{
			"restored":    result.Restored,
			"interrupted": result.Interrupted,
			"resumed":     len(result.Resume),
		})
	}
	for _, o := range s.observers {
		s.registry.Observe(o)
	}

	s.pool.Start(ctx)
	for _, id := range resume {
		if err := s.pool.Enqueue(id); err != nil {
			s.logger.Error("Failed to resume job", logging.Fields{"job_id": id, "error": err})
		}
	}
	s.cleanup.Start()

	s.logger.Info("Service started", logging.Fields{"capacity": n, "version": s.config.Version})
	return nil
}

// Stop stops the sweeper and the pool. Jobs still running when ctx ends are
// cancelled and failed with SHUTDOWN.
func (s *Service) Stop(ctx context.Context) error {
	var errs []error
	if err := s.cleanup.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop cleanup: %w", err))
	}
	if err := s.pool.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Submit admits an image and returns the job id
func (s *Service) Submit(ctx context.Context, sub admission.Submission) (string, error) {
	return s.admission.Submit(ctx, sub)
}

// GetStatus returns the current view of a job
func (s *Service) GetStatus(id string) (models.JobView, error) {
	job, err := s.registry.Get(id)
	if err != nil {
		return models.JobView{}, err
	}
	return s.view(job), nil
}

func (s *Service) view(job models.Job) models.JobView {
	v := job.View()
	if job.Status == models.JobStatusQueued || job.Status == models.JobStatusPending {
		v.QueuePosition = s.pool.Position(job.ID)
	}
	return v
}

// Result is an open output artifact. The caller closes Body.
type Result struct {
	Filename string
	Format   string
	Size     int64
	Body     io.ReadCloser
}

// GetResult opens the output of a completed job. Jobs that have not
// completed return models.ErrNotReady.
func (s *Service) GetResult(id string) (*Result, error) {
	job, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusCompleted || job.Output == nil {
		return nil, fmt.Errorf("%w: job is %s", models.ErrNotReady, job.Status)
	}
	body, err := s.artifacts.Open(*job.Output)
	if errors.Is(err, fs.ErrNotExist) {
		// removed by a sweep or delete after the record was read
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	filename := job.Output.Filename
	if filename == "" {
		filename = fmt.Sprintf("upscaled_%s.%s", job.ID, job.Output.Format)
	}
	return &Result{
		Filename: filename,
		Format:   job.Output.Format,
		Size:     job.Output.Size,
		Body:     body,
	}, nil
}

// Cancel requests cancellation. Cancelling a finished job is a no-op.
func (s *Service) Cancel(id string) (models.JobView, error) {
	if _, err := s.pool.Cancel(id); err != nil {
		return models.JobView{}, err
	}
	return s.GetStatus(id)
}

// Delete removes a finished or waiting job and its artifacts
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.cleanup.DeleteNow(ctx, id)
}

// ListJobs returns every job in creation order, optionally filtered by status
func (s *Service) ListJobs(status models.JobStatus) []models.JobView {
	jobs := s.registry.List()
	views := make([]models.JobView, 0, len(jobs))
	for _, job := range jobs {
		if status != "" && job.Status != status {
			continue
		}
		views = append(views, s.view(job))
	}
	return views
}

// Stats counts jobs by state
func (s *Service) Stats() models.Stats {
	var stats models.Stats
	for _, job := range s.registry.List() {
		stats.Add(job.Status)
	}
	return stats
}

// SystemStatus reports the resources behind the pool
type SystemStatus struct {
	Version     string           `json:"version"`
	Uptime      float64          `json:"uptime_seconds"`
	Capacity    int              `json:"capacity"`
	Active      int              `json:"active"`
	QueueLength int              `json:"queue_length"`
	Engine      engine.Info      `json:"engine"`
	GPU         *capacity.Device `json:"gpu,omitempty"`
	Host        *capacity.Host   `json:"host,omitempty"`
	Jobs        models.Stats     `json:"jobs"`
	Cleanup     cleanup.Stats    `json:"cleanup"`
}

// System gathers pool, engine, device and host state
func (s *Service) System(ctx context.Context) SystemStatus {
	status := SystemStatus{
		Version:     s.config.Version,
		Uptime:      s.uptime().Seconds(),
		Capacity:    s.pool.Capacity(),
		Active:      s.pool.Active(),
		QueueLength: s.pool.QueueLength(),
		Engine:      s.engine.Info(),
		Jobs:        s.Stats(),
		Cleanup:     s.cleanup.Stats(),
	}
	if dev, err := s.engine.DeviceCapacity(ctx); err == nil {
		status.GPU = &dev
	} else if dev, ok := s.estimator.Device(); ok {
		status.GPU = &dev
	}
	if host, err := capacity.ProbeHost(ctx); err == nil {
		status.Host = &host
	} else {
		s.logger.Debug("Host probe failed", logging.Fields{"error": err})
	}
	return status
}

// ReloadResult describes a finished engine reload
type ReloadResult struct {
	PreviousCapacity int         `json:"previous_capacity"`
	Capacity         int         `json:"capacity"`
	Engine           engine.Info `json:"engine"`
}

// ReloadEngine reloads the engine once in-flight calls drain, then recomputes
// the capacity and resizes the pool
func (s *Service) ReloadEngine(ctx context.Context) (ReloadResult, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	previous := s.pool.Capacity()
	err := s.engine.Reload(ctx)
	s.metrics.EngineReloaded(err)
	if err != nil {
		return ReloadResult{PreviousCapacity: previous, Capacity: previous, Engine: s.engine.Info()}, err
	}

	n := s.estimator.Reload(ctx)
	s.pool.Resize(n)
	s.logger.Info("Engine reloaded", logging.Fields{"previous_capacity": previous, "capacity": n})
	return ReloadResult{PreviousCapacity: previous, Capacity: n, Engine: s.engine.Info()}, nil
}

// HealthStatus is the liveness report
type HealthStatus struct {
	Status      string  `json:"status"`
	EngineReady bool    `json:"engine_ready"`
	Active      int     `json:"active"`
	QueueLength int     `json:"queue_length"`
	Capacity    int     `json:"capacity"`
	Jobs        int     `json:"jobs"`
	Uptime      float64 `json:"uptime_seconds"`
}

// Health reports "healthy" when the engine can take work, "degraded"
// otherwise
func (s *Service) Health() HealthStatus {
	h := HealthStatus{
		Status:      "healthy",
		EngineReady: s.engine.IsReady(),
		Active:      s.pool.Active(),
		QueueLength: s.pool.QueueLength(),
		Capacity:    s.pool.Capacity(),
		Jobs:        s.registry.Len(),
		Uptime:      s.uptime().Seconds(),
	}
	if !h.EngineReady {
		h.Status = "degraded"
	}
	return h
}

// SweepNow runs one expiry pass immediately
func (s *Service) SweepNow(ctx context.Context) int {
	return s.cleanup.SweepNow(ctx)
}

func (s *Service) uptime() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return s.now().Sub(s.started)
}
