// Package cleanup expires finished jobs and maintains the journal.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/metrics"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/retry"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/store"
)

// Config defines retention and maintenance intervals
type Config struct {
	Enabled         bool
	Retention       time.Duration
	Interval        time.Duration
	InitialDelay    time.Duration
	CompactInterval time.Duration
	// Retry bounds artifact removal attempts within one sweep
	Retry retry.Config
}

// DefaultConfig returns the cleanup defaults
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Retention:       24 * time.Hour,
		Interval:        time.Hour,
		InitialDelay:    time.Minute,
		CompactInterval: 24 * time.Hour,
		Retry:           retry.Quick(),
	}
}

// Artifacts removes the stored files of a job
type Artifacts interface {
	Remove(ctx context.Context, id string) error
	CleanTemp() (int, error)
}

// Canceller stops waiting jobs before they are deleted
type Canceller interface {
	Cancel(id string) (bool, error)
}

// Compactor rewrites the journal
type Compactor interface {
	Compact(ctx context.Context) (int, error)
}

// Stats tracks cleanup activity
type Stats struct {
	LastSweepTime         time.Time     `json:"last_sweep_time"`
	LastSweepDuration     time.Duration `json:"last_sweep_duration"`
	LastCompactionTime    time.Time     `json:"last_compaction_time"`
	TotalJobsDeleted      int64         `json:"total_jobs_deleted"`
	TotalFailures         int64         `json:"total_failures"`
	TotalCompactions      int64         `json:"total_compactions"`
	TempFilesRemoved      int64         `json:"temp_files_removed"`
	LastCompactedJobCount int           `json:"last_compacted_job_count"`
}

// Manager deletes expired jobs together with their artifacts
type Manager struct {
	config    Config
	registry  store.Registry
	artifacts Artifacts
	canceller Canceller
	compactor Compactor
	metrics   *metrics.Metrics
	logger    *logging.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a cleanup manager. canceller and compactor may be nil.
func NewManager(config Config, registry store.Registry, artifacts Artifacts, canceller Canceller, compactor Compactor, m *metrics.Metrics, logger *logging.Logger) *Manager {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:    config,
		registry:  registry,
		artifacts: artifacts,
		canceller: canceller,
		compactor: compactor,
		metrics:   m,
		logger:    logger.Named("cleanup"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the periodic sweep and compaction loops
func (m *Manager) Start() {
	if n, err := m.artifacts.CleanTemp(); err != nil {
		m.logger.Warn("Failed to remove stale temp files", logging.Fields{"error": err})
	} else if n > 0 {
		m.mu.Lock()
		m.stats.TempFilesRemoved += int64(n)
		m.mu.Unlock()
		m.logger.Info("Removed stale temp files", logging.Fields{"count": n})
	}

	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled")
		return
	}

	m.logger.Info("Starting cleanup manager", logging.Fields{
		"retention": m.config.Retention.String(),
		"interval":  m.config.Interval.String(),
	})

	m.wg.Add(1)
	go m.sweepLoop()
	if m.compactor != nil && m.config.CompactInterval > 0 {
		m.wg.Add(1)
		go m.compactLoop()
	}
}

// Stop stops the loops and waits for a running sweep to finish
func (m *Manager) Stop(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Cleanup manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	delay := time.NewTimer(m.config.InitialDelay)
	select {
	case <-m.ctx.Done():
		delay.Stop()
		return
	case <-delay.C:
	}
	m.SweepNow(m.ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.SweepNow(m.ctx)
		}
	}
}

func (m *Manager) compactLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.CompactNow(m.ctx); err != nil {
				m.logger.Error("Journal compaction failed", logging.Fields{"error": err})
			}
		}
	}
}

// SweepNow deletes every finished job older than the retention period and
// returns how many were removed
func (m *Manager) SweepNow(ctx context.Context) int {
	start := m.now()
	cutoff := start.Add(-m.config.Retention)

	deleted, failed := 0, 0
	for _, job := range m.registry.List() {
		if ctx.Err() != nil {
			break
		}
		if !models.IsTerminalState(job.Status) || !job.ReferenceTime().Before(cutoff) {
			continue
		}
		if err := m.remove(ctx, job.ID); err != nil {
			failed++
			m.logger.Warn("Failed to expire job, retrying next cycle", logging.Fields{"job_id": job.ID, "error": err})
			continue
		}
		deleted++
	}

	duration := m.now().Sub(start)
	m.mu.Lock()
	m.stats.LastSweepTime = start
	m.stats.LastSweepDuration = duration
	m.stats.TotalJobsDeleted += int64(deleted)
	m.stats.TotalFailures += int64(failed)
	m.mu.Unlock()
	m.metrics.SweepResult(deleted, failed)

	if deleted > 0 || failed > 0 {
		m.logger.Info("Sweep complete", logging.Fields{"deleted": deleted, "failed": failed, "duration": duration.String()})
	}
	return deleted
}

// remove deletes artifacts first and the record only once they are gone
func (m *Manager) remove(ctx context.Context, id string) error {
	err := retry.Do(ctx, m.config.Retry, func() error {
		return m.artifacts.Remove(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("remove artifacts: %w", err)
	}
	if _, err := m.registry.Delete(id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// DeleteNow removes a job immediately. Waiting jobs are cancelled first; a
// job that is processing is refused with models.ErrJobActive.
func (m *Manager) DeleteNow(ctx context.Context, id string) error {
	job, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	if models.IsActiveState(job.Status) {
		if job.Status == models.JobStatusProcessing {
			return models.ErrJobActive
		}
		if m.canceller != nil {
			if _, err := m.canceller.Cancel(id); err != nil {
				return fmt.Errorf("cancel before delete: %w", err)
			}
		}
		if job, err = m.registry.Get(id); err != nil {
			return err
		}
		if models.IsActiveState(job.Status) {
			return models.ErrJobActive
		}
	}

	if err := m.remove(ctx, id); err != nil {
		m.mu.Lock()
		m.stats.TotalFailures++
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.stats.TotalJobsDeleted++
	m.mu.Unlock()
	m.logger.Info("Job deleted", logging.Fields{"job_id": id})
	return nil
}

// CompactNow rewrites the journal if one is configured
func (m *Manager) CompactNow(ctx context.Context) error {
	if m.compactor == nil {
		return nil
	}
	start := m.now()
	n, err := m.compactor.Compact(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.stats.LastCompactionTime = start
	m.stats.TotalCompactions++
	m.stats.LastCompactedJobCount = n
	m.mu.Unlock()

	m.logger.Info("Journal compacted", logging.Fields{"jobs": n, "duration": m.now().Sub(start).String()})
	return nil
}

// Stats returns current cleanup statistics
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
