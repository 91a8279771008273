// Package scheduler runs admitted jobs on a bounded pool of workers in
// submission order.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/artifact"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/engine"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/metrics"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/progress"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/store"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/tracing"
)

// Enhancer is the part of the engine the workers call
type Enhancer interface {
	Enhance(ctx context.Context, image []byte, params models.ProcessingParams) ([]byte, engine.Metadata, error)
}

// Artifacts is the part of the artifact store the workers use
type Artifacts interface {
	Get(ctx context.Context, desc models.ArtifactDescriptor) ([]byte, error)
	Put(ctx context.Context, id string, kind artifact.Kind, format string, data []byte) (models.ArtifactDescriptor, error)
	Discard(ctx context.Context, desc models.ArtifactDescriptor) error
}

// Config tunes the pool
type Config struct {
	// Capacity is the number of concurrent engine calls
	Capacity int
	// TaskTimeout bounds a single engine call; zero means no ceiling
	TaskTimeout time.Duration
	// ProgressRefresh is the ETA refresh interval while a job runs
	ProgressRefresh time.Duration
}

// Pool dispatches jobs FIFO to a fixed number of worker goroutines
type Pool struct {
	config    Config
	registry  store.Registry
	artifacts Artifacts
	engine    Enhancer
	metrics   *metrics.Metrics
	tracer    *tracing.Provider
	logger    *logging.Logger
	now       func() time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []string
	capacity int
	workers  int
	inFlight int
	active   map[string]context.CancelFunc
	running  bool
	stopping bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures optional pool collaborators
type Option func(*Pool)

// WithMetrics records pool activity
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithTracer wraps each job execution in a span
func WithTracer(t *tracing.Provider) Option {
	return func(p *Pool) { p.tracer = t }
}

// NewPool creates a stopped pool
func NewPool(config Config, registry store.Registry, artifacts Artifacts, enhancer Enhancer, logger *logging.Logger, opts ...Option) *Pool {
	if config.Capacity < 1 {
		config.Capacity = 1
	}
	if config.ProgressRefresh <= 0 {
		config.ProgressRefresh = progress.DefaultRefreshInterval
	}
	p := &Pool{
		config:    config,
		registry:  registry,
		artifacts: artifacts,
		engine:    enhancer,
		logger:    logger.Named("scheduler"),
		now:       time.Now,
		capacity:  config.Capacity,
		active:    make(map[string]context.CancelFunc),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopping = false
	p.baseCtx, p.baseCancel = context.WithCancel(context.WithoutCancel(ctx))

	p.logger.Info("Worker pool starting", logging.Fields{"capacity": p.capacity})
	p.spawnLocked()
	p.publishLocked()
}

func (p *Pool) spawnLocked() {
	for p.workers < p.capacity {
		p.workers++
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop stops dispatching and waits for running jobs. When ctx ends first the
// running jobs are cancelled and recorded as failed. Jobs still waiting stay
// pending or queued.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopping = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.logger.Info("Worker pool stopping")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("Worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("Worker pool shutdown timed out, cancelling active jobs")
		p.baseCancel()
		<-done
		err = fmt.Errorf("stop worker pool: %w", ctx.Err())
	}
	p.baseCancel()
	return err
}

// Enqueue hands an admitted job to the pool. If no worker will be free for it
// the job is marked queued before this returns.
func (p *Pool) Enqueue(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return models.ErrPoolStopped
	}

	if p.inFlight+len(p.queue) >= p.capacity {
		job, err := p.registry.Update(id, func(j *models.Job) error {
			if j.Status != models.JobStatusPending {
				return nil
			}
			if err := j.Transition(models.JobStatusQueued, "no free worker slot", p.now()); err != nil {
				return err
			}
			j.Message = "Waiting for a free worker"
			j.CurrentStep = "Queued"
			return nil
		})
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
		// cancelled between admission and enqueue
		if models.IsTerminalState(job.Status) {
			return nil
		}
	}

	p.queue = append(p.queue, id)
	p.cond.Signal()
	p.publishLocked()
	return nil
}

// Cancel stops a job. Waiting jobs are cancelled at once; a running job is
// flagged and its engine call cancelled, and it becomes cancelled when the
// call returns. It reports false for a job that already finished.
func (p *Pool) Cancel(id string) (bool, error) {
	job, err := p.registry.Get(id)
	if err != nil {
		return false, err
	}
	if models.IsTerminalState(job.Status) {
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cancel, ok := p.active[id]; ok {
		_, err := p.registry.Update(id, func(j *models.Job) error {
			if models.IsTerminalState(j.Status) {
				return nil
			}
			j.CancelRequested = true
			j.Message = "Cancellation requested"
			return nil
		})
		if err != nil {
			return false, err
		}
		cancel()
		p.logger.Info("Cancellation requested for running job", logging.Fields{"job_id": id})
		return true, nil
	}

	for i, queued := range p.queue {
		if queued == id {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	cancelled := false
	_, err = p.registry.Update(id, func(j *models.Job) error {
		if models.IsTerminalState(j.Status) {
			return nil
		}
		if err := j.Transition(models.JobStatusCancelled, "cancelled before start", p.now()); err != nil {
			return err
		}
		j.Message = "Cancelled"
		j.CurrentStep = "Cancelled"
		cancelled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		p.metrics.JobFinished(string(models.JobStatusCancelled), 0)
	}
	p.publishLocked()
	return cancelled, nil
}

// Resize changes the number of workers. Extra workers exit once idle; running
// jobs are never interrupted.
func (p *Pool) Resize(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == p.capacity {
		return
	}
	p.logger.Info("Resizing worker pool", logging.Fields{"from": p.capacity, "to": n})
	p.capacity = n
	if p.running {
		p.spawnLocked()
	}
	p.cond.Broadcast()
	p.publishLocked()
}

// QueueLength returns the number of jobs waiting for a worker
func (p *Pool) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Active returns the number of jobs holding a worker
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Capacity returns the configured number of workers
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// Position returns the 1-based queue position of a waiting job, or 0
func (p *Pool) Position(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, queued := range p.queue {
		if queued == id {
			return i + 1
		}
	}
	return 0
}

func (p *Pool) publishLocked() {
	p.metrics.PoolState(p.inFlight, len(p.queue), p.capacity)
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopping && p.workers <= p.capacity {
			p.cond.Wait()
		}
		if p.stopping || p.workers > p.capacity {
			p.workers--
			p.mu.Unlock()
			return
		}

		id := p.queue[0]
		p.queue = p.queue[1:]
		p.inFlight++
		ctx, cancel := context.WithCancel(p.baseCtx)
		p.active[id] = cancel
		p.publishLocked()
		p.mu.Unlock()

		p.execute(ctx, id)

		p.mu.Lock()
		delete(p.active, id)
		p.inFlight--
		p.publishLocked()
		p.mu.Unlock()
		cancel()
	}
}
