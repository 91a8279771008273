// Package cache mirrors job status snapshots into Redis so other processes
// can read them without calling the API.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/store"
)

// DefaultPrefix namespaces every key written by the mirror
const DefaultPrefix = "upscaler:job:"

var _ store.Observer = (*Mirror)(nil)

// Mirror is a registry observer. Changes are coalesced per job and written
// by a background loop, so registry updates never wait on Redis.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]*models.JobView // nil marks a delete
	order   []string

	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMirror connects to the Redis server at redisURL
func NewMirror(redisURL string, ttl time.Duration, logger *logging.Logger) (*Mirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Mirror{
		client:  redis.NewClient(opts),
		ttl:     ttl,
		prefix:  DefaultPrefix,
		logger:  logger.Named("cache"),
		pending: make(map[string]*models.JobView),
		notify:  make(chan struct{}, 1),
	}, nil
}

// Key returns the Redis key of a job
func (m *Mirror) Key(id string) string {
	return m.prefix + id
}

// Ping checks the connection
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// JobChanged queues the new snapshot
func (m *Mirror) JobChanged(job models.Job) {
	view := job.View()
	m.queue(job.ID, &view)
}

// JobDeleted queues a delete
func (m *Mirror) JobDeleted(id string) {
	m.queue(id, nil)
}

func (m *Mirror) queue(id string, view *models.JobView) {
	m.mu.Lock()
	if _, ok := m.pending[id]; !ok {
		m.order = append(m.order, id)
	}
	m.pending[id] = view
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of jobs waiting to be written
func (m *Mirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Start runs the write loop until Stop
func (m *Mirror) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.notify:
				if err := m.Flush(ctx); err != nil && ctx.Err() == nil {
					m.logger.Warn("Redis mirror write failed", logging.Fields{"error": err})
				}
			}
		}
	}()
}

// Flush writes every queued change in one pipeline. Changes that fail are
// queued again unless a newer change for the same job arrived meanwhile.
func (m *Mirror) Flush(ctx context.Context) error {
	m.mu.Lock()
	batch, order := m.pending, m.order
	m.pending, m.order = make(map[string]*models.JobView), nil
	m.mu.Unlock()
	if len(order) == 0 {
		return nil
	}

	pipe := m.client.Pipeline()
	for _, id := range order {
		view := batch[id]
		if view == nil {
			pipe.Del(ctx, m.Key(id))
			continue
		}
		data, err := json.Marshal(view)
		if err != nil {
			m.logger.Error("Failed to encode job snapshot", logging.Fields{"job_id": id, "error": err})
			continue
		}
		pipe.Set(ctx, m.Key(id), data, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.requeue(batch, order)
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (m *Mirror) requeue(batch map[string]*models.JobView, order []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range order {
		if _, newer := m.pending[id]; newer {
			continue
		}
		m.pending[id] = batch[id]
		m.order = append(m.order, id)
	}
}

// Get reads a mirrored snapshot
func (m *Mirror) Get(ctx context.Context, id string) (models.JobView, bool, error) {
	data, err := m.client.Get(ctx, m.Key(id)).Bytes()
	if err == redis.Nil {
		return models.JobView{}, false, nil
	}
	if err != nil {
		return models.JobView{}, false, err
	}
	var view models.JobView
	if err := json.Unmarshal(data, &view); err != nil {
		return models.JobView{}, false, fmt.Errorf("decode %s: %w", m.Key(id), err)
	}
	return view, true, nil
}

// Stop ends the write loop, flushes what is left and closes the client
func (m *Mirror) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	err := m.Flush(ctx)
	if cerr := m.client.Close(); err == nil {
		err = cerr
	}
	return err
}
