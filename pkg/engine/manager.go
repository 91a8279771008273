package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/capacity"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
)

// Manager owns the active engine. Every Enhance call holds the read side of
// a lock that Reload takes exclusively, so a reload waits for
// in-flight calls to return and new calls wait for the reload to finish.
type Manager struct {
	mu     sync.RWMutex
	engine Engine
	logger *logging.Logger

	stateMu    sync.Mutex
	reloads    int
	lastLoaded time.Time
	lastError  string
}

// Info is a snapshot of the manager state
type Info struct {
	Ready      bool                   `json:"ready"`
	Reloads    int                    `json:"reloads"`
	LastLoaded *time.Time             `json:"last_loaded,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// NewManager wraps an engine
func NewManager(e Engine, logger *logging.Logger) *Manager {
	return &Manager{engine: e, logger: logger.Named("engine")}
}

// Load loads the current engine if it needs loading
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx)
}

func (m *Manager) load(ctx context.Context) error {
	loader, ok := m.engine.(Loader)
	if !ok {
		m.recordLoad(nil)
		return nil
	}
	err := loader.Load(ctx)
	m.recordLoad(err)
	if err != nil {
		m.logger.Error("Engine load failed", logging.Fields{"error": err})
		return fmt.Errorf("engine load: %w", err)
	}
	m.logger.Info("Engine loaded")
	return nil
}

func (m *Manager) recordLoad(err error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if err != nil {
		m.lastError = err.Error()
		return
	}
	m.lastError = ""
	m.lastLoaded = time.Now()
}

// Enhance forwards to the active engine. Engine failures are wrapped in
// models.EngineError.
func (m *Manager) Enhance(ctx context.Context, image []byte, params models.ProcessingParams) ([]byte, Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.engine.IsReady() {
		return nil, Metadata{}, models.ErrEngineNotReady
	}

	out, meta, err := m.engine.Enhance(ctx, image, params)
	if err != nil {
		var engineErr *models.EngineError
		if errors.As(err, &engineErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, meta, err
		}
		return nil, meta, &models.EngineError{Err: err}
	}
	return out, meta, nil
}

// IsReady reports whether the active engine can accept work. It does not
// wait for a running reload.
func (m *Manager) IsReady() bool {
	if !m.mu.TryRLock() {
		return false
	}
	defer m.mu.RUnlock()
	return m.engine.IsReady()
}

// DeviceCapacity forwards to the active engine
func (m *Manager) DeviceCapacity(ctx context.Context) (capacity.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine.DeviceCapacity(ctx)
}

// Reload unloads and loads the active engine once in-flight calls drain
func (m *Manager) Reload(ctx context.Context) error {
	return m.exclusive(ctx, func() error {
		m.logger.Info("Reloading engine")
		if loader, ok := m.engine.(Loader); ok {
			if err := loader.Unload(ctx); err != nil {
				m.logger.Warn("Engine unload failed", logging.Fields{"error": err})
			}
		}
		err := m.load(ctx)
		m.stateMu.Lock()
		m.reloads++
		m.stateMu.Unlock()
		return err
	})
}

func (m *Manager) exclusive(ctx context.Context, fn func() error) error {
	acquired := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// The pending Lock still blocks new readers; release it once granted.
		go func() {
			<-acquired
			m.mu.Unlock()
		}()
		return fmt.Errorf("engine reload: waiting for in-flight jobs: %w", ctx.Err())
	}
	defer m.mu.Unlock()
	return fn()
}

// Info returns the current manager state
func (m *Manager) Info() Info {
	info := Info{Ready: m.IsReady()}

	m.stateMu.Lock()
	info.Reloads = m.reloads
	info.LastError = m.lastError
	if !m.lastLoaded.IsZero() {
		t := m.lastLoaded
		info.LastLoaded = &t
	}
	m.stateMu.Unlock()

	if m.mu.TryRLock() {
		if d, ok := m.engine.(Describer); ok {
			info.Details = d.Describe()
		}
		m.mu.RUnlock()
	}
	return info
}
