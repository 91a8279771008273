// Package shutdown runs registered stop hooks in reverse order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
)

// Hook stops one component
type Hook struct {
	Name string
	Fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	mu       sync.Mutex
	hooks    []Hook
	timeout  time.Duration
	logger   *logging.Logger
	doneChan chan struct{}
	once     sync.Once
}

// New creates a shutdown manager whose hooks share one timeout
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	return &Manager{
		timeout:  timeout,
		logger:   logger.Named("shutdown"),
		doneChan: make(chan struct{}),
	}
}

// Register adds a named hook. Hooks run in reverse registration order.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Fn: fn})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Wait blocks until SIGINT or SIGTERM, or until ctx ends
func (m *Manager) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal, initiating graceful shutdown", logging.Fields{"signal": sig.String()})
	case <-ctx.Done():
		m.logger.Info("Context ended, initiating graceful shutdown")
	}
	m.once.Do(func() { close(m.doneChan) })
}

// Shutdown runs every hook once and returns their joined errors
func (m *Manager) Shutdown() error {
	m.once.Do(func() { close(m.doneChan) })

	m.mu.Lock()
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.Fn(ctx); err != nil {
			m.logger.Error("Shutdown hook failed", logging.Fields{"hook": h.Name, "error": err})
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		m.logger.Info("Stopped", logging.Fields{"hook": h.Name, "took": time.Since(start).String()})
	}

	m.logger.Info("Graceful shutdown complete")
	return errors.Join(errs...)
}

// StopHTTPServer creates a hook for an http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
		return nil
	}
}

// CloseResource creates a hook for an io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}
