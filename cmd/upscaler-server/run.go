package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/api"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/artifact"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/auth"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/cache"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/config"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/engine"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/metrics"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/ratelimit"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/service"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/shutdown"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/store"
	tlsutil "github.com/RuthlessXdream/anime-image-upscaler-api/pkg/tls"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/tracing"
)

const (
	limiterSweepInterval = time.Minute
	limiterIdleTimeout   = 10 * time.Minute
)

type options struct {
	generateCert    bool
	certHosts       []string
	metricsSnapshot string
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Info("Starting upscaler server", logging.Fields{
		"version":   version,
		"addr":      cfg.Server.Addr,
		"data_dir":  cfg.Storage.DataDir,
		"engine":    cfg.Engine.Command,
		"tls":       cfg.Server.TLS.Enabled,
		"log_level": logger.Level().String(),
	})

	sd := shutdown.New(cfg.Server.ShutdownTimeout, logger)
	// stops whatever already started when wiring fails
	abort := func(err error) error {
		return errors.Join(err, sd.Shutdown())
	}

	tracer, err := tracing.InitTracer(cfg.TracingConfig(version), logger)
	if err != nil {
		return abort(err)
	}
	sd.Register("tracer", tracer.Shutdown)

	files, err := artifact.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		return abort(err)
	}

	var journal *store.Journal
	if cfg.Storage.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.JournalPath), 0755); err != nil {
			return abort(fmt.Errorf("failed to create journal directory: %w", err))
		}
		journal, err = store.OpenJournal(cfg.Storage.JournalPath, logger)
		if err != nil {
			return abort(err)
		}
		sd.Register("journal", shutdown.CloseResource(journal))
		logger.Info("Job journal enabled", logging.Fields{"path": cfg.Storage.JournalPath})
	}

	var observers []store.Observer
	if cfg.Redis.URL != "" {
		mirror, err := cache.NewMirror(cfg.Redis.URL, cfg.Redis.TTL, logger)
		if err != nil {
			return abort(err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := mirror.Ping(pingCtx); err != nil {
			logger.Warn("Redis not reachable, status mirror will retry", logging.Fields{"error": err})
		}
		cancel()
		mirror.Start()
		sd.Register("redis mirror", mirror.Stop)
		observers = append(observers, mirror)
	}

	m := metrics.New()
	if opts.metricsSnapshot != "" {
		// registered before the service so it runs after the service drains
		sd.Register("metrics snapshot", writeMetricsSnapshot(m, opts.metricsSnapshot))
	}
	svc, err := service.New(cfg.ServiceConfig(version), service.Deps{
		Engine:    engine.NewCommandEngine(cfg.CommandConfig(), nil, logger),
		Artifacts: files,
		Journal:   journal,
		Metrics:   m,
		Tracer:    tracer,
		Observers: observers,
		Logger:    logger,
	})
	if err != nil {
		return abort(err)
	}
	if err := svc.Start(ctx); err != nil {
		return abort(err)
	}
	sd.Register("job service", svc.Stop)

	keys, err := auth.NewKeySet(cfg.Auth.APIKeyHashes)
	if err != nil {
		return abort(err)
	}
	if !keys.Enabled() {
		logger.Warn("No API keys configured, /v1 is open to every client")
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.RPS > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		stop := make(chan struct{})
		go func() {
			ticker := time.NewTicker(limiterSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					limiter.Cleanup(limiterIdleTimeout)
				}
			}
		}()
		sd.Register("rate limiter", func(context.Context) error {
			close(stop)
			return nil
		})
	}

	handler := api.NewHandler(svc, api.Config{
		MaxUploadSize: cfg.Admission.MaxFileSize,
		Keys:          keys,
		Limiter:       limiter,
		Metrics:       m,
		Tracer:        tracer,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	tlsCfg := cfg.Server.TLS
	if tlsCfg.Enabled {
		if opts.generateCert {
			created, err := tlsutil.EnsureSelfSigned(tlsCfg.CertFile, tlsCfg.KeyFile, "upscaler", opts.certHosts...)
			if err != nil {
				return abort(err)
			}
			if created {
				logger.Info("Generated self-signed certificate", logging.Fields{"cert": tlsCfg.CertFile, "key": tlsCfg.KeyFile})
			}
		}
		srv.TLSConfig, err = tlsutil.ServerConfig(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.CAFile, tlsCfg.RequireClientCert)
		if err != nil {
			return abort(err)
		}
	}
	sd.Register("http server", shutdown.StopHTTPServer(srv))

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info("Listening", logging.Fields{"addr": cfg.Server.Addr})

	go sd.Wait(ctx)

	var runErr error
	select {
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
			logger.Error("HTTP server failed", logging.Fields{"error": err})
		}
	case <-sd.Done():
	}

	return errors.Join(runErr, sd.Shutdown())
}

// writeMetricsSnapshot returns a shutdown hook that writes the final metric
// values to path in the Prometheus text format
func writeMetricsSnapshot(m *metrics.Metrics, path string) func(context.Context) error {
	return func(context.Context) error {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create metrics snapshot directory: %w", err)
		}
		tmp := path + ".tmp"
		f, err := os.Create(tmp)
		if err != nil {
			return fmt.Errorf("failed to create metrics snapshot: %w", err)
		}
		if err := m.WriteText(f); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("failed to write metrics snapshot: %w", err)
		}
		return os.Rename(tmp, path)
	}
}
