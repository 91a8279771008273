package config

import (
	"github.com/RuthlessXdream/anime-image-upscaler-api/internal/cgroups"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/admission"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/capacity"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/cleanup"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/engine"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/scheduler"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/service"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/tracing"
)

// ServiceConfig converts the file settings into component settings
func (c *Config) ServiceConfig(version string) service.Config {
	cleanupCfg := cleanup.DefaultConfig()
	cleanupCfg.Enabled = c.Cleanup.Enabled
	cleanupCfg.Retention = c.Cleanup.Retention
	cleanupCfg.Interval = c.Cleanup.Interval
	cleanupCfg.CompactInterval = c.Cleanup.CompactInterval

	capacityCfg := capacity.DefaultConfig()
	capacityCfg.MaxWorkers = c.Scheduler.MaxWorkers
	capacityCfg.MemoryPerJobMiB = c.Engine.MemoryPerJobMiB

	formats := c.Admission.AllowedFormats
	if len(formats) == 0 {
		formats = admission.DefaultFormats
	}

	return service.Config{
		Admission: admission.Config{
			MaxFileSize:    c.Admission.MaxFileSize,
			AllowedFormats: formats,
			DefaultScale:   c.Admission.DefaultScale,
		},
		Scheduler: scheduler.Config{
			TaskTimeout:     c.Scheduler.TaskTimeout,
			ProgressRefresh: c.Scheduler.ProgressRefresh,
		},
		Capacity: capacityCfg,
		Cleanup:  cleanupCfg,
		Version:  version,
	}
}

// CommandConfig returns the settings of the external engine binary
func (c *Config) CommandConfig() engine.CommandConfig {
	return engine.CommandConfig{
		Binary:   c.Engine.Command,
		Args:     c.Engine.Args,
		ModelDir: c.Engine.ModelDir,
		Model:    c.Engine.Model,
		GPUID:    c.Engine.GPUID,
		WorkDir:  c.Engine.WorkDir,
		Limits: cgroups.Limits{
			CPUMax:    c.Engine.Cgroup.CPUMax,
			CPUWeight: c.Engine.Cgroup.CPUWeight,
			MemoryMax: c.Engine.Cgroup.MemoryMaxMiB << 20,
		},
	}
}

// TracingConfig returns the OpenTelemetry settings
func (c *Config) TracingConfig(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    c.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    "production",
		OTLPEndpoint:   c.Tracing.Endpoint,
		Enabled:        c.Tracing.Enabled,
		SampleRate:     c.Tracing.SampleRate,
	}
}

// Logger builds the process logger; a file logger when log.file is set
func (c *Config) Logger() (*logging.Logger, error) {
	level := logging.ParseLevel(c.Log.Level)
	if c.Log.File != "" {
		return logging.NewFileLogger(c.Log.File, level, c.Log.JSON)
	}
	return logging.NewLogger(level, c.Log.JSON), nil
}
