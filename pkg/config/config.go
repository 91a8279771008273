// Package config loads the server configuration from defaults, a YAML file,
// UPSCALER_* environment variables and command-line flags, in that order of
// precedence from lowest to highest.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "UPSCALER"

// Config is the complete server configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Admission AdmissionConfig `mapstructure:"admission" yaml:"admission"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup" yaml:"cleanup"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	TLS             TLSConfig     `mapstructure:"tls" yaml:"tls"`
}

type TLSConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile          string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile           string `mapstructure:"key_file" yaml:"key_file"`
	CAFile            string `mapstructure:"ca_file" yaml:"ca_file"`
	RequireClientCert bool   `mapstructure:"require_client_cert" yaml:"require_client_cert"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// JournalPath enables the SQLite journal; empty keeps the registry in
	// memory only
	JournalPath string `mapstructure:"journal_path" yaml:"journal_path"`
}

type AdmissionConfig struct {
	MaxFileSize    int64    `mapstructure:"max_file_size" yaml:"max_file_size"`
	AllowedFormats []string `mapstructure:"allowed_formats" yaml:"allowed_formats"`
	DefaultScale   float64  `mapstructure:"default_scale" yaml:"default_scale"`
}

type SchedulerConfig struct {
	// MaxWorkers overrides capacity detection when positive
	MaxWorkers      int           `mapstructure:"max_workers" yaml:"max_workers"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	ProgressRefresh time.Duration `mapstructure:"progress_refresh" yaml:"progress_refresh"`
}

type CleanupConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Retention       time.Duration `mapstructure:"retention" yaml:"retention"`
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	CompactInterval time.Duration `mapstructure:"compact_interval" yaml:"compact_interval"`
}

type EngineConfig struct {
	Command         string       `mapstructure:"command" yaml:"command"`
	Args            []string     `mapstructure:"args" yaml:"args"`
	ModelDir        string       `mapstructure:"model_dir" yaml:"model_dir"`
	Model           string       `mapstructure:"model" yaml:"model"`
	GPUID           int          `mapstructure:"gpu_id" yaml:"gpu_id"`
	WorkDir         string       `mapstructure:"work_dir" yaml:"work_dir"`
	MemoryPerJobMiB float64      `mapstructure:"memory_per_job_mib" yaml:"memory_per_job_mib"`
	Cgroup          CgroupConfig `mapstructure:"cgroup" yaml:"cgroup"`
}

// CgroupConfig limits every engine process. Zero values leave the limit unset.
type CgroupConfig struct {
	CPUMax       string `mapstructure:"cpu_max" yaml:"cpu_max"`
	CPUWeight    int    `mapstructure:"cpu_weight" yaml:"cpu_weight"`
	MemoryMaxMiB int64 `mapstructure:"memory_max_mib" yaml:"memory_max_mib"`
}

type AuthConfig struct {
	APIKeyHashes []string `mapstructure:"api_key_hashes" yaml:"api_key_hashes"`
}

type RateLimitConfig struct {
	// RPS is the per-client submission rate; zero disables limiting
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

type RedisConfig struct {
	// URL enables the status mirror when set
	URL string        `mapstructure:"url" yaml:"url"`
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	// File, when set, names a log file under /var/log/upscaler or ./logs
	File string `mapstructure:"file" yaml:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "certs/server.crt")
	v.SetDefault("server.tls.key_file", "certs/server.key")
	v.SetDefault("server.tls.ca_file", "")
	v.SetDefault("server.tls.require_client_cert", false)

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.journal_path", "./data/journal.db")

	v.SetDefault("admission.max_file_size", 50<<20)
	v.SetDefault("admission.allowed_formats", []string{"jpg", "jpeg", "png", "bmp", "tiff", "webp"})
	v.SetDefault("admission.default_scale", 4.0)

	v.SetDefault("scheduler.max_workers", 0)
	v.SetDefault("scheduler.task_timeout", 10*time.Minute)
	v.SetDefault("scheduler.progress_refresh", 2*time.Second)

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.retention", 24*time.Hour)
	v.SetDefault("cleanup.interval", time.Hour)
	v.SetDefault("cleanup.compact_interval", 24*time.Hour)

	v.SetDefault("engine.command", "realesrgan-ncnn-vulkan")
	v.SetDefault("engine.args", []string{})
	v.SetDefault("engine.model_dir", "")
	v.SetDefault("engine.model", "realesrgan-x4plus-anime")
	v.SetDefault("engine.gpu_id", 0)
	v.SetDefault("engine.work_dir", "")
	v.SetDefault("engine.memory_per_job_mib", 0.0)
	v.SetDefault("engine.cgroup.cpu_max", "")
	v.SetDefault("engine.cgroup.cpu_weight", 0)
	v.SetDefault("engine.cgroup.memory_max_mib", 0)

	v.SetDefault("auth.api_key_hashes", []string{})

	v.SetDefault("ratelimit.rps", 2.0)
	v.SetDefault("ratelimit.burst", 10)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "upscaler")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
}

// FlagKeys maps command-line flag names to configuration keys
var FlagKeys = map[string]string{
	"addr":         "server.addr",
	"data-dir":     "storage.data_dir",
	"journal":      "storage.journal_path",
	"max-workers":  "scheduler.max_workers",
	"task-timeout": "scheduler.task_timeout",
	"engine":       "engine.command",
	"gpu-id":       "engine.gpu_id",
	"log-level":    "log.level",
	"log-json":     "log.json",
	"redis-url":    "redis.url",
	"tls":          "server.tls.enabled",
}

// Load reads the configuration. path may be empty to search ./upscaler.yaml
// and /etc/upscaler/upscaler.yaml; a missing file is then not an error.
// flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("upscaler")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/upscaler")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "fatal": true}

// Validate rejects values the server cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr must not be empty")
	check(c.Server.ReadTimeout >= 0 && c.Server.WriteTimeout >= 0, "server timeouts must not be negative")
	check(!c.Server.TLS.Enabled || (c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile != ""), "server.tls requires cert_file and key_file")
	check(!c.Server.TLS.RequireClientCert || c.Server.TLS.CAFile != "", "server.tls.require_client_cert needs ca_file")
	check(c.Storage.DataDir != "", "storage.data_dir must not be empty")
	check(c.Admission.MaxFileSize > 0, "admission.max_file_size must be positive")
	check(c.Admission.DefaultScale >= 1 && c.Admission.DefaultScale <= 8, "admission.default_scale must be between 1 and 8, got %v", c.Admission.DefaultScale)
	check(c.Scheduler.MaxWorkers >= 0, "scheduler.max_workers must not be negative")
	check(c.Scheduler.TaskTimeout >= 0, "scheduler.task_timeout must not be negative")
	check(c.Scheduler.ProgressRefresh > 0, "scheduler.progress_refresh must be positive")
	if c.Cleanup.Enabled {
		check(c.Cleanup.Retention > 0, "cleanup.retention must be positive")
		check(c.Cleanup.Interval > 0, "cleanup.interval must be positive")
	}
	check(c.Cleanup.CompactInterval >= 0, "cleanup.compact_interval must not be negative")
	check(c.Engine.Command != "", "engine.command must not be empty")
	check(c.Engine.GPUID >= -1, "engine.gpu_id must be -1 (cpu) or a device index")
	check(c.Engine.MemoryPerJobMiB >= 0, "engine.memory_per_job_mib must not be negative")
	check(c.Engine.Cgroup.MemoryMaxMiB >= 0, "engine.cgroup.memory_max_mib must not be negative")
	check(c.Engine.Cgroup.CPUWeight >= 0 && c.Engine.Cgroup.CPUWeight <= 10000, "engine.cgroup.cpu_weight must be between 1 and 10000")
	check(c.RateLimit.RPS >= 0, "ratelimit.rps must not be negative")
	check(c.RateLimit.RPS == 0 || c.RateLimit.Burst >= 1, "ratelimit.burst must be at least 1")
	check(!c.Tracing.Enabled || c.Tracing.Endpoint != "", "tracing.endpoint is required when tracing is enabled")
	check(c.Tracing.SampleRate >= 0 && c.Tracing.SampleRate <= 1, "tracing.sample_rate must be between 0 and 1")
	check(c.Redis.TTL >= 0, "redis.ttl must not be negative")
	check(logLevels[strings.ToLower(c.Log.Level)], "log.level %q is not one of debug, info, warn, error", c.Log.Level)

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Write renders the configuration as YAML with secrets redacted
func (c *Config) Write(w io.Writer) error {
	out := *c
	if n := len(out.Auth.APIKeyHashes); n > 0 {
		out.Auth.APIKeyHashes = []string{fmt.Sprintf("<%d redacted>", n)}
	}
	out.Redis.URL = redactURL(out.Redis.URL)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://<redacted>@" + rest[at+1:]
	}
	return raw
}
