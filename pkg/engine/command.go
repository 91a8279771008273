package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/RuthlessXdream/anime-image-upscaler-api/internal/cgroups"
	"github.com/RuthlessXdream/anime-image-upscaler-api/internal/imageinfo"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/capacity"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
)

// DefaultArgs matches the realesrgan-ncnn-vulkan command line
var DefaultArgs = []string{"-i", "{input}", "-o", "{output}", "-s", "{scale}", "-t", "{tile}", "-n", "{model}", "-g", "{gpu}"}

// CommandConfig configures an engine backed by an external binary
type CommandConfig struct {
	// Binary is looked up in PATH on Load
	Binary string
	// Args may use {input} {output} {scale} {tile} {model} {gpu}
	Args []string
	// ModelDir, when set, must exist for Load to succeed
	ModelDir string
	// Model is used when a job does not name one
	Model string
	GPUID int
	// WorkDir holds per-call temp files; empty uses the system temp dir
	WorkDir string
	// Limits constrain each engine process through cgroups
	Limits cgroups.Limits
}

// CommandEngine runs one engine process per Enhance call
type CommandEngine struct {
	config  CommandConfig
	prober  capacity.Prober
	cgroups *cgroups.Manager
	logger  *logging.Logger
	ready   atomic.Bool
	path    atomic.Value // resolved binary path
	calls   atomic.Int64
}

// NewCommandEngine creates an engine; it is not ready until Load succeeds.
// A nil logger discards output.
func NewCommandEngine(config CommandConfig, prober capacity.Prober, logger *logging.Logger) *CommandEngine {
	if len(config.Args) == 0 {
		config.Args = DefaultArgs
	}
	if prober == nil {
		prober = capacity.NewNvidiaSMI(config.GPUID)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	e := &CommandEngine{config: config, prober: prober, logger: logger.Named("command-engine")}
	if !config.Limits.IsZero() {
		e.cgroups = cgroups.New(cgroups.DefaultRoot, "upscaler")
	}
	return e
}

// Load resolves the binary and checks the model directory
func (e *CommandEngine) Load(ctx context.Context) error {
	path, err := exec.LookPath(e.config.Binary)
	if err != nil {
		e.ready.Store(false)
		return fmt.Errorf("engine binary %q: %w", e.config.Binary, err)
	}
	if e.config.ModelDir != "" {
		if _, err := os.Stat(e.config.ModelDir); err != nil {
			e.ready.Store(false)
			return fmt.Errorf("model directory: %w", err)
		}
	}
	e.path.Store(path)
	e.ready.Store(true)
	return nil
}

// Unload marks the engine unavailable
func (e *CommandEngine) Unload(ctx context.Context) error {
	e.ready.Store(false)
	return nil
}

// IsReady reports whether Load succeeded
func (e *CommandEngine) IsReady() bool {
	return e.ready.Load()
}

// DeviceCapacity reports the configured GPU
func (e *CommandEngine) DeviceCapacity(ctx context.Context) (capacity.Device, error) {
	return e.prober.DeviceCapacity(ctx)
}

// Describe reports the engine configuration
func (e *CommandEngine) Describe() map[string]interface{} {
	binary, _ := e.path.Load().(string)
	return map[string]interface{}{
		"binary":    binary,
		"model":     e.config.Model,
		"model_dir": e.config.ModelDir,
		"gpu_id":    e.config.GPUID,
		"calls":     e.calls.Load(),
	}
}

// Enhance writes the image to a temp dir, runs the binary and reads the result
func (e *CommandEngine) Enhance(ctx context.Context, image []byte, params models.ProcessingParams) ([]byte, Metadata, error) {
	if !e.ready.Load() {
		return nil, Metadata{}, models.ErrEngineNotReady
	}
	e.calls.Add(1)
	start := time.Now()

	ext := "png"
	if info, err := imageinfo.Probe(image); err == nil {
		ext = info.Extension()
	}

	dir, err := os.MkdirTemp(e.config.WorkDir, "enhance-*")
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input."+ext)
	output := filepath.Join(dir, "output.png")
	if err := os.WriteFile(input, image, 0o600); err != nil {
		return nil, Metadata{}, fmt.Errorf("write engine input: %w", err)
	}

	model := params.Model
	if model == "" {
		model = e.config.Model
	}
	args := expandArgs(e.config.Args, map[string]string{
		"input":  input,
		"output": output,
		"scale":  strconv.FormatFloat(params.Scale, 'f', -1, 64),
		"tile":   strconv.Itoa(params.TileSize),
		"model":  model,
		"gpu":    strconv.Itoa(e.config.GPUID),
	})

	binary, _ := e.path.Load().(string)
	if err := e.run(ctx, binary, args); err != nil {
		return nil, Metadata{}, err
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("engine produced no output: %w", err)
	}

	meta := Metadata{Duration: time.Since(start)}
	if info, err := imageinfo.Probe(data); err == nil {
		meta.Format = info.Extension()
		meta.Width = info.Width
		meta.Height = info.Height
	}
	return data, meta, nil
}

func (e *CommandEngine) run(ctx context.Context, binary string, args []string) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if e.cgroups != nil {
		defer e.confine(cmd.Process.Pid)()
	}

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && msg != "" {
			return fmt.Errorf("engine exited with code %d: %s", exitErr.ExitCode(), lastLine(msg))
		}
		return fmt.Errorf("engine failed: %w", err)
	}
	return nil
}

// confine places the process in its own cgroup. Failures leave the process
// unconstrained and are only logged. The returned func removes the cgroup.
func (e *CommandEngine) confine(pid int) (release func()) {
	release = func() {}
	fields := logging.Fields{"pid": pid}

	path, err := e.cgroups.Create(fmt.Sprintf("enhance-%d", pid))
	if err != nil {
		fields["error"] = err
		e.logger.Warn("Failed to create engine cgroup", fields)
		return release
	}
	if path == "" {
		return release
	}
	fields["cgroup"] = path
	release = func() {
		if err := e.cgroups.Delete(path); err != nil {
			e.logger.Warn("Failed to remove engine cgroup", logging.Fields{"cgroup": path, "error": err})
		}
	}

	if err := e.cgroups.Apply(path, e.config.Limits); err != nil {
		fields["error"] = err
		e.logger.Warn("Failed to apply engine cgroup limits", fields)
		return release
	}
	if err := e.cgroups.Join(path, pid); err != nil {
		fields["error"] = err
		e.logger.Warn("Failed to join engine cgroup", fields)
	}
	return release
}

func expandArgs(args []string, values map[string]string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		for k, v := range values {
			arg = strings.ReplaceAll(arg, "{"+k+"}", v)
		}
		out[i] = arg
	}
	return out
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
