package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile      string
		printConfig  bool
		generateCert bool
		certHosts    string
		metricsFile  string
	)

	cmd := &cobra.Command{
		Use:          "upscaler-server",
		Short:        "Anime image upscaler job server",
		Long:         `upscaler-server accepts images over HTTP, runs them through the upscaling engine with bounded concurrency and serves the results until they expire.`,
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			if printConfig {
				return cfg.Write(cmd.OutOrStdout())
			}
			return run(cmd.Context(), cfg, options{
				generateCert:    generateCert,
				certHosts:       splitList(certHosts),
				metricsSnapshot: metricsFile,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./upscaler.yaml or /etc/upscaler/upscaler.yaml)")
	flags.BoolVar(&printConfig, "print-config", false, "print the effective configuration as YAML and exit")
	flags.BoolVar(&generateCert, "generate-cert", false, "generate a self-signed certificate when TLS is enabled and the files are missing")
	flags.StringVar(&metricsFile, "metrics-snapshot", "", "write the final metric values to this file on shutdown")
	flags.StringVar(&certHosts, "cert-hosts", "", "comma-separated IPs and hostnames to add to a generated certificate")

	flags.String("addr", ":8000", "listen address")
	flags.String("data-dir", "./data", "directory for uploaded and processed images")
	flags.String("journal", "./data/journal.db", "SQLite journal path, empty to disable")
	flags.Int("max-workers", 0, "concurrent engine calls, 0 detects from the GPU")
	flags.Duration("task-timeout", 0, "ceiling for a single engine call")
	flags.String("engine", "realesrgan-ncnn-vulkan", "engine binary")
	flags.Int("gpu-id", 0, "GPU index passed to the engine, -1 for CPU")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("log-json", false, "log as JSON lines")
	flags.String("redis-url", "", "mirror job status to this Redis server")
	flags.Bool("tls", false, "serve HTTPS")

	return cmd
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
