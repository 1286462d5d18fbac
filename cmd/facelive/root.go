package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dudu/facelive/internal/config"
	"github.com/dudu/facelive/internal/observe"
)

// Version is the application version.
const Version = "0.1.0"

// flags override values from the config file when set.
type flags struct {
	configPath string
	backend    string
	device     string
	reference  string
	logLevel   string
	logFormat  string
	metrics    string
	fps        float64
	headless   bool
}

var opts flags

var rootCmd = &cobra.Command{
	Use:           "facelive",
	Short:         "Real-time face swapping for live video",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with a context cancelled on SIGINT or
// SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML config file")
	pf.StringVarP(&opts.backend, "backend", "b", "", "Execution backend: cpu, gpu or neural-engine")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")
}

// loadConfig reads the config file, applies flag overrides and validates
// the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}

	f := cmd.Flags()
	if f.Changed("backend") {
		cfg.Inference.Backend = opts.backend
	}
	if f.Changed("log-level") {
		cfg.Observe.LogLevel = opts.logLevel
	}
	if f.Changed("log-format") {
		cfg.Observe.LogFormat = opts.logFormat
	}
	if f.Lookup("device") != nil && f.Changed("device") {
		cfg.Capture.Device = opts.device
	}
	if f.Lookup("reference") != nil && f.Changed("reference") {
		cfg.Reference = opts.reference
	}
	if f.Lookup("metrics-addr") != nil && f.Changed("metrics-addr") {
		cfg.Observe.MetricsAddr = opts.metrics
	}
	if f.Lookup("fps") != nil && f.Changed("fps") {
		cfg.Pipeline.TargetFPS = opts.fps
	}
	if f.Lookup("headless") != nil && f.Changed("headless") {
		show := !opts.headless
		cfg.Capture.Display = &show
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	log, err := observe.NewLogger(os.Stderr, cfg.Observe.LogLevel, cfg.Observe.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	return log, nil
}
