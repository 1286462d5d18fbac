package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dudu/facelive/internal/enhancer"
	"github.com/dudu/facelive/internal/inference"
	"github.com/dudu/facelive/internal/observe"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config holding only defaults. It does not validate,
// since model paths have no default.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Inference
	if _, err := inference.ParseBackend(cfg.Inference.Backend); err != nil {
		errs = append(errs, fmt.Errorf("inference.backend: %w", err))
	}
	if cfg.Inference.StallTimeout < 0 {
		errs = append(errs, fmt.Errorf("inference.stall_timeout %v must not be negative", cfg.Inference.StallTimeout))
	}

	// Models
	for _, m := range []struct{ key, path string }{
		{"models.detector", cfg.Models.Detector},
		{"models.encoder", cfg.Models.Encoder},
		{"models.swapper", cfg.Models.Swapper},
	} {
		if m.path == "" {
			errs = append(errs, fmt.Errorf("%s is required", m.key))
		}
	}
	if e := cfg.Models.Enhancer; e.Model != "" {
		kind, err := enhancer.ParseKind(e.Kind)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("models.enhancer.kind: %w", err))
		case kind == enhancer.KindGPEN && e.Size != 256 && e.Size != 512:
			errs = append(errs, fmt.Errorf("models.enhancer.size %d must be 256 or 512 for gpen", e.Size))
		case kind != enhancer.KindGPEN && e.Size != 512:
			errs = append(errs, fmt.Errorf("models.enhancer.size %d must be 512 for %s", e.Size, kind))
		}
	}

	// Detection
	if cfg.Detection.InputSize <= 0 || cfg.Detection.InputSize%32 != 0 {
		errs = append(errs, fmt.Errorf("detection.input_size %d must be a positive multiple of 32", cfg.Detection.InputSize))
	}
	errs = appendRange(errs, "detection.threshold", cfg.Detection.Threshold, 0, 1)
	errs = appendRange(errs, "detection.nms_threshold", cfg.Detection.NMSThreshold, 0, 1)

	// Tracking
	if cfg.Tracking.MatchRadius <= 0 {
		errs = append(errs, fmt.Errorf("tracking.match_radius %.1f must be positive", cfg.Tracking.MatchRadius))
	}
	if cfg.Tracking.MaxTrackAge < 0 {
		errs = append(errs, fmt.Errorf("tracking.max_track_age %d must not be negative", cfg.Tracking.MaxTrackAge))
	}
	errs = appendRange(errs, "tracking.smoothing", cfg.Tracking.Smoothing, 0, 1)
	if cfg.Tracking.DetectInterval < 1 {
		errs = append(errs, fmt.Errorf("tracking.detect_interval %d must be at least 1", cfg.Tracking.DetectInterval))
	}

	// Compositing
	errs = appendRange(errs, "compositing.blend_strength", cfg.Compositing.BlendStrength, 0, 1)
	if cfg.Compositing.Feather < 1 {
		errs = append(errs, fmt.Errorf("compositing.feather %d must be at least 1", cfg.Compositing.Feather))
	}
	errs = appendRange(errs, "compositing.sharpen", cfg.Compositing.Sharpen, 0, 2)

	// Pipeline
	if cfg.Pipeline.TargetFPS < 0 {
		errs = append(errs, fmt.Errorf("pipeline.target_fps %.1f must not be negative", cfg.Pipeline.TargetFPS))
	}
	if cfg.Pipeline.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("pipeline.queue_capacity %d must be at least 1", cfg.Pipeline.QueueCapacity))
	}
	if cfg.Pipeline.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.poll_interval %v must be positive", cfg.Pipeline.PollInterval))
	}
	if cfg.Pipeline.DrainGrace <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.drain_grace %v must be positive", cfg.Pipeline.DrainGrace))
	}

	// Capture
	if cfg.Capture.Width < 0 || cfg.Capture.Height < 0 {
		errs = append(errs, fmt.Errorf("capture size %dx%d must not be negative", cfg.Capture.Width, cfg.Capture.Height))
	}

	// Observe
	if _, err := observe.ParseLevel(cfg.Observe.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("observe.log_level: %w", err))
	}
	switch cfg.Observe.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("observe.log_format %q is invalid; valid values: text, json", cfg.Observe.LogFormat))
	}

	return errors.Join(errs...)
}

func appendRange(errs []error, key string, v, lo, hi float32) []error {
	if v < lo || v > hi {
		return append(errs, fmt.Errorf("%s %.2f is out of range [%g, %g]", key, v, lo, hi))
	}
	return errs
}
