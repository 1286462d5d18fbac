// Package config defines the facelive configuration file and its
// defaults. A loaded Config is treated as an immutable snapshot for the
// lifetime of a run.
package config

import "time"

// Config is the root of the YAML configuration.
type Config struct {
	Inference   InferenceConfig   `yaml:"inference"`
	Models      ModelsConfig      `yaml:"models"`
	Detection   DetectionConfig   `yaml:"detection"`
	Tracking    TrackingConfig    `yaml:"tracking"`
	Compositing CompositingConfig `yaml:"compositing"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Capture     CaptureConfig     `yaml:"capture"`
	Observe     ObserveConfig     `yaml:"observe"`

	// Reference is an image whose face is used from startup. It may be
	// left empty and set later.
	Reference string `yaml:"reference"`
}

// InferenceConfig selects the execution provider.
type InferenceConfig struct {
	// Backend is one of cpu, gpu or neural-engine.
	Backend string `yaml:"backend"`
	// AllowCPUFallback runs on cpu when Backend cannot be attached.
	AllowCPUFallback bool `yaml:"allow_cpu_fallback"`
	// LibraryPath points at the onnxruntime shared library.
	LibraryPath string `yaml:"library_path"`
	// Serialize funnels all model calls through one inference worker.
	Serialize bool `yaml:"serialize"`
	// StallTimeout fails a model call that runs longer than this.
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// ModelsConfig lists model artifact paths.
type ModelsConfig struct {
	Detector string         `yaml:"detector"`
	Encoder  string         `yaml:"encoder"`
	Swapper  string         `yaml:"swapper"`
	Emap     string         `yaml:"emap"`
	Enhancer EnhancerConfig `yaml:"enhancer"`
}

// EnhancerConfig configures the optional face restoration pass. An empty
// Model disables it.
type EnhancerConfig struct {
	Kind  string `yaml:"kind"`
	Model string `yaml:"model"`
	Size  int    `yaml:"size"`
}

// DetectionConfig tunes the face detector.
type DetectionConfig struct {
	InputSize    int     `yaml:"input_size"`
	Threshold    float32 `yaml:"threshold"`
	NMSThreshold float32 `yaml:"nms_threshold"`
}

// TrackingConfig tunes track association across frames.
type TrackingConfig struct {
	MatchRadius    float32 `yaml:"match_radius"`
	MaxTrackAge    int     `yaml:"max_track_age"`
	Smoothing      float32 `yaml:"smoothing"`
	DetectInterval int     `yaml:"detect_interval"`
}

// CompositingConfig tunes how swapped faces are blended.
type CompositingConfig struct {
	BlendStrength float32 `yaml:"blend_strength"`
	Feather       int     `yaml:"feather"`
	ColorMatch    *bool   `yaml:"color_match"`
	PreserveMouth bool    `yaml:"preserve_mouth"`
	Sharpen       float32 `yaml:"sharpen"`
}

// PipelineConfig tunes stage scheduling.
type PipelineConfig struct {
	TargetFPS     float64       `yaml:"target_fps"`
	QueueCapacity int           `yaml:"queue_capacity"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	DrainGrace    time.Duration `yaml:"drain_grace"`
}

// CaptureConfig selects the camera and display.
type CaptureConfig struct {
	// Device is a camera index or a video file path.
	Device  string `yaml:"device"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Window  string `yaml:"window"`
	Display *bool  `yaml:"display"`
}

// ObserveConfig configures logging and the metrics endpoint.
type ObserveConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// MetricsAddr serves /metrics, /healthz and /readyz when set.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Defaults applied to zero values by ApplyDefaults.
const (
	DefaultBackend       = "cpu"
	DefaultStallTimeout  = 2 * time.Second
	DefaultDetectSize    = 640
	DefaultThreshold     = 0.5
	DefaultNMSThreshold  = 0.4
	DefaultMatchRadius   = 40
	DefaultMaxTrackAge   = 5
	DefaultSmoothing     = 0.6
	DefaultBlendStrength = 1.0
	DefaultFeather       = 10
	DefaultTargetFPS     = 30
	DefaultQueueCapacity = 2
	DefaultPollInterval  = 10 * time.Millisecond
	DefaultDrainGrace    = 500 * time.Millisecond
	DefaultCaptureDevice = "0"
	DefaultCaptureWidth  = 1280
	DefaultCaptureHeight = 720
	DefaultWindowName    = "facelive"
	DefaultEnhancerKind  = "gfpgan"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
)

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Inference.Backend, DefaultBackend)
	setDefault(&cfg.Inference.StallTimeout, DefaultStallTimeout)

	setDefault(&cfg.Detection.InputSize, DefaultDetectSize)
	setDefault(&cfg.Detection.Threshold, DefaultThreshold)
	setDefault(&cfg.Detection.NMSThreshold, DefaultNMSThreshold)

	setDefault(&cfg.Tracking.MatchRadius, DefaultMatchRadius)
	setDefault(&cfg.Tracking.MaxTrackAge, DefaultMaxTrackAge)
	setDefault(&cfg.Tracking.Smoothing, DefaultSmoothing)
	setDefault(&cfg.Tracking.DetectInterval, 1)

	setDefault(&cfg.Compositing.BlendStrength, DefaultBlendStrength)
	setDefault(&cfg.Compositing.Feather, DefaultFeather)
	if cfg.Compositing.ColorMatch == nil {
		cfg.Compositing.ColorMatch = ptr(true)
	}

	setDefault(&cfg.Pipeline.TargetFPS, DefaultTargetFPS)
	setDefault(&cfg.Pipeline.QueueCapacity, DefaultQueueCapacity)
	setDefault(&cfg.Pipeline.PollInterval, DefaultPollInterval)
	setDefault(&cfg.Pipeline.DrainGrace, DefaultDrainGrace)

	setDefault(&cfg.Capture.Device, DefaultCaptureDevice)
	setDefault(&cfg.Capture.Width, DefaultCaptureWidth)
	setDefault(&cfg.Capture.Height, DefaultCaptureHeight)
	setDefault(&cfg.Capture.Window, DefaultWindowName)
	if cfg.Capture.Display == nil {
		cfg.Capture.Display = ptr(true)
	}

	if cfg.Models.Enhancer.Model != "" {
		setDefault(&cfg.Models.Enhancer.Kind, DefaultEnhancerKind)
		setDefault(&cfg.Models.Enhancer.Size, 512)
	}

	setDefault(&cfg.Observe.LogLevel, DefaultLogLevel)
	setDefault(&cfg.Observe.LogFormat, DefaultLogFormat)
}

func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}

func ptr[T any](v T) *T { return &v }
