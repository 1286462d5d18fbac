// Package app wires the facelive components into a running application.
//
// New builds every component from a config snapshot, Run drives the
// pipeline and the display until the user quits or the context ends, and
// Close releases the models. Tests inject fakes through the With* options;
// anything not injected is created from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dudu/facelive/internal/camera"
	"github.com/dudu/facelive/internal/compositor"
	"github.com/dudu/facelive/internal/config"
	"github.com/dudu/facelive/internal/detector"
	"github.com/dudu/facelive/internal/enhancer"
	"github.com/dudu/facelive/internal/inference"
	"github.com/dudu/facelive/internal/observe"
	"github.com/dudu/facelive/internal/pipeline"
	"github.com/dudu/facelive/internal/reference"
	"github.com/dudu/facelive/internal/swapper"
	"github.com/dudu/facelive/internal/tracker"
	"github.com/dudu/facelive/internal/ui"
)

// StartupError reports a failure before the pipeline reached Running.
type StartupError struct {
	Step string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup: %s: %v", e.Step, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ModelLoader loads models by path. *inference.Provider implements it.
type ModelLoader interface {
	LoadModel(path string) (inference.Model, error)
}

// Display is a sink with its own event loop. Run must be called from the
// main goroutine.
type Display interface {
	pipeline.Sink
	Run(ctx context.Context) error
}

// App owns every component of a run.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	provider *inference.Provider
	loader   ModelLoader
	source   pipeline.Source
	display  Display

	detector *detector.SCRFD
	refs     *reference.Manager
	pipe     *pipeline.Pipeline
}

// Option configures an App.
type Option func(*App)

// WithModelLoader loads models from l instead of opening an execution
// provider.
func WithModelLoader(l ModelLoader) Option {
	return func(a *App) { a.loader = l }
}

// WithSource replaces the camera.
func WithSource(s pipeline.Source) Option {
	return func(a *App) { a.source = s }
}

// WithDisplay replaces the window.
func WithDisplay(d Display) Option {
	return func(a *App) { a.display = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics records metrics on m instead of the global provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New builds the application. Any failure is returned as a *StartupError
// and everything opened so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	ctx, span := observe.StartSpan(ctx, "app.startup")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			a.Close()
		}
		span.End()
	}()

	if a.loader == nil {
		backend, err := inference.ParseBackend(cfg.Inference.Backend)
		if err != nil {
			return nil, &StartupError{Step: "inference", Err: err}
		}
		a.provider, err = inference.Open(inference.Config{
			Backend:            backend,
			AllowCPUFallback:   cfg.Inference.AllowCPUFallback,
			LibraryPath:        cfg.Inference.LibraryPath,
			SerializeInference: cfg.Inference.Serialize,
			StallTimeout:       cfg.Inference.StallTimeout,
			Logger:             a.log,
		})
		if err != nil {
			return nil, &StartupError{Step: "inference", Err: err}
		}
		a.loader = a.provider
	}

	stages, err := a.build(ctx)
	if err != nil {
		return nil, err
	}

	if a.source == nil {
		capture, err := camera.Open(camera.Config{
			Device: cfg.Capture.Device,
			Width:  cfg.Capture.Width,
			Height: cfg.Capture.Height,
			FPS:    cfg.Pipeline.TargetFPS,
		}, a.log)
		if err != nil {
			return nil, &StartupError{Step: "capture", Err: err}
		}
		a.source = capture
	}
	if a.display == nil {
		if cfg.Capture.Display == nil || *cfg.Capture.Display {
			a.display = ui.NewWindow(cfg.Capture.Window, cfg.Capture.Width, cfg.Capture.Height, ui.WithStatus(a.statusLine))
		} else {
			a.display = ui.NewHeadless(a.log)
		}
	}
	stages.Source = a.source
	stages.Sink = a.display

	a.pipe, err = pipeline.New(pipeline.Config{
		QueueCapacity: cfg.Pipeline.QueueCapacity,
		PollInterval:  cfg.Pipeline.PollInterval,
		DrainGrace:    cfg.Pipeline.DrainGrace,
		TargetFPS:     cfg.Pipeline.TargetFPS,
	}, stages, pipeline.WithMetrics(a.metrics), pipeline.WithLogger(a.log))
	if err != nil {
		return nil, &StartupError{Step: "pipeline", Err: err}
	}

	if cfg.Reference != "" {
		if err := a.refs.SetReferenceFile(ctx, cfg.Reference); err != nil {
			return nil, &StartupError{Step: "reference", Err: err}
		}
	}
	return a, nil
}

// build loads the models and creates the processing stages.
func (a *App) build(ctx context.Context) (pipeline.Stages, error) {
	cfg := a.cfg

	detModel, err := a.loadModel(ctx, "detector", cfg.Models.Detector)
	if err != nil {
		return pipeline.Stages{}, err
	}
	encModel, err := a.loadModel(ctx, "encoder", cfg.Models.Encoder)
	if err != nil {
		return pipeline.Stages{}, err
	}
	swapModel, err := a.loadModel(ctx, "swapper", cfg.Models.Swapper)
	if err != nil {
		return pipeline.Stages{}, err
	}

	var enh swapper.Enhancer
	if e := cfg.Models.Enhancer; e.Model != "" {
		kind, err := enhancer.ParseKind(e.Kind)
		if err != nil {
			return pipeline.Stages{}, &StartupError{Step: "enhancer", Err: err}
		}
		model, err := a.loadModel(ctx, "enhancer", e.Model)
		if err != nil {
			return pipeline.Stages{}, err
		}
		r, err := enhancer.New(model, kind, e.Size)
		if err != nil {
			return pipeline.Stages{}, &StartupError{Step: "enhancer", Err: err}
		}
		enh = r
	}

	refOpts := []reference.Option{reference.WithMetrics(a.metrics), reference.WithLogger(a.log)}
	if cfg.Models.Emap != "" {
		emap, err := swapper.LoadEmap(cfg.Models.Emap)
		if err != nil {
			return pipeline.Stages{}, &StartupError{Step: "emap", Err: err}
		}
		refOpts = append(refOpts, reference.WithEmap(emap))
	}

	a.detector = detector.NewSCRFD(detModel, cfg.Detection.InputSize, cfg.Detection.Threshold, cfg.Detection.NMSThreshold)
	a.refs = reference.NewManager(a.detector, swapper.NewArcFaceEncoder(encModel), refOpts...)

	colorMatch := cfg.Compositing.ColorMatch == nil || *cfg.Compositing.ColorMatch
	return pipeline.Stages{
		Locator: tracker.NewLocator(a.detector, tracker.Config{
			Threshold:      cfg.Detection.Threshold,
			MatchRadius:    cfg.Tracking.MatchRadius,
			MaxTrackAge:    cfg.Tracking.MaxTrackAge,
			Smoothing:      cfg.Tracking.Smoothing,
			DetectInterval: cfg.Tracking.DetectInterval,
		}, a.log),
		Swapper: swapper.NewEngine(swapper.NewInswapper(swapModel), enh, a.log),
		Compositor: compositor.New(compositor.Config{
			BlendStrength: cfg.Compositing.BlendStrength,
			Feather:       cfg.Compositing.Feather,
			ColorMatch:    colorMatch,
			PreserveMouth: cfg.Compositing.PreserveMouth,
			Sharpen:       cfg.Compositing.Sharpen,
		}),
		References: a.refs,
	}, nil
}

func (a *App) loadModel(ctx context.Context, role, path string) (inference.Model, error) {
	_, span := observe.StartSpan(ctx, "model.load")
	defer span.End()
	span.SetAttributes(attribute.String("model.role", role), attribute.String("model.path", path))

	m, err := a.loader.LoadModel(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &StartupError{Step: role + " model", Err: err}
	}
	return m, nil
}

// References returns the reference manager.
func (a *App) References() *reference.Manager { return a.refs }

// Pipeline returns the pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Run starts the pipeline and drives the display until the user quits,
// ctx is cancelled or the pipeline stops on its own. Stopping drains
// in-flight frames for the configured grace period.
func (a *App) Run(ctx context.Context) error {
	var srv *http.Server
	if addr := a.cfg.Observe.MetricsAddr; addr != "" {
		srv = a.serveHTTP(addr)
	}

	// The pipeline outlives ctx so that cancellation drains instead of
	// aborting.
	if err := a.pipe.Start(context.WithoutCancel(ctx)); err != nil {
		return &StartupError{Step: "pipeline", Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.pipe.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	if a.cfg.Reference != "" {
		w := reference.NewWatcher(a.cfg.Reference, a.refs.SetReferenceFile, reference.WithWatchLogger(a.log))
		go w.Run(runCtx)
	}

	displayErr := a.display.Run(runCtx)
	if errors.Is(displayErr, ui.ErrQuit) {
		a.log.Info("display closed, stopping")
		displayErr = nil
	}

	err := a.pipe.Stop()

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.log.Warn("metrics server shutdown", "err", serr)
		}
		done()
	}

	st := a.pipe.Stats()
	a.log.Info("run finished",
		"captured", st.Captured,
		"presented", st.Presented,
		"dropped", st.Dropped,
		"late", st.Late,
		"swap_failures", st.SwapFailures)
	return errors.Join(err, displayErr)
}

func (a *App) statusLine() string {
	if a.pipe == nil {
		return ""
	}
	st := a.pipe.Stats()
	t := st.Timing
	return fmt.Sprintf("L:%dms S:%dms C:%dms lat:%dms drop:%d",
		t.Locate.Milliseconds(), t.Swap.Milliseconds(), t.Composite.Milliseconds(),
		t.Latency.Milliseconds(), st.Dropped)
}

// Close releases the source and the models. The pipeline closes its own
// stages once it has run, so Close only matters after a failed New or a
// pipeline that never started.
func (a *App) Close() error {
	var errs []error
	if a.pipe == nil || a.pipe.State() == pipeline.StateIdle {
		if a.source != nil {
			errs = append(errs, a.source.Close())
		}
		if a.display != nil {
			errs = append(errs, a.display.Close())
		}
	}
	if a.provider != nil {
		errs = append(errs, a.provider.Close())
		a.provider = nil
	}
	return errors.Join(errs...)
}
