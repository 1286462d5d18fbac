// Package pipeline runs capture, locate, swap, composite and present as
// concurrent stages joined by bounded queues that drop the oldest frame
// instead of blocking.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dudu/facelive/internal/frame"
	"github.com/dudu/facelive/internal/observe"
	"github.com/dudu/facelive/internal/swapper"
	"github.com/dudu/facelive/internal/tracker"
)

// Defaults used when Config fields are zero.
const (
	DefaultQueueCapacity = 2
	DefaultPollInterval  = 10 * time.Millisecond
	DefaultDrainGrace    = 500 * time.Millisecond
)

// ErrInvalidState is returned by Start and Stop when called in the wrong
// state.
var ErrInvalidState = errors.New("invalid pipeline state")

// State is the pipeline lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config tunes scheduling.
type Config struct {
	// QueueCapacity is the size of each inter-stage queue.
	QueueCapacity int
	// PollInterval bounds how long a stage waits for input before it
	// checks for cancellation.
	PollInterval time.Duration
	// DrainGrace is how long Stop lets in-flight frames finish.
	DrainGrace time.Duration
	// TargetFPS skips captured frames arriving faster than this rate.
	// Zero accepts every frame.
	TargetFPS float64
}

func (c *Config) setDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = DefaultDrainGrace
	}
}

// Stages are the components the pipeline drives.
type Stages struct {
	Source     Source
	Locator    Locator
	Swapper    Swapper
	Compositor Compositor
	References References
	Sink       Sink
}

func (s Stages) validate() error {
	var errs []error
	if s.Source == nil {
		errs = append(errs, errors.New("source is required"))
	}
	if s.Locator == nil {
		errs = append(errs, errors.New("locator is required"))
	}
	if s.Swapper == nil {
		errs = append(errs, errors.New("swapper is required"))
	}
	if s.Compositor == nil {
		errs = append(errs, errors.New("compositor is required"))
	}
	if s.References == nil {
		errs = append(errs, errors.New("references are required"))
	}
	if s.Sink == nil {
		errs = append(errs, errors.New("sink is required"))
	}
	return errors.Join(errs...)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

type located struct {
	f     *frame.Frame
	faces []tracker.Face
}

type swapped struct {
	f       *frame.Frame
	results []*swapper.Result
}

// Timing holds the most recent per-frame stage durations.
type Timing struct {
	Locate    time.Duration `json:"locate"`
	Swap      time.Duration `json:"swap"`
	Composite time.Duration `json:"composite"`
	Present   time.Duration `json:"present"`
	// Latency is capture to presentation.
	Latency time.Duration `json:"latency"`
}

// Pipeline orchestrates the face swap stages.
type Pipeline struct {
	cfg     Config
	st      Stages
	metrics *observe.Metrics
	log     *slog.Logger

	toLocate    *Queue[*frame.Frame]
	toSwap      *Queue[located]
	toComposite *Queue[swapped]
	toPresent   *Queue[*frame.Frame]

	mu       sync.Mutex
	state    atomic.Int32
	stop     chan struct{}
	stopping atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	err      error

	captured     atomic.Uint64
	presented    atomic.Uint64
	late         atomic.Uint64
	swapFailures atomic.Uint64
	discarded    atomic.Uint64

	timingMu sync.Mutex
	timing   Timing
}

// New creates an idle pipeline.
func New(cfg Config, st Stages, opts ...Option) (*Pipeline, error) {
	if err := st.validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	cfg.setDefaults()
	p := &Pipeline{
		cfg:         cfg,
		st:          st,
		log:         slog.Default(),
		toLocate:    NewQueue[*frame.Frame]("locate", cfg.QueueCapacity),
		toSwap:      NewQueue[located]("swap", cfg.QueueCapacity),
		toComposite: NewQueue[swapped]("composite", cfg.QueueCapacity),
		toPresent:   NewQueue[*frame.Frame]("present", cfg.QueueCapacity),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Ready reports whether frames are flowing.
func (p *Pipeline) Ready() error {
	if s := p.State(); s != StateRunning {
		return fmt.Errorf("pipeline %s", s)
	}
	return nil
}

// Start launches the stage goroutines. It is only valid once, from Idle.
// Cancelling ctx aborts the run without draining.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("%w: start while %s", ErrInvalidState, p.State())
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return p.capture(gctx) })
	g.Go(func() error { return runStage(gctx, p, "locate", p.toLocate, p.toSwap, p.locate) })
	g.Go(func() error { return runStage(gctx, p, "swap", p.toSwap, p.toComposite, p.swap) })
	g.Go(func() error { return runStage(gctx, p, "composite", p.toComposite, p.toPresent, p.composite) })
	g.Go(func() error { return p.present(gctx) })

	p.log.Info("pipeline started", "queue_capacity", p.cfg.QueueCapacity, "target_fps", p.cfg.TargetFPS)
	go p.finish(ctx, g)
	return nil
}

// Stop ends capture and lets queued frames drain for the grace period,
// then cancels whatever is left. It returns the run's error, if any.
// A run already draining or stopped, because the source ended, a stage
// failed or Stop was called before, is waited for and its error returned.
// Stop before Start returns ErrInvalidState.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		s := p.State()
		p.mu.Unlock()
		if s == StateIdle {
			return fmt.Errorf("%w: stop while %s", ErrInvalidState, s)
		}
		<-p.done
		return p.err
	}
	p.stopping.Store(true)
	close(p.stop)
	p.mu.Unlock()

	p.log.Info("pipeline draining", "grace", p.cfg.DrainGrace)
	timer := time.NewTimer(p.cfg.DrainGrace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.log.Warn("drain grace period exceeded, discarding in-flight frames")
		p.cancel()
		<-p.done
	}
	return p.err
}

// Wait blocks until the pipeline stops and returns the first fatal error.
// A run ended by Stop, by exhausting the source or by cancelling the start
// context returns nil.
func (p *Pipeline) Wait() error {
	if p.State() == StateIdle {
		return fmt.Errorf("%w: wait while idle", ErrInvalidState)
	}
	<-p.done
	return p.err
}

// Done is closed once the pipeline has stopped.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) finish(parent context.Context, g *errgroup.Group) {
	err := g.Wait()
	p.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	p.cancel()

	n := p.toLocate.Discard() + p.toSwap.Discard() + p.toComposite.Discard() + p.toPresent.Discard()
	if n > 0 {
		p.discarded.Add(uint64(n))
		p.log.Info("discarded in-flight frames", "frames", n)
	}

	if closeErr := errors.Join(p.st.Source.Close(), p.st.Sink.Close()); closeErr != nil {
		p.log.Warn("closing stage resources", "err", closeErr)
	}

	if isCancel(err) && (p.stopping.Load() || parent.Err() != nil) {
		err = nil
	}
	if err != nil {
		p.log.Error("pipeline failed", "err", err)
	}
	p.err = err
	p.state.Store(int32(StateStopped))
	p.log.Info("pipeline stopped",
		"captured", p.captured.Load(),
		"presented", p.presented.Load(),
		"late", p.late.Load())
	close(p.done)
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (p *Pipeline) capture(ctx context.Context) error {
	defer p.toLocate.Close()

	var interval time.Duration
	if p.cfg.TargetFPS > 0 {
		interval = time.Duration(float64(time.Second) / p.cfg.TargetFPS)
	}
	var (
		last     uint64
		accepted time.Time
		started  bool
	)
	for {
		select {
		case <-p.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := p.st.Source.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.log.Info("capture source exhausted")
				p.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("capture: %w", err)
		}

		if started && f.Seq <= last {
			p.log.Warn("capture sequence went backwards, frame dropped", "seq", f.Seq, "last", last)
			continue
		}
		if interval > 0 && started && f.Timestamp.Sub(accepted) < interval {
			continue
		}
		last, accepted, started = f.Seq, f.Timestamp, true

		p.captured.Add(1)
		if p.metrics != nil {
			p.metrics.FramesCaptured.Add(ctx, 1)
		}
		enqueue(ctx, p, p.toLocate, f)
	}
}

// runStage pops from in, applies step and pushes to out until in is closed
// and empty. It closes out on return so the next stage drains too.
func runStage[In, Out any](ctx context.Context, p *Pipeline, name string, in *Queue[In], out *Queue[Out], step func(context.Context, In) (Out, error)) error {
	defer out.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, ok, err := in.Pop(ctx, p.cfg.PollInterval)
		if errors.Is(err, ErrQueueClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		start := time.Now()
		res, err := step(ctx, v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		p.recordStage(ctx, name, time.Since(start))
		enqueue(ctx, p, out, res)
	}
}

func enqueue[T any](ctx context.Context, p *Pipeline, q *Queue[T], v T) {
	if _, evicted := q.Push(v); evicted {
		p.log.Debug("queue full, oldest frame dropped", "queue", q.Name())
		if p.metrics != nil {
			p.metrics.RecordDrop(ctx, q.Name(), 1)
		}
	}
	if p.metrics != nil {
		p.metrics.RecordOccupancy(ctx, q.Name(), q.Len())
	}
}

func (p *Pipeline) locate(ctx context.Context, f *frame.Frame) (located, error) {
	faces, err := p.st.Locator.Locate(f)
	if err != nil {
		return located{}, err
	}
	if p.metrics != nil {
		p.metrics.FacesTracked.Record(ctx, int64(len(faces)))
	}
	return located{f: f, faces: faces}, nil
}

func (p *Pipeline) swap(ctx context.Context, l located) (swapped, error) {
	if len(l.faces) == 0 {
		return swapped{f: l.f}, nil
	}
	// The reference is read once per frame so every face in it uses the
	// same identity even if a new one is published meanwhile.
	ref := p.st.References.Current()
	if ref == nil {
		return swapped{f: l.f}, nil
	}

	results, failed, err := p.st.Swapper.SwapFrame(l.f, l.faces, ref)
	if err != nil {
		return swapped{}, err
	}
	if failed > 0 {
		p.swapFailures.Add(uint64(failed))
		if p.metrics != nil {
			p.metrics.SwapFailures.Add(ctx, int64(failed))
		}
	}
	return swapped{f: l.f, results: results}, nil
}

func (p *Pipeline) composite(_ context.Context, s swapped) (*frame.Frame, error) {
	if len(s.results) == 0 {
		return s.f, nil
	}
	return p.st.Compositor.Composite(s.f, s.results)
}

// present shows frames in non-decreasing sequence order. A frame older
// than the last one shown is dropped as late.
func (p *Pipeline) present(ctx context.Context) error {
	var (
		last  uint64
		shown bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, ok, err := p.toPresent.Pop(ctx, p.cfg.PollInterval)
		if errors.Is(err, ErrQueueClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		if shown && f.Seq < last {
			p.late.Add(1)
			if p.metrics != nil {
				p.metrics.FramesLate.Add(ctx, 1)
			}
			p.log.Debug("late frame dropped", "seq", f.Seq, "last", last)
			continue
		}

		start := time.Now()
		if err := p.st.Sink.Present(f); err != nil {
			return fmt.Errorf("present: %w", err)
		}
		last, shown = f.Seq, true
		p.presented.Add(1)
		p.recordStage(ctx, "present", time.Since(start))

		latency := time.Since(f.Timestamp)
		p.timingMu.Lock()
		p.timing.Latency = latency
		p.timingMu.Unlock()
		if p.metrics != nil {
			p.metrics.FramesPresented.Add(ctx, 1)
			p.metrics.FrameLatency.Record(ctx, latency.Seconds())
		}
	}
}

func (p *Pipeline) recordStage(ctx context.Context, name string, d time.Duration) {
	p.timingMu.Lock()
	switch name {
	case "locate":
		p.timing.Locate = d
	case "swap":
		p.timing.Swap = d
	case "composite":
		p.timing.Composite = d
	case "present":
		p.timing.Present = d
	}
	p.timingMu.Unlock()
	if p.metrics != nil {
		p.metrics.RecordStage(ctx, name, d.Seconds())
	}
}
