package inference

import (
	"sync"
	"time"

	"github.com/gammazero/workerpool"
)

type runResult struct {
	outputs []Tensor
	err     error
}

// Worker is a single inference worker. Every model wrapped with the same
// Worker reaches the backend one call at a time, whichever stage calls it.
type Worker struct {
	pool         *workerpool.WorkerPool
	stallTimeout time.Duration

	mu        sync.RWMutex
	closed    bool
	stalled   chan struct{}
	stallOnce sync.Once
}

// NewWorker starts a worker. A call running longer than stallTimeout fails
// with ErrInferenceStalled; after that every queued and future call fails the
// same way, since the worker is wedged. stallTimeout <= 0 disables the check.
func NewWorker(stallTimeout time.Duration) *Worker {
	return &Worker{
		pool:         workerpool.New(1),
		stallTimeout: stallTimeout,
		stalled:      make(chan struct{}),
	}
}

func (w *Worker) run(m Model, inputs []Tensor) ([]Tensor, error) {
	started := make(chan struct{})
	done := make(chan runResult, 1)

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil, ErrClosed
	}
	w.pool.Submit(func() {
		close(started)
		out, err := m.Run(inputs)
		done <- runResult{out, err}
	})
	w.mu.RUnlock()

	// Time spent queued behind other callers is not a stall.
	select {
	case <-started:
	case <-w.stalled:
		return nil, ErrInferenceStalled
	}

	out, err := await(done, w.stallTimeout)
	if err == ErrInferenceStalled {
		w.stallOnce.Do(func() { close(w.stalled) })
	}
	return out, err
}

// Close stops accepting calls and waits for queued ones, unless the worker
// is wedged.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	select {
	case <-w.stalled:
		// the worker may never return; don't wait for it
		w.pool.Stop()
	default:
		w.pool.StopWait()
	}
}

// serialModel runs a model on a shared Worker.
type serialModel struct {
	model  Model
	worker *Worker
}

// Serialized wraps m so that its calls run on w. Closing the returned model
// closes m but leaves w running for the other models on it.
func Serialized(m Model, w *Worker) Model {
	return &serialModel{model: m, worker: w}
}

func (s *serialModel) Run(inputs []Tensor) ([]Tensor, error) {
	return s.worker.run(s.model, inputs)
}

func (s *serialModel) Close() error {
	return s.model.Close()
}

// watchedModel runs calls directly on the caller's goroutine budget but
// reports stalls.
type watchedModel struct {
	model        Model
	stallTimeout time.Duration
}

// Watch wraps m with stall detection only. Concurrent calls go straight to
// the backend.
func Watch(m Model, stallTimeout time.Duration) Model {
	if stallTimeout <= 0 {
		return m
	}
	return &watchedModel{model: m, stallTimeout: stallTimeout}
}

func (w *watchedModel) Run(inputs []Tensor) ([]Tensor, error) {
	done := make(chan runResult, 1)
	go func() {
		out, err := w.model.Run(inputs)
		done <- runResult{out, err}
	}()
	return await(done, w.stallTimeout)
}

func (w *watchedModel) Close() error {
	return w.model.Close()
}

func await(done <-chan runResult, timeout time.Duration) ([]Tensor, error) {
	if timeout <= 0 {
		r := <-done
		return r.outputs, r.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.outputs, r.err
	case <-timer.C:
		return nil, ErrInferenceStalled
	}
}
