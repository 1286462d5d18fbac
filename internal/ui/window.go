// Package ui shows pipeline output in a desktop window.
package ui

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/dudu/facelive/internal/frame"
)

// Keys that close the window.
const (
	keyEsc = 27
	keyQ   = 'q'
)

var overlayColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// Window manages the preview display. Present may be called from any
// goroutine; the window itself is driven by Run, which must be called on
// the main OS thread on macOS.
type Window struct {
	name   string
	width  int
	height int
	fps    *FPSCounter
	status func() string

	mu     sync.Mutex
	latest *frame.Frame
	ready  chan struct{}
	closed bool
}

// Option configures a Window.
type Option func(*Window)

// WithStatus draws the string returned by fn under the FPS counter.
func WithStatus(fn func() string) Option {
	return func(w *Window) { w.status = fn }
}

// NewWindow creates a preview window. Nothing is shown until Run.
func NewWindow(name string, width, height int, opts ...Option) *Window {
	w := &Window{
		name:   name,
		width:  width,
		height: height,
		fps:    NewFPSCounter(time.Second),
		ready:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Present hands f to the display loop. Frames not yet shown are replaced.
func (w *Window) Present(f *frame.Frame) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.latest = f
	w.mu.Unlock()

	select {
	case w.ready <- struct{}{}:
	default:
	}
	return nil
}

// Run shows frames until ctx is done or the user presses q or Esc, in
// which case it returns ErrQuit.
func (w *Window) Run(ctx context.Context) error {
	window := gocv.NewWindow(w.name)
	defer window.Close()
	// Force window to appear on macOS
	if w.width > 0 && w.height > 0 {
		window.ResizeWindow(w.width, w.height)
	}
	window.MoveWindow(100, 100)

	// WaitKey must run regularly to process window events, even when no
	// frame arrives.
	tick := time.NewTicker(30 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.ready:
			if err := w.show(window); err != nil {
				return err
			}
		case <-tick.C:
		}
		if key := window.WaitKey(1); key == keyEsc || key == keyQ {
			return ErrQuit
		}
	}
}

func (w *Window) show(window *gocv.Window) error {
	w.mu.Lock()
	f := w.latest
	w.latest = nil
	w.mu.Unlock()
	if f == nil {
		return nil
	}

	mat, err := f.Mat()
	if err != nil {
		return fmt.Errorf("show frame %d: %w", f.Seq, err)
	}
	defer mat.Close()

	fps := w.fps.Tick(time.Now())
	gocv.PutText(&mat, fmt.Sprintf("FPS: %.1f", fps), image.Pt(10, 30),
		gocv.FontHersheyPlain, 2, overlayColor, 2)
	if w.status != nil {
		gocv.PutText(&mat, w.status(), image.Pt(10, 60),
			gocv.FontHersheyPlain, 1.5, overlayColor, 2)
	}
	window.IMShow(mat)
	return nil
}

// FPS returns current frames per second
func (w *Window) FPS() float64 {
	return w.fps.Rate()
}

// Close stops accepting frames. The native window is released when Run
// returns.
func (w *Window) Close() error {
	w.mu.Lock()
	w.closed = true
	w.latest = nil
	w.mu.Unlock()
	return nil
}
