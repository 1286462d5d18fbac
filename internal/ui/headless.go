package ui

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dudu/facelive/internal/frame"
)

// ErrQuit is returned by Run when the user closes the display.
var ErrQuit = errors.New("display closed by user")

// Headless is a sink for runs without a display. It only measures the
// frame rate and logs it periodically.
type Headless struct {
	fps *FPSCounter
	log *slog.Logger
}

// NewHeadless creates a Headless sink.
func NewHeadless(log *slog.Logger) *Headless {
	if log == nil {
		log = slog.Default()
	}
	return &Headless{fps: NewFPSCounter(time.Second), log: log}
}

// Present counts f.
func (h *Headless) Present(f *frame.Frame) error {
	h.fps.Tick(time.Now())
	return nil
}

// Run logs the frame rate every five seconds until ctx is done.
func (h *Headless) Run(ctx context.Context) error {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			h.log.Info("presenting", "fps", h.fps.Rate())
		}
	}
}

// FPS returns the measured frame rate.
func (h *Headless) FPS() float64 { return h.fps.Rate() }

// Close is a no-op.
func (h *Headless) Close() error { return nil }
