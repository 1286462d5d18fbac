package ui

import (
	"sync"
	"time"
)

// FPSCounter measures a frame rate over fixed windows.
type FPSCounter struct {
	window time.Duration

	mu     sync.Mutex
	start  time.Time
	frames int
	rate   float64
}

// NewFPSCounter creates a counter that refreshes its rate every window.
func NewFPSCounter(window time.Duration) *FPSCounter {
	return &FPSCounter{window: window}
}

// Tick counts one frame shown at now and returns the current rate.
func (c *FPSCounter) Tick(now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.start.IsZero() {
		c.start = now
	}
	c.frames++
	if elapsed := now.Sub(c.start); elapsed >= c.window {
		c.rate = float64(c.frames) / elapsed.Seconds()
		c.frames = 0
		c.start = now
	}
	return c.rate
}

// Rate returns the rate measured over the last full window.
func (c *FPSCounter) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}
