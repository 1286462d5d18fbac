package ui

import (
	"context"
	"testing"
	"time"

	"github.com/dudu/facelive/internal/frame"
)

func TestHeadlessPresent(t *testing.T) {
	h := NewHeadless(nil)
	f, err := frame.New(1, time.Now(), 2, 2, frame.FormatGray8, make([]byte, 4))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Present(f); err != nil {
		t.Fatalf("Present: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Run(ctx); err != nil {
		t.Errorf("Run after cancel = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestWindowPresentKeepsLatest(t *testing.T) {
	w := NewWindow("test", 0, 0)
	for seq := uint64(1); seq <= 3; seq++ {
		f, _ := frame.New(seq, time.Now(), 2, 2, frame.FormatGray8, make([]byte, 4))
		if err := w.Present(f); err != nil {
			t.Fatalf("Present: %v", err)
		}
	}
	if w.latest == nil || w.latest.Seq != 3 {
		t.Errorf("latest = %+v, want seq 3", w.latest)
	}
	if len(w.ready) != 1 {
		t.Errorf("ready signals = %d, want 1", len(w.ready))
	}

	w.Close()
	f, _ := frame.New(4, time.Now(), 2, 2, frame.FormatGray8, make([]byte, 4))
	w.Present(f)
	if w.latest != nil {
		t.Error("frame accepted after Close")
	}
}
