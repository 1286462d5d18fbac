package pipeline

import (
	"context"

	"github.com/dudu/facelive/internal/frame"
	"github.com/dudu/facelive/internal/reference"
	"github.com/dudu/facelive/internal/swapper"
	"github.com/dudu/facelive/internal/tracker"
)

// Source produces captured frames. Read blocks until a frame is available
// and returns io.EOF when the source is exhausted.
type Source interface {
	Read(ctx context.Context) (*frame.Frame, error)
	Close() error
}

// Sink displays frames.
type Sink interface {
	Present(f *frame.Frame) error
	Close() error
}

// Locator finds and tracks faces in a frame.
type Locator interface {
	Locate(f *frame.Frame) ([]tracker.Face, error)
}

// Swapper generates replacement patches for every located face. Faces that
// cannot be aligned are counted in failed and left out of results.
type Swapper interface {
	SwapFrame(f *frame.Frame, faces []tracker.Face, ref swapper.Reference) (results []*swapper.Result, failed int, err error)
}

// Compositor blends swap results into a new frame.
type Compositor interface {
	Composite(f *frame.Frame, results []*swapper.Result) (*frame.Frame, error)
}

// References returns the reference identity in effect.
type References interface {
	Current() *reference.Face
}
