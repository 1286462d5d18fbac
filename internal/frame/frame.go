// Package frame defines the owned pixel buffer that moves through the
// pipeline. A Frame is immutable once captured: stages derive new frames
// instead of writing into the ones they receive.
package frame

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

// PixelFormat describes the layout of Frame.Data.
type PixelFormat int

const (
	// FormatBGR24 is 8-bit interleaved BGR, OpenCV's native layout.
	FormatBGR24 PixelFormat = iota
	// FormatGray8 is 8-bit single channel.
	FormatGray8
)

// Channels returns the number of interleaved channels.
func (f PixelFormat) Channels() int {
	switch f {
	case FormatGray8:
		return 1
	default:
		return 3
	}
}

func (f PixelFormat) matType() gocv.MatType {
	if f == FormatGray8 {
		return gocv.MatTypeCV8UC1
	}
	return gocv.MatTypeCV8UC3
}

func (f PixelFormat) String() string {
	switch f {
	case FormatBGR24:
		return "bgr24"
	case FormatGray8:
		return "gray8"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// Frame is a captured or derived image.
type Frame struct {
	Seq       uint64
	Timestamp time.Time // monotonic capture time
	Width     int
	Height    int
	Format    PixelFormat
	Data      []byte
}

// New validates the buffer size and builds a Frame. data is owned by the
// returned frame.
func New(seq uint64, ts time.Time, width, height int, format PixelFormat, data []byte) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if want := width * height * format.Channels(); len(data) != want {
		return nil, fmt.Errorf("frame data is %d bytes, %dx%d %s needs %d", len(data), width, height, format, want)
	}
	return &Frame{Seq: seq, Timestamp: ts, Width: width, Height: height, Format: format, Data: data}, nil
}

// FromMat copies a BGR or grayscale Mat into a new Frame.
func FromMat(seq uint64, ts time.Time, m gocv.Mat) (*Frame, error) {
	var format PixelFormat
	switch m.Type() {
	case gocv.MatTypeCV8UC3:
		format = FormatBGR24
	case gocv.MatTypeCV8UC1:
		format = FormatGray8
	default:
		return nil, fmt.Errorf("unsupported mat type %v", m.Type())
	}
	return New(seq, ts, m.Cols(), m.Rows(), format, m.ToBytes())
}

// Mat returns a new Mat holding a copy of the frame's pixels. The caller
// must Close it.
func (f *Frame) Mat() (gocv.Mat, error) {
	// NewMatFromBytes aliases the slice; clone so drawing on the Mat cannot
	// reach the frame.
	view, err := gocv.NewMatFromBytes(f.Height, f.Width, f.Format.matType(), f.Data)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer view.Close()
	return view.Clone(), nil
}

// Derive returns a new frame with the same identity (sequence and
// timestamp) carrying data.
func (f *Frame) Derive(data []byte) *Frame {
	return &Frame{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Data:      data,
	}
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return f.Derive(data)
}

// Stride returns the number of bytes per row.
func (f *Frame) Stride() int {
	return f.Width * f.Format.Channels()
}
