// Package camera reads frames from a webcam or video file.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/dudu/facelive/internal/frame"
)

// maxEmptyReads is how many consecutive failed reads from a live device are
// tolerated before the camera is considered lost.
const maxEmptyReads = 30

// ErrCameraLost is returned when a live device stops producing frames.
var ErrCameraLost = errors.New("camera stopped producing frames")

// Config selects the capture device.
type Config struct {
	// Device is a camera index ("0") or a video file path.
	Device string
	Width  int
	Height int
	FPS    float64
}

// device is the subset of gocv.VideoCapture the capture loop uses.
type device interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Capture reads frames from a device. It numbers frames itself so sequence
// numbers strictly increase.
type Capture struct {
	dev    device
	live   bool
	width  int
	height int
	log    *slog.Logger

	mu  sync.Mutex
	buf gocv.Mat
	seq uint64
}

// Open opens the configured device. Numeric devices are treated as live
// cameras; anything else is opened as a file and ends with io.EOF.
func Open(cfg Config, log *slog.Logger) (*Capture, error) {
	if log == nil {
		log = slog.Default()
	}
	var (
		vc   *gocv.VideoCapture
		err  error
		live bool
	)
	if id, convErr := strconv.Atoi(cfg.Device); convErr == nil {
		vc, err = gocv.OpenVideoCapture(id)
		live = true
	} else {
		vc, err = gocv.VideoCaptureFile(cfg.Device)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open capture device %q: %w", cfg.Device, err)
	}

	if live {
		if cfg.Width > 0 && cfg.Height > 0 {
			vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
			vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
		}
		if cfg.FPS > 0 {
			vc.Set(gocv.VideoCaptureFPS, cfg.FPS)
		}
	}

	// The camera may not support the requested resolution.
	w := int(vc.Get(gocv.VideoCaptureFrameWidth))
	h := int(vc.Get(gocv.VideoCaptureFrameHeight))
	log.Info("capture opened", "device", cfg.Device, "live", live, "width", w, "height", h)

	c := newCapture(vc, live, log)
	c.width, c.height = w, h
	return c, nil
}

func newCapture(dev device, live bool, log *slog.Logger) *Capture {
	return &Capture{dev: dev, live: live, log: log, buf: gocv.NewMat()}
}

// Read returns the next frame. It fails with ErrCameraLost when a live
// device keeps returning empty frames and io.EOF at the end of a file.
func (c *Capture) Read(ctx context.Context) (*frame.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev == nil {
		return nil, io.EOF
	}
	for empty := 0; ; empty++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.dev.Read(&c.buf) && !c.buf.Empty() {
			break
		}
		if !c.live {
			return nil, io.EOF
		}
		if empty >= maxEmptyReads {
			return nil, ErrCameraLost
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.seq++
	return frame.FromMat(c.seq, time.Now(), c.buf)
}

// Width returns frame width
func (c *Capture) Width() int {
	return c.width
}

// Height returns frame height
func (c *Capture) Height() int {
	return c.height
}

// Close releases the device.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev == nil {
		return nil
	}
	err := c.dev.Close()
	c.dev = nil
	return errors.Join(err, c.buf.Close())
}
