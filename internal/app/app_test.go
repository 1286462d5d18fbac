package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/dudu/facelive/internal/config"
	"github.com/dudu/facelive/internal/frame"
	"github.com/dudu/facelive/internal/inference"
	"github.com/dudu/facelive/internal/observe"
	"github.com/dudu/facelive/internal/pipeline"
)

const testInputSize = 64

// emptyDetector mimics an SCRFD export that never finds a face.
type emptyDetector struct{}

func (emptyDetector) Run([]inference.Tensor) ([]inference.Tensor, error) {
	var out []inference.Tensor
	for _, per := range []int{1, 4, 10} {
		for _, stride := range []int{8, 16, 32} {
			fm := testInputSize / stride
			n := fm * fm * 2
			out = append(out, inference.Tensor{Shape: []int64{int64(n), int64(per)}, Data: make([]float32, n*per)})
		}
	}
	return out, nil
}

func (emptyDetector) Close() error { return nil }

type unusedModel struct{}

func (unusedModel) Run([]inference.Tensor) ([]inference.Tensor, error) {
	return nil, errors.New("unexpected call")
}

func (unusedModel) Close() error { return nil }

type fakeLoader struct {
	fail   string
	loaded []string
}

func (l *fakeLoader) LoadModel(path string) (inference.Model, error) {
	if path == l.fail {
		return nil, &inference.ModelLoadError{Path: path, Err: errors.New("bad file")}
	}
	l.loaded = append(l.loaded, path)
	if path == "det.onnx" {
		return emptyDetector{}, nil
	}
	return unusedModel{}, nil
}

// clipSource yields n frames spaced one second apart, then io.EOF.
type clipSource struct {
	n, next int
	closed  bool
}

func (s *clipSource) Read(context.Context) (*frame.Frame, error) {
	if s.next >= s.n {
		return nil, io.EOF
	}
	s.next++
	ts := time.Unix(int64(s.next), 0)
	return frame.New(uint64(s.next), ts, 8, 8, frame.FormatBGR24, bytes.Repeat([]byte{7}, 8*8*3))
}

func (s *clipSource) Close() error {
	s.closed = true
	return nil
}

// fakeDisplay records presented frames and blocks in Run like a window.
type fakeDisplay struct {
	mu     sync.Mutex
	frames []*frame.Frame
	closed bool
}

func (d *fakeDisplay) Present(f *frame.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, f)
	return nil
}

func (d *fakeDisplay) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (d *fakeDisplay) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Models.Detector = "det.onnx"
	cfg.Models.Encoder = "enc.onnx"
	cfg.Models.Swapper = "swap.onnx"
	cfg.Detection.InputSize = testInputSize
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newTestApp(t *testing.T, cfg *config.Config, src *clipSource, disp *fakeDisplay, loader *fakeLoader) (*App, error) {
	t.Helper()
	return New(context.Background(), cfg,
		WithModelLoader(loader),
		WithSource(src),
		WithDisplay(disp),
		WithMetrics(testMetrics(t)),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
}

func TestRunPassesFramesThroughWithoutReference(t *testing.T) {
	src := &clipSource{n: 5}
	disp := &fakeDisplay{}
	loader := &fakeLoader{}
	a, err := newTestApp(t, testConfig(), src, disp, loader)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if got := len(loader.loaded); got != 3 {
		t.Errorf("loaded %d models, want 3", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := a.Pipeline().Stats()
	if st.Captured != 5 {
		t.Errorf("captured = %d, want 5", st.Captured)
	}
	if total := st.Presented + st.Dropped + st.Late + st.Discarded; total != st.Captured {
		t.Errorf("frames unaccounted: %+v", st)
	}
	disp.mu.Lock()
	defer disp.mu.Unlock()
	for _, f := range disp.frames {
		if f.Data[0] != 7 {
			t.Errorf("frame %d modified without a reference", f.Seq)
		}
	}
	if !src.closed || !disp.closed {
		t.Error("pipeline did not close its source and sink")
	}
}

func TestModelLoadFailureIsStartupError(t *testing.T) {
	src := &clipSource{n: 1}
	disp := &fakeDisplay{}
	_, err := newTestApp(t, testConfig(), src, disp, &fakeLoader{fail: "swap.onnx"})

	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StartupError", err)
	}
	if se.Step != "swapper model" {
		t.Errorf("step = %q", se.Step)
	}
	var le *inference.ModelLoadError
	if !errors.As(err, &le) {
		t.Error("model load error not wrapped")
	}
	if !src.closed || !disp.closed {
		t.Error("failed startup leaked the source or display")
	}
}

func TestMissingReferenceIsStartupError(t *testing.T) {
	cfg := testConfig()
	cfg.Reference = "/nonexistent/face.jpg"
	_, err := newTestApp(t, cfg, &clipSource{}, &fakeDisplay{}, &fakeLoader{})

	var se *StartupError
	if !errors.As(err, &se) || se.Step != "reference" {
		t.Fatalf("err = %v, want reference startup error", err)
	}
}

func TestHandlerEndpoints(t *testing.T) {
	a, err := newTestApp(t, testConfig(), &clipSource{}, &fakeDisplay{}, &fakeLoader{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	h := a.Handler()

	tests := []struct {
		method, path string
		body         []byte
		want         int
	}{
		{"GET", "/healthz", nil, http.StatusOK},
		{"GET", "/readyz", nil, http.StatusServiceUnavailable},
		{"GET", "/statusz", nil, http.StatusOK},
		{"GET", "/metrics", nil, http.StatusOK},
		{"POST", "/reference", []byte("not an image"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.method+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, bytes.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/statusz", nil))
	var st struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.State != pipeline.StateIdle.String() {
		t.Errorf("state = %q, want idle", st.State)
	}
}

func TestStatusLine(t *testing.T) {
	a, err := newTestApp(t, testConfig(), &clipSource{}, &fakeDisplay{}, &fakeLoader{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if got := a.statusLine(); got != "L:0ms S:0ms C:0ms lat:0ms drop:0" {
		t.Errorf("status = %q", got)
	}
}
