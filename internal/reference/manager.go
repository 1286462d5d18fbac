// Package reference holds the identity every face is swapped to and
// replaces it without pausing the pipeline.
package reference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gocv.io/x/gocv"

	"github.com/dudu/facelive/internal/detector"
	"github.com/dudu/facelive/internal/frame"
	"github.com/dudu/facelive/internal/observe"
	"github.com/dudu/facelive/internal/swapper"
)

// ErrNoFaceFound reports a reference image without a usable face.
var ErrNoFaceFound = errors.New("no face found in reference image")

// ReferenceError wraps a failure to compute a reference. The previous
// reference stays active.
type ReferenceError struct {
	Source string
	Err    error
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("reference %s: %v", e.Source, e.Err)
}

func (e *ReferenceError) Unwrap() error { return e.Err }

// Face is a published reference identity. It is never modified after
// publication.
type Face struct {
	embedding swapper.Embedding
	latent    swapper.Embedding
	version   uint64
	// similarity to the face this one replaced; hasPrev is false for the
	// first reference.
	similarity float32
	hasPrev    bool

	Landmarks detector.Landmarks
	Box       detector.BoundingBox
	Source    string
	Created   time.Time
}

// Latent returns the embedding projected into the generator's latent space.
func (f *Face) Latent() *swapper.Embedding { return &f.latent }

// Embedding returns the raw encoder embedding.
func (f *Face) Embedding() *swapper.Embedding { return &f.embedding }

// Version increases with every publication.
func (f *Face) Version() uint64 { return f.version }

// Similarity returns the cosine similarity between this face's embedding
// and the reference it replaced. ok is false for the first reference.
func (f *Face) Similarity() (sim float32, ok bool) { return f.similarity, f.hasPrev }

// Encoder computes an identity embedding for a face in an image.
type Encoder interface {
	EncodeFace(img gocv.Mat, lm detector.Landmarks) (*swapper.Embedding, error)
}

// Manager owns the current reference. Current is lock free; concurrent
// SetReference calls each publish a complete Face and the last to finish
// wins.
type Manager struct {
	det     detector.FaceDetector
	enc     Encoder
	emap    *swapper.Emap
	metrics *observe.Metrics
	log     *slog.Logger

	current atomic.Pointer[Face]
	encodes atomic.Uint64

	publishMu sync.Mutex
	version   uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmap projects embeddings through e before publishing.
func WithEmap(e *swapper.Emap) Option {
	return func(m *Manager) { m.emap = e }
}

// WithMetrics records reference updates on met.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a Manager with no reference.
func NewManager(det detector.FaceDetector, enc Encoder, opts ...Option) *Manager {
	m := &Manager{det: det, enc: enc, log: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Current returns the published reference, or nil before the first
// successful SetReference.
func (m *Manager) Current() *Face {
	return m.current.Load()
}

// Encodes returns how many embeddings have been computed.
func (m *Manager) Encodes() uint64 {
	return m.encodes.Load()
}

// SetReference computes a reference from img and publishes it. When img
// holds several faces the largest is used. On failure the previous
// reference stays in place.
func (m *Manager) SetReference(ctx context.Context, img *frame.Frame) error {
	return m.set(ctx, img, fmt.Sprintf("frame %d", img.Seq))
}

// SetReferenceFile decodes an image file and publishes the face in it.
func (m *Manager) SetReferenceFile(ctx context.Context, path string) error {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		mat.Close()
		err := &ReferenceError{Source: path, Err: errors.New("cannot decode image")}
		m.record(ctx, err)
		return err
	}
	f, err := frame.FromMat(0, time.Now(), mat)
	mat.Close()
	if err != nil {
		err = &ReferenceError{Source: path, Err: err}
		m.record(ctx, err)
		return err
	}
	return m.set(ctx, f, path)
}

func (m *Manager) set(ctx context.Context, img *frame.Frame, source string) (err error) {
	ctx, span := observe.StartSpan(ctx, "reference.set")
	span.SetAttributes(attribute.String("reference.source", source))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		m.record(ctx, err)
	}()
	log := observe.Logger(ctx, m.log)

	if err := ctx.Err(); err != nil {
		return &ReferenceError{Source: source, Err: err}
	}

	face, err := m.compute(img, source, log)
	if err != nil {
		return &ReferenceError{Source: source, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &ReferenceError{Source: source, Err: err}
	}

	m.publish(face)
	span.SetAttributes(attribute.Int64("reference.version", int64(face.version)))
	if sim, ok := face.Similarity(); ok {
		span.SetAttributes(attribute.Float64("reference.similarity", float64(sim)))
		log.Info("reference updated", "source", source, "version", face.version, "similarity", sim)
		return nil
	}
	log.Info("reference updated", "source", source, "version", face.version)
	return nil
}

func (m *Manager) compute(img *frame.Frame, source string, log *slog.Logger) (*Face, error) {
	dets, err := m.det.Detect(img)
	if err != nil {
		return nil, err
	}
	if len(dets) == 0 {
		return nil, ErrNoFaceFound
	}
	best := Largest(dets)
	if len(dets) > 1 {
		log.Info("several faces in reference image, using the largest",
			"faces", len(dets), "area", dets[best].Box.Area())
	}
	d := dets[best]

	mat, err := img.Mat()
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	emb, err := m.enc.EncodeFace(mat, d.Landmarks)
	if err != nil {
		return nil, err
	}
	m.encodes.Add(1)

	face := &Face{
		embedding: *emb,
		latent:    *emb,
		Landmarks: d.Landmarks,
		Box:       d.Box,
		Source:    source,
		Created:   time.Now(),
	}
	if m.emap != nil {
		face.latent = *m.emap.Project(emb)
	}
	return face, nil
}

// publish assigns the next version and swaps the pointer. Versions follow
// publication order.
func (m *Manager) publish(f *Face) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	if prev := m.current.Load(); prev != nil {
		f.similarity = swapper.CosineSimilarity(&f.embedding, &prev.embedding)
		f.hasPrev = true
	}
	m.version++
	f.version = m.version
	m.current.Store(f)
}

func (m *Manager) record(ctx context.Context, err error) {
	if m.metrics != nil {
		m.metrics.RecordReferenceUpdate(ctx, err)
	}
}

// Largest returns the index of the detection with the largest box area.
// Ties go to the earlier detection.
func Largest(dets []detector.Detection) int {
	best := 0
	for i := 1; i < len(dets); i++ {
		if dets[i].Box.Area() > dets[best].Box.Area() {
			best = i
		}
	}
	return best
}
