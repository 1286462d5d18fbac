package swapper

import (
	"errors"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/dudu/facelive/internal/detector"
	"github.com/dudu/facelive/internal/frame"
	"github.com/dudu/facelive/internal/tracker"
)

// Reference is the identity faces are swapped to.
type Reference interface {
	// Latent returns the embedding already projected into the generator's
	// latent space.
	Latent() *Embedding
	Version() uint64
}

// Enhancer restores detail in a generated patch. The returned Mat may have
// a different size than the input.
type Enhancer interface {
	Enhance(patch gocv.Mat) (gocv.Mat, error)
}

// Result is a generated face ready to be composited.
type Result struct {
	TrackID    uuid.UUID
	RefVersion uint64

	// Patch holds Size x Size interleaved BGR pixels.
	Patch []byte
	Size  int

	// ToFrame maps patch coordinates into the frame, FromFrame the reverse.
	ToFrame   Affine
	FromFrame Affine

	// Landmarks of the target face in frame coordinates.
	Landmarks detector.Landmarks
	// Quality in [0, 1] combines detection confidence and alignment fit.
	Quality float32
}

// Engine produces swapped face patches.
type Engine struct {
	gen      *Inswapper
	enh      Enhancer
	template Template
	log      *slog.Logger
}

// NewEngine creates an Engine. enh may be nil.
func NewEngine(gen *Inswapper, enh Enhancer, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		gen:      gen,
		enh:      enh,
		template: ArcFaceTemplate(gen.Size()),
		log:      log,
	}
}

// Swap generates the replacement for a single face.
func (e *Engine) Swap(f *frame.Frame, face tracker.Face, ref Reference) (*Result, error) {
	img, err := f.Mat()
	if err != nil {
		return nil, err
	}
	defer img.Close()
	return e.swap(img, face, ref)
}

// SwapFrame generates replacements for every face in f, in order. Faces
// that cannot be aligned are skipped and counted in failed; any other
// error aborts.
func (e *Engine) SwapFrame(f *frame.Frame, faces []tracker.Face, ref Reference) (results []*Result, failed int, err error) {
	if len(faces) == 0 {
		return nil, 0, nil
	}
	img, err := f.Mat()
	if err != nil {
		return nil, 0, err
	}
	defer img.Close()

	for _, face := range faces {
		r, err := e.swap(img, face, ref)
		if errors.Is(err, ErrAlignment) {
			failed++
			e.log.Debug("face passed through", "seq", f.Seq, "track_id", face.TrackID, "err", err)
			continue
		}
		if err != nil {
			return nil, failed, err
		}
		results = append(results, r)
	}
	return results, failed, nil
}

func (e *Engine) swap(img gocv.Mat, face tracker.Face, ref Reference) (*Result, error) {
	al, err := Align(face.Landmarks, e.template)
	if err != nil {
		return nil, err
	}

	crop := al.Warp(img, e.gen.Size())
	defer crop.Close()

	pixels, err := e.gen.Generate(crop, ref.Latent())
	if err != nil {
		return nil, err
	}

	size := e.gen.Size()
	toFrame, fromFrame := al.Inverse, al.Forward
	if e.enh != nil {
		pixels, size, err = e.enhance(pixels, size)
		if err != nil {
			return nil, err
		}
		// patch space grew by size/gen size
		k := float64(size) / float64(e.gen.Size())
		toFrame = Affine{1 / k, 0, 0, 0, 1 / k, 0}.Then(al.Inverse)
		fromFrame = al.Forward.Then(Affine{k, 0, 0, 0, k, 0})
	}

	return &Result{
		TrackID:    face.TrackID,
		RefVersion: ref.Version(),
		Patch:      pixels,
		Size:       size,
		ToFrame:    toFrame,
		FromFrame:  fromFrame,
		Landmarks:  face.Landmarks,
		Quality:    quality(face.Score, al.Residual, e.gen.Size()),
	}, nil
}

func (e *Engine) enhance(pixels []byte, size int) ([]byte, int, error) {
	patch, err := gocv.NewMatFromBytes(size, size, gocv.MatTypeCV8UC3, pixels)
	if err != nil {
		return nil, 0, err
	}
	defer patch.Close()

	out, err := e.enh.Enhance(patch)
	if err != nil {
		return nil, 0, err
	}
	defer out.Close()
	return out.ToBytes(), out.Rows(), nil
}

// quality scales detection confidence by how well the landmarks fit the
// template. A residual of a tenth of the crop or more scores zero.
func quality(score float32, residual float64, size int) float32 {
	fit := 1 - residual/(0.1*float64(size))
	fit = math.Max(0, math.Min(1, fit))
	s := math.Max(0, math.Min(1, float64(score)))
	return float32(s * fit)
}
