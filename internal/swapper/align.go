package swapper

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"

	"github.com/dudu/facelive/internal/detector"
)

// MinLandmarks is the fewest valid landmarks a similarity fit accepts.
const MinLandmarks = 3

// ErrAlignment reports that a face could not be aligned to a template.
var ErrAlignment = errors.New("face alignment failed")

// AlignmentError carries the reason a face could not be aligned.
type AlignmentError struct {
	Valid  int // usable landmarks
	Reason string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("face alignment failed: %s (%d valid landmarks)", e.Reason, e.Valid)
}

func (e *AlignmentError) Is(target error) bool {
	return target == ErrAlignment
}

// ArcFace reference landmarks for 112x112 aligned face
var arcfaceDst = detector.Landmarks{
	{X: 38.2946, Y: 51.6963}, // left eye
	{X: 73.5318, Y: 51.5014}, // right eye
	{X: 56.0252, Y: 71.7366}, // nose
	{X: 41.5493, Y: 92.3655}, // left mouth
	{X: 70.7299, Y: 92.2041}, // right mouth
}

// Template is the canonical landmark layout of a square model input.
type Template struct {
	Size   int
	Points detector.Landmarks
}

// ArcFaceTemplate returns the ArcFace layout scaled to a size x size crop.
// 112 is the encoder input, 128 the inswapper input.
func ArcFaceTemplate(size int) Template {
	t := Template{Size: size}
	scale := float32(size) / 112
	for i, p := range arcfaceDst {
		t.Points[i] = detector.Point{X: p.X * scale, Y: p.Y * scale}
	}
	return t
}

// Affine is a 2x3 row-major affine transform.
type Affine [6]float64

// Identity is the identity transform.
var Identity = Affine{1, 0, 0, 0, 1, 0}

// Apply maps p through the transform.
func (a Affine) Apply(p detector.Point) detector.Point {
	x, y := float64(p.X), float64(p.Y)
	return detector.Point{
		X: float32(a[0]*x + a[1]*y + a[2]),
		Y: float32(a[3]*x + a[4]*y + a[5]),
	}
}

// Invert returns the inverse transform, or false if a is singular.
func (a Affine) Invert() (Affine, bool) {
	det := a[0]*a[4] - a[1]*a[3]
	if math.Abs(det) < 1e-12 {
		return Affine{}, false
	}
	inv := Affine{
		a[4] / det, -a[1] / det, 0,
		-a[3] / det, a[0] / det, 0,
	}
	inv[2] = -(inv[0]*a[2] + inv[1]*a[5])
	inv[5] = -(inv[3]*a[2] + inv[4]*a[5])
	return inv, true
}

// Then returns the transform that applies a, then b.
func (a Affine) Then(b Affine) Affine {
	return Affine{
		b[0]*a[0] + b[1]*a[3], b[0]*a[1] + b[1]*a[4], b[0]*a[2] + b[1]*a[5] + b[2],
		b[3]*a[0] + b[4]*a[3], b[3]*a[1] + b[4]*a[4], b[3]*a[2] + b[4]*a[5] + b[5],
	}
}

// Translate returns a followed by a shift of (dx, dy).
func (a Affine) Translate(dx, dy float64) Affine {
	a[2] += dx
	a[5] += dy
	return a
}

// Scale returns the uniform scale factor of a similarity transform.
func (a Affine) Scale() float64 {
	return math.Hypot(a[0], a[3])
}

// Mat returns the transform as a 2x3 CV_64F Mat. The caller must Close it.
func (a Affine) Mat() gocv.Mat {
	m := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	for i, v := range a {
		m.SetDoubleAt(i/3, i%3, v)
	}
	return m
}

// Alignment is the result of fitting a face to a template.
type Alignment struct {
	// Forward maps frame coordinates into the template crop.
	Forward Affine
	// Inverse maps crop coordinates back into the frame.
	Inverse Affine
	// Residual is the RMS landmark error in crop pixels.
	Residual float64
}

// Align fits a similarity transform from the valid landmarks to the
// template points by least squares.
func Align(lm detector.Landmarks, tpl Template) (*Alignment, error) {
	var src, dst []detector.Point
	for i, p := range lm {
		if p.Valid() {
			src = append(src, p)
			dst = append(dst, tpl.Points[i])
		}
	}
	if len(src) < MinLandmarks {
		return nil, &AlignmentError{Valid: len(src), Reason: "too few landmarks"}
	}

	fwd, ok := estimateSimilarityTransform(src, dst)
	if !ok {
		return nil, &AlignmentError{Valid: len(src), Reason: "degenerate landmarks"}
	}
	inv, ok := fwd.Invert()
	if !ok {
		return nil, &AlignmentError{Valid: len(src), Reason: "singular transform"}
	}

	var sq float64
	for i, p := range src {
		q := fwd.Apply(p)
		dx := float64(q.X - dst[i].X)
		dy := float64(q.Y - dst[i].Y)
		sq += dx*dx + dy*dy
	}

	return &Alignment{
		Forward:  fwd,
		Inverse:  inv,
		Residual: math.Sqrt(sq / float64(len(src))),
	}, nil
}

// Warp crops the aligned face out of img. The caller must Close the result.
func (al *Alignment) Warp(img gocv.Mat, size int) gocv.Mat {
	m := al.Forward.Mat()
	defer m.Close()
	out := gocv.NewMat()
	gocv.WarpAffineWithParams(img, &out, m, image.Pt(size, size),
		gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
	return out
}

// estimateSimilarityTransform computes a 2D similarity transform (rotation,
// uniform scale, translation) mapping src onto dst in the least-squares sense.
func estimateSimilarityTransform(src, dst []detector.Point) (Affine, bool) {
	n := float64(len(src))

	var srcCx, srcCy, dstCx, dstCy float64
	for i := range src {
		srcCx += float64(src[i].X)
		srcCy += float64(src[i].Y)
		dstCx += float64(dst[i].X)
		dstCy += float64(dst[i].Y)
	}
	srcCx /= n
	srcCy /= n
	dstCx /= n
	dstCy /= n

	// a = sum(s.d), b = sum(s x d) over centered points
	var a, b, srcVar float64
	for i := range src {
		sx := float64(src[i].X) - srcCx
		sy := float64(src[i].Y) - srcCy
		dx := float64(dst[i].X) - dstCx
		dy := float64(dst[i].Y) - dstCy

		a += sx*dx + sy*dy
		b += sx*dy - sy*dx
		srcVar += sx*sx + sy*sy
	}
	if srcVar < 1e-9 {
		return Affine{}, false
	}

	// s*cos(theta), s*sin(theta)
	c := a / srcVar
	s := b / srcVar

	return Affine{
		c, -s, dstCx - (c*srcCx - s*srcCy),
		s, c, dstCy - (s*srcCx + c*srcCy),
	}, true
}
