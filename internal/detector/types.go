package detector

import (
	"math"

	"github.com/dudu/facelive/internal/frame"
)

// NumLandmarks is the size of the landmark set produced by the detector.
const NumLandmarks = 5

// Landmark indices in a Landmarks set.
const (
	LeftEye = iota
	RightEye
	Nose
	LeftMouth
	RightMouth
)

// Point represents a 2D point
type Point struct {
	X, Y float32
}

// Missing is the placeholder for a landmark the detector could not place.
var Missing = Point{X: float32(math.NaN()), Y: float32(math.NaN())}

// Valid reports whether the point holds a usable coordinate.
func (p Point) Valid() bool {
	return !math.IsNaN(float64(p.X)) && !math.IsNaN(float64(p.Y))
}

// Dist returns the Euclidean distance to q.
func (p Point) Dist(q Point) float32 {
	dx := float64(p.X - q.X)
	dy := float64(p.Y - q.Y)
	return float32(math.Sqrt(dx*dx + dy*dy))
}

// BoundingBox represents a face bounding box
type BoundingBox struct {
	X1, Y1 float32 // top-left
	X2, Y2 float32 // bottom-right
}

// Width returns box width
func (b BoundingBox) Width() float32 {
	return b.X2 - b.X1
}

// Height returns box height
func (b BoundingBox) Height() float32 {
	return b.Y2 - b.Y1
}

// Center returns box center point
func (b BoundingBox) Center() Point {
	return Point{
		X: (b.X1 + b.X2) / 2,
		Y: (b.Y1 + b.Y2) / 2,
	}
}

// Area returns box area
func (b BoundingBox) Area() float32 {
	return b.Width() * b.Height()
}

// Landmarks is the ordered 5-point set (eyes, nose, mouth corners).
// Unavailable points are Missing.
type Landmarks [NumLandmarks]Point

// ValidCount returns how many points are available.
func (l Landmarks) ValidCount() int {
	n := 0
	for _, p := range l {
		if p.Valid() {
			n++
		}
	}
	return n
}

// MeanDistance returns the mean distance between points available in both
// sets, and false when they share none.
func (l Landmarks) MeanDistance(o Landmarks) (float32, bool) {
	var sum float32
	n := 0
	for i := range l {
		if l[i].Valid() && o[i].Valid() {
			sum += l[i].Dist(o[i])
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float32(n), true
}

// Detection is a single face found in a frame.
type Detection struct {
	Box       BoundingBox
	Landmarks Landmarks
	Score     float32
}

// FaceDetector finds faces in a frame.
type FaceDetector interface {
	Detect(f *frame.Frame) ([]Detection, error)
}
