// Package compositor blends generated face patches back into frames.
package compositor

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"

	"github.com/dudu/facelive/internal/detector"
	"github.com/dudu/facelive/internal/frame"
	"github.com/dudu/facelive/internal/swapper"
)

// Config controls how patches are blended.
type Config struct {
	// BlendStrength scales the mask opacity, 0 keeps the original face.
	BlendStrength float32
	// Feather is the soft edge width in patch pixels.
	Feather int
	// ColorMatch matches patch color statistics to the frame in Lab space.
	ColorMatch bool
	// PreserveMouth keeps the original mouth on top of the swapped face.
	PreserveMouth bool
	// Sharpen is the unsharp mask amount applied to the face, 0 disables.
	Sharpen float32
}

// Compositor places swap results into frames. It holds no per-frame state
// and is safe for concurrent use.
type Compositor struct {
	cfg Config
}

// New creates a Compositor.
func New(cfg Config) *Compositor {
	if cfg.Feather < 1 {
		cfg.Feather = 1
	}
	cfg.BlendStrength = clamp01(cfg.BlendStrength)
	return &Compositor{cfg: cfg}
}

// Composite returns a new frame with each result blended in, in order. f is
// never modified. Pixels outside every mask are copied unchanged.
func (c *Compositor) Composite(f *frame.Frame, results []*swapper.Result) (*frame.Frame, error) {
	out := f.Clone()
	if len(results) == 0 {
		return out, nil
	}
	if f.Format != frame.FormatBGR24 {
		return nil, fmt.Errorf("composite: unsupported pixel format %s", f.Format)
	}

	orig, err := f.Mat()
	if err != nil {
		return nil, err
	}
	defer orig.Close()

	for _, r := range results {
		if err := c.place(out, f, orig, r); err != nil {
			return nil, fmt.Errorf("composite track %s: %w", r.TrackID, err)
		}
	}
	return out, nil
}

// place blends one result into out. Work is limited to the frame region the
// patch lands on.
func (c *Compositor) place(out, src *frame.Frame, orig gocv.Mat, r *swapper.Result) error {
	if len(r.Patch) != r.Size*r.Size*3 {
		return fmt.Errorf("patch is %d bytes, want %d", len(r.Patch), r.Size*r.Size*3)
	}
	roi := footprint(r.ToFrame, r.Size, src.Width, src.Height)
	if roi.Empty() {
		return nil
	}
	toROI := r.ToFrame.Translate(-float64(roi.Min.X), -float64(roi.Min.Y))

	patch, err := gocv.NewMatFromBytes(r.Size, r.Size, gocv.MatTypeCV8UC3, r.Patch)
	if err != nil {
		return err
	}
	defer patch.Close()

	// feather is given for the generator crop, enhanced patches are larger
	pmask := faceMask(r.Size, max(1, c.cfg.Feather*r.Size/swapper.InswapperSize))
	defer pmask.Close()

	warped := warp(patch, toROI, roi.Size())
	defer warped.Close()
	wmask := warp(pmask, toROI, roi.Size())
	defer wmask.Close()

	region := orig.Region(roi)
	base := region.Clone()
	region.Close()
	defer base.Close()

	face := warped.ToBytes()
	mask := wmask.ToBytes()

	if c.cfg.ColorMatch {
		face, err = matchColor(warped, base, mask)
		if err != nil {
			return err
		}
	}
	if c.cfg.Sharpen > 0 {
		face = sharpen(face, roi.Dx(), roi.Dy(), c.cfg.Sharpen)
	}

	alpha := make([]float32, len(mask))
	for i, m := range mask {
		alpha[i] = float32(m) / 255 * c.cfg.BlendStrength
	}
	if c.cfg.PreserveMouth {
		keepMouth(alpha, roi, r.Landmarks)
	}

	blend(out, roi, face, alpha)
	return nil
}

// footprint returns the frame rectangle covered by a size x size patch
// mapped through t, clipped to the frame.
func footprint(t swapper.Affine, size, width, height int) image.Rectangle {
	s := float32(size)
	corners := []detector.Point{{X: 0, Y: 0}, {X: s, Y: 0}, {X: 0, Y: s}, {X: s, Y: s}}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range corners {
		q := t.Apply(p)
		minX = math.Min(minX, float64(q.X))
		minY = math.Min(minY, float64(q.Y))
		maxX = math.Max(maxX, float64(q.X))
		maxY = math.Max(maxY, float64(q.Y))
	}
	r := image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX)), int(math.Ceil(maxY)))
	return r.Intersect(image.Rect(0, 0, width, height))
}

// faceMask draws the soft-edged ellipse covering the face in patch space.
// The ellipse is eroded before blurring so the patch border stays fully
// transparent.
func faceMask(size, feather int) gocv.Mat {
	mask := gocv.NewMatWithSize(size, size, gocv.MatTypeCV8U)
	s := float64(size)
	gocv.Ellipse(&mask,
		image.Pt(size/2, int(s*0.55)),
		image.Pt(int(s*0.40), int(s*0.46)),
		0, 0, 360,
		color.RGBA{R: 255, G: 255, B: 255, A: 255},
		-1,
	)

	k := feather | 1
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(k, k))
	defer kernel.Close()
	gocv.Erode(mask, &mask, kernel)
	gocv.GaussianBlur(mask, &mask, image.Pt(2*k+1, 2*k+1), 0, 0, gocv.BorderDefault)
	return mask
}

func warp(src gocv.Mat, t swapper.Affine, size image.Point) gocv.Mat {
	m := t.Mat()
	defer m.Close()
	dst := gocv.NewMat()
	gocv.WarpAffineWithParams(src, &dst, m, size, gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
	return dst
}

// blend writes face over out inside roi with per-pixel alpha.
func blend(out *frame.Frame, roi image.Rectangle, face []byte, alpha []float32) {
	stride := out.Stride()
	w := roi.Dx()
	for y := 0; y < roi.Dy(); y++ {
		row := (roi.Min.Y+y)*stride + roi.Min.X*3
		for x := 0; x < w; x++ {
			a := alpha[y*w+x]
			if a <= 0 {
				continue
			}
			i := row + x*3
			j := (y*w + x) * 3
			for ch := 0; ch < 3; ch++ {
				v := float32(out.Data[i+ch])*(1-a) + float32(face[j+ch])*a
				out.Data[i+ch] = uint8(v + 0.5)
			}
		}
	}
}

// keepMouth lowers alpha over the ellipse spanning the mouth corners so
// the original mouth shows through.
func keepMouth(alpha []float32, roi image.Rectangle, lm detector.Landmarks) {
	l, r := lm[detector.LeftMouth], lm[detector.RightMouth]
	if !l.Valid() || !r.Valid() {
		return
	}
	cx := float64(l.X+r.X)/2 - float64(roi.Min.X)
	cy := float64(l.Y+r.Y)/2 - float64(roi.Min.Y)
	width := float64(l.Dist(r))
	if width < 1 {
		return
	}
	ax := width * 0.65 // semi-axes
	ay := width * 0.45
	angle := math.Atan2(float64(r.Y-l.Y), float64(r.X-l.X))
	cos, sin := math.Cos(angle), math.Sin(angle)

	w := roi.Dx()
	for y := 0; y < roi.Dy(); y++ {
		for x := 0; x < w; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			u := (dx*cos + dy*sin) / ax
			v := (-dx*sin + dy*cos) / ay
			d := math.Sqrt(u*u + v*v)
			if d >= 1 {
				continue
			}
			// full keep inside 0.6 of the radius, linear falloff to the edge
			keep := math.Min(1, (1-d)/0.4)
			alpha[y*w+x] *= float32(1 - keep)
		}
	}
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
