// Package enhancer restores detail in generated face patches.
package enhancer

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/dudu/facelive/internal/inference"
)

// Kind names a supported restoration model family.
type Kind string

const (
	KindGFPGAN     Kind = "gfpgan"
	KindGPEN       Kind = "gpen"
	KindCodeFormer Kind = "codeformer" // fidelity weight baked into the export
)

// ParseKind validates a model family name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindGFPGAN, KindGPEN, KindCodeFormer:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown enhancer %q (want gfpgan, gpen or codeformer)", s)
}

// Restorer runs a face restoration model with square RGB input and output
// normalized to [-1, 1].
type Restorer struct {
	model inference.Model
	kind  Kind
	size  int
}

// New wraps a loaded restoration model. GFPGAN and CodeFormer are always
// 512; GPEN is exported at 256 or 512.
func New(model inference.Model, kind Kind, size int) (*Restorer, error) {
	switch kind {
	case KindGFPGAN, KindCodeFormer:
		size = 512
	case KindGPEN:
		if size != 256 && size != 512 {
			return nil, fmt.Errorf("gpen size must be 256 or 512, got %d", size)
		}
	default:
		return nil, fmt.Errorf("unknown enhancer %q", kind)
	}
	return &Restorer{model: model, kind: kind, size: size}, nil
}

// Size returns the side of the enhanced output.
func (r *Restorer) Size() int { return r.size }

// Enhance restores a face crop and returns it at Size x Size. The caller
// must Close the result.
func (r *Restorer) Enhance(face gocv.Mat) (gocv.Mat, error) {
	// (x/255 - 0.5) / 0.5, BGR -> RGB, resized to the model input
	blob := gocv.BlobFromImage(face, 1.0/127.5, image.Pt(r.size, r.size),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	n := int64(r.size)
	input := inference.Tensor{
		Shape: []int64{1, 3, n, n},
		Data:  inference.BytesToFloat32(blob.ToBytes()),
	}
	outputs, err := r.model.Run([]inference.Tensor{input})
	if err != nil {
		return gocv.NewMat(), err
	}
	if len(outputs) == 0 || len(outputs[0].Data) < 3*r.size*r.size {
		return gocv.NewMat(), &inference.InferenceError{Model: string(r.kind), Err: fmt.Errorf("output too short")}
	}

	pixels := denormalize(outputs[0].Data, r.size)
	return gocv.NewMatFromBytes(r.size, r.size, gocv.MatTypeCV8UC3, pixels)
}

// denormalize converts an NCHW RGB tensor in [-1, 1] into interleaved BGR
// bytes: (clip(x, -1, 1) + 1) * 127.5
func denormalize(output []float32, size int) []byte {
	plane := size * size
	pixels := make([]byte, plane*3)
	for i := 0; i < plane; i++ {
		pixels[i*3+0] = toByte(output[2*plane+i])
		pixels[i*3+1] = toByte(output[plane+i])
		pixels[i*3+2] = toByte(output[i])
	}
	return pixels
}

func toByte(v float32) byte {
	v = clamp(v, -1, 1)
	return byte((v+1)*127.5 + 0.5)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
