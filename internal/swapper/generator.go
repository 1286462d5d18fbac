package swapper

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/dudu/facelive/internal/inference"
)

// InswapperSize is the side of the inswapper input and output crops.
const InswapperSize = 128

// Inswapper performs face swapping using the inswapper model
type Inswapper struct {
	model inference.Model
	size  int
}

// NewInswapper wraps a loaded inswapper model. It takes 2 inputs: the
// target crop and the source latent.
func NewInswapper(model inference.Model) *Inswapper {
	return &Inswapper{model: model, size: InswapperSize}
}

// Size returns the crop side the model works at.
func (s *Inswapper) Size() int { return s.size }

// Generate produces the swapped face for an aligned target crop as
// interleaved BGR bytes of Size x Size.
func (s *Inswapper) Generate(target gocv.Mat, latent *Embedding) ([]byte, error) {
	if target.Rows() != s.size || target.Cols() != s.size {
		return nil, fmt.Errorf("expected %dx%d target, got %dx%d", s.size, s.size, target.Cols(), target.Rows())
	}

	// Matches insightface preprocessing:
	// blob = cv2.dnn.blobFromImage(aimg, 1.0/255, input_size, (0,0,0), swapRB=True)
	blob := gocv.BlobFromImage(target, 1.0/255.0, image.Pt(s.size, s.size),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	n := int64(s.size)
	inputs := []inference.Tensor{
		{Shape: []int64{1, 3, n, n}, Data: inference.BytesToFloat32(blob.ToBytes())},
		{Shape: []int64{1, EmbeddingSize}, Data: latent[:]},
	}
	outputs, err := s.model.Run(inputs)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 || len(outputs[0].Data) < 3*s.size*s.size {
		return nil, &inference.InferenceError{Model: "inswapper", Err: fmt.Errorf("output too short")}
	}

	return planarRGBToBGR(outputs[0].Data, s.size, s.size), nil
}

// planarRGBToBGR converts an NCHW RGB tensor with values in [0, 1] into
// interleaved BGR bytes.
func planarRGBToBGR(data []float32, width, height int) []byte {
	plane := width * height
	out := make([]byte, plane*3)
	for i := 0; i < plane; i++ {
		out[i*3+0] = clampByte(data[2*plane+i] * 255)
		out[i*3+1] = clampByte(data[1*plane+i] * 255)
		out[i*3+2] = clampByte(data[i] * 255)
	}
	return out
}

func clampByte(v float32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
