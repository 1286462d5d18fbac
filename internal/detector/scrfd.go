package detector

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/dudu/facelive/internal/frame"
	"github.com/dudu/facelive/internal/inference"
)

// DefaultInputSize is the square input side SCRFD models are exported with.
const DefaultInputSize = 640

// SCRFD implements the SCRFD face detector
type SCRFD struct {
	model          inference.Model
	inputSize      int
	confThreshold  float32
	nmsThreshold   float32
	featureStrides []int
	numAnchors     int
}

// NewSCRFD wraps a loaded SCRFD model. The model has 1 input and 9 outputs
// (3 levels x score, bbox, kps), grouped by kind.
func NewSCRFD(model inference.Model, inputSize int, confThreshold, nmsThreshold float32) *SCRFD {
	if inputSize <= 0 {
		inputSize = DefaultInputSize
	}
	return &SCRFD{
		model:          model,
		inputSize:      inputSize,
		confThreshold:  confThreshold,
		nmsThreshold:   nmsThreshold,
		featureStrides: []int{8, 16, 32},
		numAnchors:     2, // anchors per position
	}
}

// Detect finds faces in a frame. Results are sorted by score, highest first.
func (s *SCRFD) Detect(f *frame.Frame) ([]Detection, error) {
	img, err := f.Mat()
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", f.Seq, err)
	}
	defer img.Close()

	input, scale := s.preprocess(img)
	outputs, err := s.model.Run([]inference.Tensor{input})
	if err != nil {
		return nil, err
	}

	dets, err := s.decode(outputs, scale, f.Width, f.Height)
	if err != nil {
		return nil, err
	}
	return nms(dets, s.nmsThreshold), nil
}

// preprocess letterboxes the image into the top-left corner of the input
// square and converts it to a normalized RGB NCHW tensor. Grayscale input
// is expanded to three channels first.
func (s *SCRFD) preprocess(img gocv.Mat) (inference.Tensor, float32) {
	if img.Channels() == 1 {
		bgr := gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(img, &bgr, gocv.ColorGrayToBGR)
		img = bgr
	}
	height := img.Rows()
	width := img.Cols()

	scale := float32(s.inputSize) / float32(max(height, width))
	newWidth := max(1, int(float32(width)*scale))
	newHeight := max(1, int(float32(height)*scale))

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Pt(newWidth, newHeight), 0, 0, gocv.InterpolationLinear)

	padded := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), s.inputSize, s.inputSize, gocv.MatTypeCV8UC3)
	defer padded.Close()
	roi := padded.Region(image.Rect(0, 0, newWidth, newHeight))
	resized.CopyTo(&roi)
	roi.Close()

	// (x - 127.5) / 128, BGR -> RGB
	blob := gocv.BlobFromImage(padded, 1.0/128.0, image.Pt(s.inputSize, s.inputSize),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	n := int64(s.inputSize)
	return inference.Tensor{
		Shape: []int64{1, 3, n, n},
		Data:  inference.BytesToFloat32(blob.ToBytes()),
	}, scale
}

// decode turns raw model outputs into detections in frame coordinates.
// Keypoints that land outside the frame are reported as Missing.
func (s *SCRFD) decode(outputs []inference.Tensor, scale float32, origWidth, origHeight int) ([]Detection, error) {
	levels := len(s.featureStrides)
	if len(outputs) != levels*3 {
		return nil, &inference.InferenceError{
			Model: "scrfd",
			Err:   fmt.Errorf("expected %d outputs, got %d", levels*3, len(outputs)),
		}
	}

	var dets []Detection
	for level, stride := range s.featureStrides {
		fm := s.inputSize / stride
		anchors := fm * fm * s.numAnchors

		scoreData := outputs[level].Data
		bboxData := outputs[level+levels].Data
		kpsData := outputs[level+2*levels].Data
		if len(scoreData) < anchors || len(bboxData) < anchors*4 || len(kpsData) < anchors*10 {
			return nil, &inference.InferenceError{
				Model: "scrfd",
				Err:   fmt.Errorf("stride %d outputs too short for %d anchors", stride, anchors),
			}
		}

		st := float32(stride)
		anchorIdx := 0
		for y := 0; y < fm; y++ {
			for x := 0; x < fm; x++ {
				for a := 0; a < s.numAnchors; a++ {
					// exported models emit post-sigmoid scores
					score := scoreData[anchorIdx]
					if score < s.confThreshold {
						anchorIdx++
						continue
					}

					cx := float32(x) * st
					cy := float32(y) * st

					// bbox is distance to edges
					b := bboxData[anchorIdx*4:]
					box := BoundingBox{
						X1: clamp((cx-b[0]*st)/scale, 0, float32(origWidth)),
						Y1: clamp((cy-b[1]*st)/scale, 0, float32(origHeight)),
						X2: clamp((cx+b[2]*st)/scale, 0, float32(origWidth)),
						Y2: clamp((cy+b[3]*st)/scale, 0, float32(origHeight)),
					}

					var lm Landmarks
					k := kpsData[anchorIdx*10:]
					for i := range lm {
						p := Point{
							X: (cx + k[i*2]*st) / scale,
							Y: (cy + k[i*2+1]*st) / scale,
						}
						if p.X < 0 || p.Y < 0 || p.X >= float32(origWidth) || p.Y >= float32(origHeight) {
							p = Missing
						}
						lm[i] = p
					}

					dets = append(dets, Detection{Box: box, Landmarks: lm, Score: score})
					anchorIdx++
				}
			}
		}
	}

	return dets, nil
}

func clamp(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
