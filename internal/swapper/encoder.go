package swapper

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/dudu/facelive/internal/detector"
	"github.com/dudu/facelive/internal/inference"
)

// EmbeddingSize is the length of an identity embedding.
const EmbeddingSize = 512

const arcfaceSize = 112

// Embedding represents a 512-dimensional face embedding
type Embedding [EmbeddingSize]float32

// ArcFaceEncoder extracts face embeddings using ArcFace
type ArcFaceEncoder struct {
	model    inference.Model
	template Template
}

// NewArcFaceEncoder wraps a loaded ArcFace model.
func NewArcFaceEncoder(model inference.Model) *ArcFaceEncoder {
	return &ArcFaceEncoder{
		model:    model,
		template: ArcFaceTemplate(arcfaceSize),
	}
}

// EncodeFace aligns the face described by lm and computes its embedding.
func (e *ArcFaceEncoder) EncodeFace(img gocv.Mat, lm detector.Landmarks) (*Embedding, error) {
	al, err := Align(lm, e.template)
	if err != nil {
		return nil, err
	}
	crop := al.Warp(img, arcfaceSize)
	defer crop.Close()
	return e.Extract(crop)
}

// Extract computes the 512-dim embedding from an aligned 112x112 face
func (e *ArcFaceEncoder) Extract(alignedFace gocv.Mat) (*Embedding, error) {
	if alignedFace.Rows() != arcfaceSize || alignedFace.Cols() != arcfaceSize {
		return nil, fmt.Errorf("expected %dx%d input, got %dx%d", arcfaceSize, arcfaceSize, alignedFace.Cols(), alignedFace.Rows())
	}

	// (x - 127.5) / 127.5, BGR -> RGB
	blob := gocv.BlobFromImage(alignedFace, 1.0/127.5, image.Pt(arcfaceSize, arcfaceSize),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	input := inference.Tensor{
		Shape: []int64{1, 3, arcfaceSize, arcfaceSize},
		Data:  inference.BytesToFloat32(blob.ToBytes()),
	}
	outputs, err := e.model.Run([]inference.Tensor{input})
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 || len(outputs[0].Data) < EmbeddingSize {
		return nil, &inference.InferenceError{Model: "arcface", Err: fmt.Errorf("embedding output too short")}
	}

	return normalize(outputs[0].Data[:EmbeddingSize]), nil
}

// normalize L2-normalizes the embedding
func normalize(data []float32) *Embedding {
	var embedding Embedding

	var norm float64
	for _, v := range data {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		norm = 1
	}

	for i := range embedding {
		embedding[i] = float32(float64(data[i]) / norm)
	}
	return &embedding
}

// CosineSimilarity computes cosine similarity between two embeddings
func CosineSimilarity(a, b *Embedding) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	// embeddings are L2-normalized, dot product = cosine similarity
	return dot
}
