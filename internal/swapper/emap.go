package swapper

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Emap is the 512x512 matrix that projects an ArcFace embedding into the
// inswapper latent space.
type Emap [EmbeddingSize][EmbeddingSize]float32

// LoadEmap loads the emap matrix from a raw little-endian float32 file.
func LoadEmap(path string) (*Emap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read emap: %w", err)
	}
	return ParseEmap(data)
}

// ParseEmap decodes a raw little-endian 512x512 float32 matrix.
func ParseEmap(data []byte) (*Emap, error) {
	const expectedSize = EmbeddingSize * EmbeddingSize * 4
	if len(data) != expectedSize {
		return nil, fmt.Errorf("emap size mismatch: expected %d bytes, got %d", expectedSize, len(data))
	}

	var emap Emap
	for i := range emap {
		for j := range emap[i] {
			offset := (i*EmbeddingSize + j) * 4
			emap[i][j] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
		}
	}
	return &emap, nil
}

// Project converts an embedding to the latent expected by inswapper:
//
//	latent = normalize(embedding @ emap)
func (e *Emap) Project(embedding *Embedding) *Embedding {
	latent := make([]float32, EmbeddingSize)
	for j := range latent {
		var sum float32
		for i := range embedding {
			sum += embedding[i] * e[i][j]
		}
		latent[j] = sum
	}
	return normalize(latent)
}
