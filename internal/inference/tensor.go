package inference

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NewTensor creates a tensor and checks that data matches the shape.
func NewTensor(shape []int64, data []float32) (Tensor, error) {
	t := Tensor{Shape: shape, Data: data}
	if n := t.Size(); int64(len(data)) != n {
		return Tensor{}, fmt.Errorf("tensor data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return t, nil
}

// Size returns the number of elements implied by the shape.
func (t Tensor) Size() int64 {
	size := int64(1)
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// matchShape reports whether shape satisfies the declared shape. Declared
// dimensions <= 0 are dynamic and accept any size.
func matchShape(declared, shape []int64) bool {
	if len(declared) == 0 {
		return true
	}
	if len(declared) != len(shape) {
		return false
	}
	for i, d := range declared {
		if d > 0 && d != shape[i] {
			return false
		}
	}
	return true
}

// BytesToFloat32 reinterprets little-endian bytes (as produced by
// gocv.Mat.ToBytes on a CV_32F blob) as float32 values.
func BytesToFloat32(data []byte) []float32 {
	result := make([]float32, len(data)/4)
	for i := range result {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result
}
