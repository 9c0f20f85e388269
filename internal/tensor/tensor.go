// Package tensor provides the dense float32 array exchanged with models.
package tensor

import (
	"fmt"
	"strings"
)

// Tensor is a row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor of the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: make([]float32, n)}
}

// FromData wraps data with a shape, validating the element count.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("tensor shape %v needs %d elements, got %d", shape, n, len(data))
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: data}, nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

func (t *Tensor) offset(idx []int) int {
	off := 0
	for i, v := range idx {
		off = off*t.Shape[i] + v
	}
	return off
}

// At returns the element at the given index.
func (t *Tensor) At(idx ...int) float32 {
	return t.Data[t.offset(idx)]
}

// Set stores v at the given index.
func (t *Tensor) Set(v float32, idx ...int) {
	t.Data[t.offset(idx)] = v
}

// Squeeze drops leading dimensions of size one, such as a batch axis.
// The returned tensor shares Data with t.
func (t *Tensor) Squeeze() *Tensor {
	shape := t.Shape
	for len(shape) > 1 && shape[0] == 1 {
		shape = shape[1:]
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: t.Data}
}

// SameShape reports whether t has exactly the given shape.
func (t *Tensor) SameShape(shape ...int) bool {
	if len(shape) != len(t.Shape) {
		return false
	}
	for i := range shape {
		if shape[i] != t.Shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	dims := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = fmt.Sprint(d)
	}
	return "tensor[" + strings.Join(dims, "x") + "]"
}
