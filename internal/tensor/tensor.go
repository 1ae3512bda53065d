// Package tensor holds the host-side 4-D tensors handed to the attention
// kernel: contiguous, row-major, with axes (batch, head, sequence, feature).
package tensor

import (
	"fmt"
	"math/rand/v2"

	"github.com/x448/float16"
)

// DType is the storage precision of a tensor.
type DType int

const (
	Float16 DType = iota
	Float32
)

func (d DType) String() string {
	switch d {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	if d == Float16 {
		return 2
	}
	return 4
}

// Shape is a 4-D shape. For Q, K and O it reads (batch, heads, seq, dim);
// the kernel expects V as (batch, heads, dim, seq).
type Shape [4]int

// Len returns the number of elements.
func (s Shape) Len() int {
	return s[0] * s[1] * s[2] * s[3]
}

func (s Shape) String() string {
	return fmt.Sprintf("[%d %d %d %d]", s[0], s[1], s[2], s[3])
}

// Tensor is a contiguous row-major tensor. Exactly one of F16 and F32 is
// populated, according to DType.
type Tensor struct {
	DType DType
	Shape Shape
	F16   []float16.Float16
	F32   []float32
}

// New allocates a zeroed tensor.
func New(dtype DType, shape Shape) *Tensor {
	t := &Tensor{DType: dtype, Shape: shape}
	if dtype == Float16 {
		t.F16 = make([]float16.Float16, shape.Len())
	} else {
		t.F32 = make([]float32, shape.Len())
	}
	return t
}

// FromFloat32 builds a tensor of the given dtype from float32 data,
// rounding to half precision when needed.
func FromFloat32(dtype DType, shape Shape, data []float32) (*Tensor, error) {
	if len(data) != shape.Len() {
		return nil, fmt.Errorf("tensor: %d values for shape %v", len(data), shape)
	}
	t := New(dtype, shape)
	if dtype == Float16 {
		for i, v := range data {
			t.F16[i] = float16.Fromfloat32(v)
		}
	} else {
		copy(t.F32, data)
	}
	return t, nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return t.Shape.Len()
}

// Bytes returns the storage footprint.
func (t *Tensor) Bytes() int {
	return t.Len() * t.DType.Size()
}

// Index returns the flat offset of (i, j, k, l).
func (t *Tensor) Index(i, j, k, l int) int {
	s := t.Shape
	return ((i*s[1]+j)*s[2]+k)*s[3] + l
}

// At returns the element at (i, j, k, l) widened to float32.
func (t *Tensor) At(i, j, k, l int) float32 {
	idx := t.Index(i, j, k, l)
	if t.DType == Float16 {
		return t.F16[idx].Float32()
	}
	return t.F32[idx]
}

// Set stores v at (i, j, k, l), rounding to half precision when needed.
func (t *Tensor) Set(i, j, k, l int, v float32) {
	idx := t.Index(i, j, k, l)
	if t.DType == Float16 {
		t.F16[idx] = float16.Fromfloat32(v)
		return
	}
	t.F32[idx] = v
}

// Float32 returns a widened copy of the data.
func (t *Tensor) Float32() []float32 {
	out := make([]float32, t.Len())
	if t.DType == Float16 {
		for i, v := range t.F16 {
			out[i] = v.Float32()
		}
		return out
	}
	copy(out, t.F32)
	return out
}

// SwapInner returns a new tensor with the last two axes exchanged. It turns
// a (batch, heads, seq, dim) value tensor into the (batch, heads, dim, seq)
// layout the kernel reads, and back.
func (t *Tensor) SwapInner() *Tensor {
	s := t.Shape
	out := New(t.DType, Shape{s[0], s[1], s[3], s[2]})
	for i := 0; i < s[0]; i++ {
		for j := 0; j < s[1]; j++ {
			for k := 0; k < s[2]; k++ {
				for l := 0; l < s[3]; l++ {
					src, dst := t.Index(i, j, k, l), out.Index(i, j, l, k)
					if t.DType == Float16 {
						out.F16[dst] = t.F16[src]
					} else {
						out.F32[dst] = t.F32[src]
					}
				}
			}
		}
	}
	return out
}

// Gaussian returns a half-precision tensor of N(0, std²) samples.
func Gaussian(rng *rand.Rand, shape Shape, std float64) *Tensor {
	t := New(Float16, shape)
	for i := range t.F16 {
		t.F16[i] = float16.Fromfloat32(float32(rng.NormFloat64() * std))
	}
	return t
}

// OneHot returns a half-precision (batch, heads, seq, dim) tensor whose row
// n in every head is the unit vector at feature n mod dim.
func OneHot(shape Shape) *Tensor {
	t := New(Float16, shape)
	one := float16.Fromfloat32(1)
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for n := 0; n < shape[2]; n++ {
				t.F16[t.Index(i, j, n, n%shape[3])] = one
			}
		}
	}
	return t
}
