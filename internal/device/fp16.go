package device

import (
	"math"

	"github.com/x448/float16"
)

const maxHalf = 65504.0

// ToHalf converts f to half precision. Finite values beyond the half range
// saturate at ±65504 rather than overflowing to infinity; NaN and the
// infinities pass through unchanged.
func ToHalf(f float32) float16.Float16 {
	switch {
	case math.IsNaN(float64(f)) || math.IsInf(float64(f), 0):
		return float16.Fromfloat32(f)
	case f > maxHalf:
		f = maxHalf
	case f < -maxHalf:
		f = -maxHalf
	}
	return float16.Fromfloat32(f)
}

// ToHalfSlice converts src into dst element by element.
func ToHalfSlice(dst []float16.Float16, src []float32) {
	for i, v := range src[:len(dst)] {
		dst[i] = ToHalf(v)
	}
}

// ToFloat32Slice widens src into dst element by element.
func ToFloat32Slice(dst []float32, src []float16.Float16) {
	for i, v := range src[:len(dst)] {
		dst[i] = v.Float32()
	}
}
