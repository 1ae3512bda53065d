package reference

import (
	"github.com/23skdu/longbow-flash/internal/simd"
	"github.com/23skdu/longbow-flash/internal/tensor"
)

// Naive computes attention row by row in float32 with a full softmax per
// query, the way a straightforward CPU implementation would. It takes the
// same layouts as Attention and returns a float32 tensor.
func Naive(q, k, v *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	if err := checkShapes(q, k, v); err != nil {
		return nil, err
	}
	seqLen, d := q.Shape[2], q.Shape[3]
	out := tensor.New(tensor.Float32, q.Shape)

	// Values back in (seq, dim) order so that each weight scales a row.
	qf, kf, vf := q.Float32(), k.Float32(), v.SwapInner().Float32()
	slab := seqLen * d
	scores := make([]float32, seqLen)
	for s := 0; s < q.Shape[0]*q.Shape[1]; s++ {
		ks, vs := kf[s*slab:(s+1)*slab], vf[s*slab:(s+1)*slab]
		for n := 0; n < seqLen; n++ {
			row := qf[s*slab+n*d : s*slab+(n+1)*d]
			simd.MatVecMul(scores, ks, row, seqLen, d)
			simd.VecScale(scores, scale)
			simd.Softmax(scores)

			dst := out.F32[s*slab+n*d : s*slab+(n+1)*d]
			for j, w := range scores {
				simd.VecAddScaled(dst, vs[j*d:(j+1)*d], w)
			}
		}
	}
	return out, nil
}
