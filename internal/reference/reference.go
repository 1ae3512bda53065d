// Package reference computes scaled dot-product attention directly, one
// (batch, head) slab at a time, as an oracle for the blocked kernel.
package reference

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-flash/internal/tensor"
)

// Scale returns the default softmax scale 1/√d.
func Scale(headDim int) float32 {
	return float32(1 / math.Sqrt(float64(headDim)))
}

// RowStats are the softmax statistics of one query row: the largest scaled
// score and the sum of exp(score - Max).
type RowStats struct {
	Max, Sum float64
}

// Result is the float64 output of the reference.
type Result struct {
	// Out is (batch, heads, seq, dim) in float32.
	Out *tensor.Tensor
	// Stats is indexed like the rows of Out: ((b·H)+h)·N + n.
	Stats []RowStats
}

func checkShapes(q, k, v *tensor.Tensor) error {
	if k.Shape != q.Shape {
		return fmt.Errorf("reference: k shape %v, want %v", k.Shape, q.Shape)
	}
	if want := (tensor.Shape{q.Shape[0], q.Shape[1], q.Shape[3], q.Shape[2]}); v.Shape != want {
		return fmt.Errorf("reference: v shape %v, want %v", v.Shape, want)
	}
	return nil
}

// Attention computes softmax(q·kᵗ·scale)·v in float64 from inputs in the
// kernel layout: q and k (batch, heads, seq, dim), v (batch, heads, dim,
// seq).
func Attention(q, k, v *tensor.Tensor, scale float32) (*Result, error) {
	if err := checkShapes(q, k, v); err != nil {
		return nil, err
	}
	batch, heads, seqLen, d := q.Shape[0], q.Shape[1], q.Shape[2], q.Shape[3]
	res := &Result{
		Out:   tensor.New(tensor.Float32, q.Shape),
		Stats: make([]RowStats, batch*heads*seqLen),
	}

	qf, kf, vf := q.Float32(), k.Float32(), v.Float32()
	slab := seqLen * d
	for s := 0; s < batch*heads; s++ {
		qm := slabMatrix(qf[s*slab:(s+1)*slab], seqLen, d)
		km := slabMatrix(kf[s*slab:(s+1)*slab], seqLen, d)
		vm := slabMatrix(vf[s*slab:(s+1)*slab], d, seqLen)

		p := Pool.GetSeqSeq(seqLen)
		p.Mul(qm, km.T())
		p.Scale(float64(scale), p)
		softmaxRows(p, res.Stats[s*seqLen:(s+1)*seqLen])

		o := Pool.GetSeqDim(seqLen, d)
		o.Mul(p, vm.T())
		out := res.Out.F32[s*slab : (s+1)*slab]
		for n := 0; n < seqLen; n++ {
			for c := 0; c < d; c++ {
				out[n*d+c] = float32(o.At(n, c))
			}
		}
		for _, m := range []*mat.Dense{o, qm, km, vm} {
			Pool.PutSeqDim(m)
		}
		Pool.PutSeqSeq(p)
	}
	return res, nil
}

// Weights returns the normalized attention matrix of one (batch, head)
// pair.
func Weights(q, k *tensor.Tensor, batch, head int, scale float32) (*mat.Dense, error) {
	if k.Shape != q.Shape {
		return nil, fmt.Errorf("reference: k shape %v, want %v", k.Shape, q.Shape)
	}
	seqLen, d := q.Shape[2], q.Shape[3]
	base := q.Index(batch, head, 0, 0)
	qm := slabMatrix(q.Float32()[base:base+seqLen*d], seqLen, d)
	km := slabMatrix(k.Float32()[base:base+seqLen*d], seqLen, d)

	p := mat.NewDense(seqLen, seqLen, nil)
	p.Mul(qm, km.T())
	p.Scale(float64(scale), p)
	softmaxRows(p, make([]RowStats, seqLen))
	Pool.PutSeqDim(qm)
	Pool.PutSeqDim(km)
	return p, nil
}

func slabMatrix(data []float32, rows, cols int) *mat.Dense {
	m := Pool.GetSeqDim(rows, cols)
	raw := m.RawMatrix().Data
	for i, v := range data {
		raw[i] = float64(v)
	}
	return m
}

// softmaxRows normalizes every row of p in place.
func softmaxRows(p *mat.Dense, stats []RowStats) {
	rows, _ := p.Dims()
	for i := 0; i < rows; i++ {
		row := p.RawRowView(i)
		m := math.Inf(-1)
		for _, x := range row {
			m = math.Max(m, x)
		}
		var sum float64
		for j, x := range row {
			row[j] = math.Exp(x - m)
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
		stats[i] = RowStats{Max: m, Sum: sum}
	}
}
