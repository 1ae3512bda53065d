package kernel

import (
	"math"

	"github.com/23skdu/longbow-flash/internal/device"
)

// rowPair holds one value for each of the two accumulator rows of a lane.
type rowPair [2]float32

// onlineSoftmax carries the running statistics of one lane group across the
// key loop. Every lane tracks its rows g and g+8; the four lanes of a quad
// agree after each reduction.
type onlineSoftmax struct {
	max     [warpSize]rowPair
	sum     [warpSize]rowPair
	started bool
}

func newOnlineSoftmax() *onlineSoftmax {
	o := &onlineSoftmax{}
	neg := float32(math.Inf(-1))
	for lane := range o.max {
		o.max[lane] = rowPair{neg, neg}
	}
	return o
}

// update folds one key block into the running state. s holds the raw
// scores Q·Kᵗ for the block; it is scaled and overwritten in place with
// exp(score - newMax), which is the weight matrix of the value product.
// The returned factors exp(oldMax - newMax) must be applied to the output
// accumulator before the block's value product is added.
func (o *onlineSoftmax) update(s []WarpC, scale float32) [warpSize]rowPair {
	neg := float32(math.Inf(-1))
	var blockMax [warpSize]rowPair
	for lane := range blockMax {
		blockMax[lane] = rowPair{neg, neg}
	}
	for n := range s {
		for lane := range s[n] {
			c := &s[n][lane]
			for i := range c {
				c[i] *= scale
			}
			m := &blockMax[lane]
			m[0] = max(m[0], c[0], c[1])
			m[1] = max(m[1], c[2], c[3])
		}
	}
	quadReduce(&blockMax, func(a, b float32) float32 { return max(a, b) })

	var newMax, rescale [warpSize]rowPair
	for lane := range newMax {
		for r := 0; r < 2; r++ {
			newMax[lane][r] = max(o.max[lane][r], blockMax[lane][r])
			old := o.max[lane][r]
			if !o.started {
				old = newMax[lane][r]
			}
			rescale[lane][r] = float32(math.Exp(float64(old - newMax[lane][r])))
		}
	}

	var blockSum [warpSize]rowPair
	for n := range s {
		for lane := range s[n] {
			c := &s[n][lane]
			m := newMax[lane]
			c[0] = float32(math.Exp(float64(c[0] - m[0])))
			c[1] = float32(math.Exp(float64(c[1] - m[0])))
			c[2] = float32(math.Exp(float64(c[2] - m[1])))
			c[3] = float32(math.Exp(float64(c[3] - m[1])))
			blockSum[lane][0] += c[0] + c[1]
			blockSum[lane][1] += c[2] + c[3]
		}
	}
	quadReduce(&blockSum, func(a, b float32) float32 { return a + b })

	for lane := range o.sum {
		for r := 0; r < 2; r++ {
			o.sum[lane][r] = rescale[lane][r]*o.sum[lane][r] + blockSum[lane][r]
		}
	}
	o.max = newMax
	o.started = true
	return rescale
}

// finalize normalizes the accumulator by the running sums.
func (o *onlineSoftmax) finalize(acc []WarpC) {
	var inv [warpSize]rowPair
	for lane := range inv {
		inv[lane] = rowPair{1 / o.sum[lane][0], 1 / o.sum[lane][1]}
	}
	rescaleAcc(acc, &inv)
}

// rescaleAcc multiplies each accumulator row by its lane factor.
func rescaleAcc(acc []WarpC, f *[warpSize]rowPair) {
	for n := range acc {
		for lane := range acc[n] {
			c := &acc[n][lane]
			c[0] *= f[lane][0]
			c[1] *= f[lane][0]
			c[2] *= f[lane][1]
			c[3] *= f[lane][1]
		}
	}
}

// quadReduce combines the values of the four lanes sharing a row (lanes
// differing in their two low bits) with butterfly shuffles.
func quadReduce(r *[warpSize]rowPair, op func(a, b float32) float32) {
	for _, mask := range []int{1, 2} {
		other := device.ShflXor(r, mask)
		for lane := range r {
			r[lane][0] = op(r[lane][0], other[lane][0])
			r[lane][1] = op(r[lane][1], other[lane][1])
		}
	}
}

// RowStats are the final softmax statistics of one query row.
type RowStats struct {
	// Row is the query position within its head.
	Row int
	// Max is the largest scaled score, Sum the sum of exp(score - Max).
	Max, Sum float32
}

// stats reports the statistics of the warp's 16 rows; row0 is the query
// position of the warp's first row.
func (o *onlineSoftmax) stats(row0 int) []RowStats {
	out := make([]RowStats, 0, AtomM)
	for lane := 0; lane < warpSize; lane += 4 {
		g, _ := laneCoords(lane)
		out = append(out,
			RowStats{Row: row0 + g, Max: o.max[lane][0], Sum: o.sum[lane][0]},
			RowStats{Row: row0 + g + 8, Max: o.max[lane][1], Sum: o.sum[lane][1]},
		)
	}
	return out
}
