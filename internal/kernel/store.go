package kernel

import (
	"github.com/x448/float16"

	"github.com/23skdu/longbow-flash/internal/device"
)

// storeStride is the lane stride of writers: one lane per quad writes.
const storeStride = 4

// runWidth is the number of contiguous output values a writer lane holds:
// one full row of an 8-column accumulator tile.
const runWidth = AtomN

type outElem interface {
	float16.Float16 | float32
}

// storeOutput writes a lane group's normalized accumulators to main memory.
// acc holds headDim/8 tiles; rowBase is the flat offset of the warp's first
// output row and stride the row length. Values are converted to the output
// precision first, then gathered inside each quad with register shuffles so
// that the quad leader issues a single wide write per row run.
func storeOutput[T outElem](dst []T, acc []WarpC, rowBase, stride int, conv func(float32) T) {
	for n := range acc {
		for r := 0; r < 2; r++ {
			var vals [warpSize][2]T
			for lane := range vals {
				c := &acc[n][lane]
				vals[lane] = [2]T{conv(c[2*r]), conv(c[2*r+1])}
			}

			// Lane 4g+k now sees the pair of lane 4g+k+d; only quad
			// leaders use the result.
			from1 := device.ShflDown(&vals, 1)
			from2 := device.ShflDown(&vals, 2)
			from3 := device.ShflDown(&vals, 3)

			for lane := 0; lane < warpSize; lane += storeStride {
				g, _ := laneCoords(lane)
				run := [runWidth]T{
					vals[lane][0], vals[lane][1],
					from1[lane][0], from1[lane][1],
					from2[lane][0], from2[lane][1],
					from3[lane][0], from3[lane][1],
				}
				off := rowBase + (g+8*r)*stride + n*AtomN
				copy(dst[off:off+runWidth], run[:])
			}
		}
	}
}
