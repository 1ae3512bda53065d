package kernel

import (
	"github.com/x448/float16"

	"github.com/23skdu/longbow-flash/internal/device"
)

const warpSize = device.WarpSize

// Per-lane fragments of one m16n8k16 atom. With g = lane/4 and t = lane%4:
//
//	A (16x16): rows g and g+8, columns 2t, 2t+1, 2t+8, 2t+9
//	B (16x8):  k rows 2t, 2t+1, 2t+8, 2t+9, column g
//	C (16x8):  rows g and g+8, columns 2t, 2t+1
//
// so every lane owns two rows of the accumulator.
type (
	FragA [8]float16.Float16
	FragB [4]float16.Float16
	FragC [4]float32
)

// Warp-wide registers: one fragment per lane.
type (
	WarpA [warpSize]FragA
	WarpB [warpSize]FragB
	WarpC [warpSize]FragC
)

func laneCoords(lane int) (g, t int) {
	return lane >> 2, lane & 3
}

// MMA is the matrix atom: c += a·b over the whole lane group, half
// precision inputs with float32 accumulation.
func MMA(c *WarpC, a *WarpA, b *WarpB) {
	var am [AtomM][AtomK]float32
	var bm [AtomK][AtomN]float32
	for lane := 0; lane < warpSize; lane++ {
		g, t := laneCoords(lane)
		fa := &a[lane]
		am[g][2*t], am[g][2*t+1] = fa[0].Float32(), fa[1].Float32()
		am[g+8][2*t], am[g+8][2*t+1] = fa[2].Float32(), fa[3].Float32()
		am[g][2*t+8], am[g][2*t+9] = fa[4].Float32(), fa[5].Float32()
		am[g+8][2*t+8], am[g+8][2*t+9] = fa[6].Float32(), fa[7].Float32()

		fb := &b[lane]
		bm[2*t][g], bm[2*t+1][g] = fb[0].Float32(), fb[1].Float32()
		bm[2*t+8][g], bm[2*t+9][g] = fb[2].Float32(), fb[3].Float32()
	}

	for lane := 0; lane < warpSize; lane++ {
		g, t := laneCoords(lane)
		fc := &c[lane]
		for i := 0; i < 4; i++ {
			row, col := g+8*(i>>1), 2*t+(i&1)
			sum := fc[i]
			for k := 0; k < AtomK; k++ {
				sum += am[row][k] * bm[k][col]
			}
			fc[i] = sum
		}
	}
}

// loadA reads the 16x16 A operand at (row0, col0) of a row-major tile.
func loadA(dst *WarpA, tile []float16.Float16, swz Swizzle, row0, col0 int) {
	for lane := 0; lane < warpSize; lane++ {
		g, t := laneCoords(lane)
		f := &dst[lane]
		f[0], f[1] = pair(tile, swz, row0+g, col0+2*t)
		f[2], f[3] = pair(tile, swz, row0+g+8, col0+2*t)
		f[4], f[5] = pair(tile, swz, row0+g, col0+2*t+8)
		f[6], f[7] = pair(tile, swz, row0+g+8, col0+2*t+8)
	}
}

// loadB reads the 16x8 B operand whose element (k, n) is stored at
// tile[n0+n][k0+k]. Both the key tile (rows are keys) and the transposed
// value tile (rows are features) are laid out this way.
func loadB(dst *WarpB, tile []float16.Float16, swz Swizzle, n0, k0 int) {
	for lane := 0; lane < warpSize; lane++ {
		g, t := laneCoords(lane)
		f := &dst[lane]
		f[0], f[1] = pair(tile, swz, n0+g, k0+2*t)
		f[2], f[3] = pair(tile, swz, n0+g, k0+2*t+8)
	}
}

// pair reads two horizontally adjacent elements; col is even so both sit in
// the same swizzle chunk.
func pair(tile []float16.Float16, swz Swizzle, row, col int) (float16.Float16, float16.Float16) {
	off := swz.Offset(row, col)
	return tile[off], tile[off+1]
}

// packP turns two adjacent 16x8 accumulator tiles holding softmax weights
// into the 16x16 A operand of the next product. The accumulator layout of
// the pair coincides with the A layout, so no lane exchange is needed.
func packP(dst *WarpA, lo, hi *WarpC) {
	for lane := 0; lane < warpSize; lane++ {
		l, h, f := &lo[lane], &hi[lane], &dst[lane]
		f[0], f[1] = float16.Fromfloat32(l[0]), float16.Fromfloat32(l[1])
		f[2], f[3] = float16.Fromfloat32(l[2]), float16.Fromfloat32(l[3])
		f[4], f[5] = float16.Fromfloat32(h[0]), float16.Fromfloat32(h[1])
		f[6], f[7] = float16.Fromfloat32(h[2]), float16.Fromfloat32(h[3])
	}
}

func clearC(tiles []WarpC) {
	for i := range tiles {
		tiles[i] = WarpC{}
	}
}
