package kernel

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// scatterC places a 16x8 matrix into the accumulator layout.
func scatterC(m *[AtomM][AtomN]float32) WarpC {
	var c WarpC
	for lane := 0; lane < warpSize; lane++ {
		g, t := laneCoords(lane)
		c[lane] = FragC{m[g][2*t], m[g][2*t+1], m[g+8][2*t], m[g+8][2*t+1]}
	}
	return c
}

// gatherC reads a 16x8 matrix out of the accumulator layout.
func gatherC(c *WarpC) (m [AtomM][AtomN]float32) {
	for lane := 0; lane < warpSize; lane++ {
		g, t := laneCoords(lane)
		f := c[lane]
		m[g][2*t], m[g][2*t+1], m[g+8][2*t], m[g+8][2*t+1] = f[0], f[1], f[2], f[3]
	}
	return m
}

// tilesFromRows splits 16 rows into 8-column accumulator tiles.
func tilesFromRows(rows [][]float32) []WarpC {
	tiles := make([]WarpC, len(rows[0])/AtomN)
	for n := range tiles {
		var m [AtomM][AtomN]float32
		for r := 0; r < AtomM; r++ {
			copy(m[r][:], rows[r][n*AtomN:(n+1)*AtomN])
		}
		tiles[n] = scatterC(&m)
	}
	return tiles
}

func rowsFromTiles(tiles []WarpC) [][]float32 {
	rows := make([][]float32, AtomM)
	for r := range rows {
		rows[r] = make([]float32, len(tiles)*AtomN)
	}
	for n := range tiles {
		m := gatherC(&tiles[n])
		for r := 0; r < AtomM; r++ {
			copy(rows[r][n*AtomN:], m[r][:])
		}
	}
	return rows
}

func halfMatrix(rng *rand.Rand, rows, cols int) [][]float16.Float16 {
	m := make([][]float16.Float16, rows)
	for i := range m {
		m[i] = make([]float16.Float16, cols)
		for j := range m[i] {
			m[i][j] = float16.Fromfloat32(float32(rng.NormFloat64()))
		}
	}
	return m
}

// storeTile writes a logical matrix into a swizzled scratch tile.
func storeTile(m [][]float16.Float16, swz Swizzle) []float16.Float16 {
	tile := make([]float16.Float16, len(m)*swz.Stride)
	for r := range m {
		for c := range m[r] {
			tile[swz.Offset(r, c)] = m[r][c]
		}
	}
	return tile
}

func TestMMA_MatchesDenseProduct(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	a := halfMatrix(rng, AtomM, AtomK)
	bt := halfMatrix(rng, AtomN, AtomK) // B stored as (n, k)

	aSwz := mustSwizzle(AtomK, 8)
	bSwz := mustSwizzle(AtomK, 8)
	var fa WarpA
	var fb WarpB
	loadA(&fa, storeTile(a, aSwz), aSwz, 0, 0)
	loadB(&fb, storeTile(bt, bSwz), bSwz, 0, 0)

	var c WarpC
	MMA(&c, &fa, &fb)
	MMA(&c, &fa, &fb) // accumulates

	got := gatherC(&c)
	for i := 0; i < AtomM; i++ {
		for j := 0; j < AtomN; j++ {
			var want float32
			for k := 0; k < AtomK; k++ {
				want += a[i][k].Float32() * bt[j][k].Float32()
			}
			assert.InDelta(t, 2*want, got[i][j], 1e-4, "(%d,%d)", i, j)
		}
	}
}

func TestMMA_TileOffsets(t *testing.T) {
	// Operands taken from the middle of larger swizzled tiles.
	rng := rand.New(rand.NewPCG(2, 2))
	a := halfMatrix(rng, 64, 96)
	bt := halfMatrix(rng, 64, 96)
	swz := mustSwizzle(96, 8)
	aTile, bTile := storeTile(a, swz), storeTile(bt, swz)

	row0, n0 := 32, 40
	var c WarpC
	var fa WarpA
	var fb WarpB
	for k0 := 0; k0 < 96; k0 += AtomK {
		loadA(&fa, aTile, swz, row0, k0)
		loadB(&fb, bTile, swz, n0, k0)
		MMA(&c, &fa, &fb)
	}

	got := gatherC(&c)
	for i := 0; i < AtomM; i++ {
		for j := 0; j < AtomN; j++ {
			var want float32
			for k := 0; k < 96; k++ {
				want += a[row0+i][k].Float32() * bt[n0+j][k].Float32()
			}
			assert.InDelta(t, want, got[i][j], 1e-3, "(%d,%d)", i, j)
		}
	}
}

func TestPackP_MatchesLoadA(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	p := halfMatrix(rng, AtomM, AtomK)

	var lo, hi [AtomM][AtomN]float32
	for r := 0; r < AtomM; r++ {
		for c := 0; c < AtomN; c++ {
			lo[r][c] = p[r][c].Float32()
			hi[r][c] = p[r][c+AtomN].Float32()
		}
	}
	loC, hiC := scatterC(&lo), scatterC(&hi)

	var packed, loaded WarpA
	packP(&packed, &loC, &hiC)
	swz := mustSwizzle(AtomK, 8)
	loadA(&loaded, storeTile(p, swz), swz, 0, 0)
	assert.Equal(t, loaded, packed)
}

func TestScatterGatherC(t *testing.T) {
	var m [AtomM][AtomN]float32
	for r := range m {
		for c := range m[r] {
			m[r][c] = float32(r*AtomN + c)
		}
	}
	c := scatterC(&m)
	require.Equal(t, m, gatherC(&c))

	tiles := []WarpC{c}
	clearC(tiles)
	assert.Equal(t, WarpC{}, tiles[0])
}
