package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-flash/internal/device"
)

func TestSelect(t *testing.T) {
	v, err := Select(256, 2, true)
	require.NoError(t, err)
	assert.Equal(t, Variant{HeadDim: 256, Br: 64, Bc: 32, Warps: 4, Stages: 2, QInRegisters: false, OutputF32: true}, v)
	assert.Equal(t, "d256_s2_f32", v.Key())

	v, err = Select(64, 1, false)
	require.NoError(t, err)
	assert.True(t, v.QInRegisters)
	assert.Equal(t, "d64_s1_f16", v.Key())

	_, err = Select(48, 2, false)
	assert.ErrorIs(t, err, ErrUnsupportedHeadDim)
	c, ok := ClassOf(err)
	assert.True(t, ok)
	assert.Equal(t, ClassConfig, c)

	_, err = Select(64, 3, false)
	assert.ErrorIs(t, err, ErrStages)
}

func TestVariants_AllCompile(t *testing.T) {
	vs := Variants()
	assert.Len(t, vs, len(SupportedHeadDims())*4)
	for _, v := range vs {
		p, err := compile(v)
		require.NoError(t, err, v.Key())
		assert.Equal(t, v.Br, AtomM*v.Warps)
		assert.Equal(t, v.HeadDim, p.kSwz.Stride)
		assert.Equal(t, v.Bc, p.vSwz.Stride)

		again, err := compile(v)
		require.NoError(t, err)
		assert.Same(t, p, again, "plans are cached")
	}
}

func TestVariant_ScratchBytes(t *testing.T) {
	dev := device.DefaultDevice()
	cases := []struct {
		dim, stages int
		bytes       int
		optIn       bool
	}{
		{64, 1, 16 << 10, false},
		{64, 2, 24 << 10, false},
		{128, 2, 48 << 10, false},
		{256, 1, 48 << 10, false},
		{256, 2, 64 << 10, true},
	}
	for _, tc := range cases {
		v, err := Select(tc.dim, tc.stages, false)
		require.NoError(t, err)
		assert.Equal(t, tc.bytes, v.ScratchBytes(), v.Key())
		optIn, err := dev.CheckScratch(v.ScratchBytes())
		require.NoError(t, err)
		assert.Equal(t, tc.optIn, optIn, v.Key())
	}
}

func TestVariant_GridAndLayout(t *testing.T) {
	v, err := Select(64, 2, false)
	require.NoError(t, err)
	grid := v.Grid(2, 3, 256)
	assert.Equal(t, device.Dim3{X: 4, Y: 3, Z: 2}, grid)
	assert.Equal(t, 64, v.SeqMultiple())

	u := unitOf(device.Dim3{X: 2, Y: 1, Z: 1})
	assert.Equal(t, WorkUnit{Batch: 1, Head: 1, QTile: 2}, u)

	l := layout{heads: 3, seqLen: 256, headDim: 64}
	head := (1*3 + 1) * 256 * 64
	assert.Equal(t, head, l.headBase(u))
	assert.Equal(t, head+2*64*64, l.queryBase(v, u))
	assert.Equal(t, head+3*64*64, l.keyBase(v, u, 3))
	assert.Equal(t, head+3*64, l.valueBase(v, u, 3))

	w, err := Select(256, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 64, w.SeqMultiple())
}
