package reference

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-flash/internal/tensor"
)

func inputs(seed uint64, shape tensor.Shape) (q, k, v *tensor.Tensor) {
	rng := rand.New(rand.NewPCG(seed, 0))
	q = tensor.Gaussian(rng, shape, 1)
	k = tensor.Gaussian(rng, shape, 1)
	v = tensor.Gaussian(rng, tensor.Shape{shape[0], shape[1], shape[3], shape[2]}, 1)
	return q, k, v
}

func TestAttention_MatchesNaive(t *testing.T) {
	shape := tensor.Shape{2, 3, 24, 16}
	q, k, v := inputs(1, shape)
	scale := Scale(shape[3])

	exact, err := Attention(q, k, v, scale)
	require.NoError(t, err)
	naive, err := Naive(q, k, v, scale)
	require.NoError(t, err)

	maxDiff := 0.0
	for i, want := range exact.Out.F32 {
		maxDiff = math.Max(maxDiff, math.Abs(float64(naive.F32[i]-want)))
	}
	t.Logf("max diff float32 vs float64: %e", maxDiff)
	assert.Less(t, maxDiff, 1e-4)
}

func TestAttention_UniformKeysAverageValues(t *testing.T) {
	// Identical keys give every position the same weight, so each output
	// row is the mean of the value rows.
	shape := tensor.Shape{1, 1, 8, 4}
	q, _, v := inputs(2, shape)
	k := tensor.New(tensor.Float16, shape)

	res, err := Attention(q, k, v, 1)
	require.NoError(t, err)

	for c := 0; c < 4; c++ {
		var mean float64
		for n := 0; n < 8; n++ {
			mean += float64(v.At(0, 0, c, n))
		}
		mean /= 8
		for n := 0; n < 8; n++ {
			assert.InDelta(t, mean, res.Out.At(0, 0, n, c), 1e-6)
		}
	}
	for _, st := range res.Stats {
		assert.Equal(t, 0.0, st.Max)
		assert.InDelta(t, 8.0, st.Sum, 1e-12)
	}
}

func TestWeights_RowsSumToOne(t *testing.T) {
	shape := tensor.Shape{1, 2, 16, 8}
	q, k, _ := inputs(3, shape)

	w, err := Weights(q, k, 0, 1, Scale(8))
	require.NoError(t, err)
	rows, cols := w.Dims()
	require.Equal(t, 16, rows)
	for i := 0; i < rows; i++ {
		var sum float64
		for j := 0; j < cols; j++ {
			assert.GreaterOrEqual(t, w.At(i, j), 0.0)
			sum += w.At(i, j)
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
}

func TestAttention_ShapeErrors(t *testing.T) {
	q, k, v := inputs(4, tensor.Shape{1, 1, 8, 4})
	_, err := Attention(q, k, v.SwapInner(), 1)
	assert.Error(t, err)
	_, err = Naive(q, tensor.New(tensor.Float16, tensor.Shape{1, 1, 4, 4}), v, 1)
	assert.Error(t, err)
}

func TestBufferPool(t *testing.T) {
	pool := &BufferPool{}

	m := pool.GetSeqSeq(6)
	m.Set(0, 0, 5)
	pool.PutSeqSeq(m)

	m2 := pool.GetSeqSeq(4)
	r, c := m2.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 4, c)
	assert.Equal(t, 0.0, m2.At(0, 0))

	m3 := pool.GetSeqDim(3, 7)
	r, c = m3.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 7, c)
}

func BenchmarkAttention(b *testing.B) {
	shape := tensor.Shape{1, 4, 256, 64}
	q, k, v := inputs(5, shape)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Attention(q, k, v, Scale(64))
	}
}
