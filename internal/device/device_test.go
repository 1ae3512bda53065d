package device

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func testDevice() *Device {
	d := DefaultDevice()
	d.Workers = 4
	return d
}

func TestLaunch_VisitsEveryBlockOnce(t *testing.T) {
	d := testDevice()
	grid := Dim3{X: 3, Y: 2, Z: 5}

	var mu sync.Mutex
	seen := make(map[Dim3]int)
	startBlocks := getMetricValue(blocksTotal)

	err := d.Launch(context.Background(), LaunchConfig{Grid: grid, Warps: 2, ScratchBytes: 1024}, func(b *Block) error {
		mu.Lock()
		seen[b.Idx]++
		mu.Unlock()
		assert.Equal(t, b.ID, b.Idx.X+b.Idx.Y*grid.X+b.Idx.Z*grid.X*grid.Y)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, grid.Size())
	for idx, n := range seen {
		assert.Equal(t, 1, n, "block %+v", idx)
	}
	assert.Equal(t, float64(grid.Size()), getMetricValue(blocksTotal)-startBlocks)
}

func TestLaunch_ScratchBudget(t *testing.T) {
	d := testDevice()
	noop := func(*Block) error { return nil }

	t.Run("within default", func(t *testing.T) {
		cfg := LaunchConfig{Grid: Dim3{1, 1, 1}, Warps: 1, ScratchBytes: d.ScratchDefault}
		assert.NoError(t, d.Launch(context.Background(), cfg, noop))
	})

	t.Run("needs opt-in", func(t *testing.T) {
		cfg := LaunchConfig{Grid: Dim3{1, 1, 1}, Warps: 1, ScratchBytes: d.ScratchDefault + 2}
		err := d.Launch(context.Background(), cfg, noop)
		assert.ErrorIs(t, err, ErrScratchBudget)

		cfg.RequestOptIn = true
		assert.NoError(t, d.Launch(context.Background(), cfg, noop))
	})

	t.Run("beyond opt-in", func(t *testing.T) {
		cfg := LaunchConfig{Grid: Dim3{1, 1, 1}, Warps: 1, ScratchBytes: d.ScratchOptIn + 2, RequestOptIn: true}
		assert.ErrorIs(t, d.Launch(context.Background(), cfg, noop), ErrScratchBudget)
	})

	t.Run("no opt-in capability", func(t *testing.T) {
		small := testDevice()
		small.ScratchOptIn = 0
		_, err := small.CheckScratch(small.ScratchDefault + 2)
		assert.ErrorIs(t, err, ErrScratchBudget)
	})
}

func TestLaunch_RejectsBadShape(t *testing.T) {
	d := testDevice()
	noop := func(*Block) error { return nil }
	assert.ErrorIs(t, d.Launch(context.Background(), LaunchConfig{Grid: Dim3{0, 1, 1}, Warps: 1}, noop), ErrLaunchConfig)
	assert.ErrorIs(t, d.Launch(context.Background(), LaunchConfig{Grid: Dim3{1, 1, 1}, Warps: 0}, noop), ErrLaunchConfig)
	assert.ErrorIs(t, d.Launch(context.Background(), LaunchConfig{Grid: Dim3{1, 1, 1}, Warps: d.MaxWarpsPerBlock + 1}, noop), ErrLaunchConfig)
}

func TestLaunch_FirstErrorAborts(t *testing.T) {
	d := testDevice()
	d.Workers = 1
	boom := errors.New("boom")
	var ran atomic.Int32

	err := d.Launch(context.Background(), LaunchConfig{Grid: Dim3{8, 1, 1}, Warps: 1}, func(b *Block) error {
		ran.Add(1)
		if b.ID == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), ran.Load())
}

func TestLaunch_Cancelled(t *testing.T) {
	d := testDevice()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Launch(ctx, LaunchConfig{Grid: Dim3{4, 1, 1}, Warps: 1}, func(*Block) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBarrier_OrdersScratchWrites(t *testing.T) {
	d := testDevice()
	const warps = 4
	cfg := LaunchConfig{Grid: Dim3{1, 1, 1}, Warps: warps, ScratchBytes: warps * 2}

	err := d.Launch(context.Background(), cfg, func(b *Block) error {
		shared := b.Scratch.Carve(warps)
		return b.RunWarps(func(w *Warp) error {
			for round := 1; round <= 3; round++ {
				shared[w.ID] = float16.Fromfloat32(float32(round * (w.ID + 1)))
				w.Barrier()
				for i := range shared {
					if got := shared[i].Float32(); got != float32(round*(i+1)) {
						return errors.New("stale scratch value after barrier")
					}
				}
				w.Barrier()
			}
			return nil
		})
	})
	require.NoError(t, err)
}

func TestBarrier_ExitedWarpDoesNotBlock(t *testing.T) {
	d := testDevice()
	cfg := LaunchConfig{Grid: Dim3{1, 1, 1}, Warps: 3}

	done := make(chan error, 1)
	go func() {
		done <- d.Launch(context.Background(), cfg, func(b *Block) error {
			return b.RunWarps(func(w *Warp) error {
				if w.ID == 0 {
					return nil
				}
				w.Barrier()
				w.Barrier()
				return nil
			})
		})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("barrier deadlocked on an exited lane group")
	}
}

func TestCopyQueue_WaitRetiresOldestGroups(t *testing.T) {
	src := make([]float16.Float16, 3*CopyChunk)
	for i := range src {
		src[i] = float16.Fromfloat32(float32(i + 1))
	}
	dst := make([]float16.Float16, len(src))

	delays := []time.Duration{30 * time.Millisecond, 0, 0}
	q := newCopyQueue(0, 0, func(_, _, group int) time.Duration { return delays[group] })

	for g := 0; g < 3; g++ {
		q.Async(dst[g*CopyChunk:], src[g*CopyChunk:])
		q.Commit()
	}
	assert.Equal(t, 3, q.Pending())

	q.Wait(2)
	assert.Equal(t, 2, q.Pending())
	assert.Equal(t, float32(1), dst[0].Float32(), "oldest group must have landed")

	q.Wait(0)
	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, src, dst)
}

func TestCopyQueue_EmptyGroupCounts(t *testing.T) {
	q := newCopyQueue(0, 0, nil)
	q.Commit()
	assert.Equal(t, 1, q.Pending())
	q.Wait(0)
	assert.Equal(t, 0, q.Pending())
}

func TestCopyQueue_ShortChunkPanics(t *testing.T) {
	q := newCopyQueue(0, 0, nil)
	assert.Panics(t, func() {
		q.Async(make([]float16.Float16, CopyChunk-1), make([]float16.Float16, CopyChunk))
	})
}

func TestScratch_CarveAndPoison(t *testing.T) {
	s := newScratch(64)
	a := s.Carve(16)
	b := s.Carve(16)
	assert.Len(t, a, 16)
	assert.Len(t, b, 16)
	assert.Panics(t, func() { s.Carve(1) })

	s.reset(true)
	c := s.Carve(32)
	for _, v := range c {
		assert.True(t, v.IsNaN())
	}
}

func TestShuffles(t *testing.T) {
	var r [WarpSize]int
	for i := range r {
		r[i] = i * 10
	}

	x := ShflXor(&r, 1)
	assert.Equal(t, 10, x[0])
	assert.Equal(t, 0, x[1])
	assert.Equal(t, 20, x[3])

	down := ShflDown(&r, 3)
	assert.Equal(t, 30, down[0])
	assert.Equal(t, 310, down[28])
	assert.Equal(t, 290, down[29], "out of range lanes keep their value")

	idx := ShflIdx(&r, func(lane int) int { return lane &^ 3 })
	assert.Equal(t, 40, idx[5])
	assert.Equal(t, 40, idx[7])
}

func TestToHalf_Saturates(t *testing.T) {
	assert.Equal(t, float32(65504), ToHalf(1e6).Float32())
	assert.Equal(t, float32(-65504), ToHalf(-1e6).Float32())
	assert.True(t, ToHalf(float32(math.NaN())).IsNaN())
	assert.Equal(t, float32(1.5), ToHalf(1.5).Float32())

	dst := make([]float32, 2)
	ToFloat32Slice(dst, []float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(-2)})
	assert.Equal(t, []float32{1, -2}, dst)
}
