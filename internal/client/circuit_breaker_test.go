package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-flash/internal/tensor"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestCircuitBreaker(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	cb.now = clock.now

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow(), "closed circuit allows")

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "two failures keep it closed")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow(), "open circuit rejects")

	clock.t = clock.t.Add(150 * time.Millisecond)
	assert.True(t, cb.Allow(), "probe after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe at a time")

	// Probe fails: open again.
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	clock.t = clock.t.Add(150 * time.Millisecond)
	require.True(t, cb.Allow())

	// Probe succeeds: closed with a clean count.
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.failures)
	assert.Equal(t, "half-open", StateHalfOpen.String())
}

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) DoPut(ctx context.Context, dataset string, rec arrow.RecordBatch) error {
	args := m.Called(ctx, dataset, rec)
	return args.Error(0)
}

func TestForwarder_TripsAndDrops(t *testing.T) {
	out := tensor.New(tensor.Float32, tensor.Shape{1, 1, 2, 4})
	rec, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildOutput(out)
	require.NoError(t, err)
	defer rec.Release()

	putter := &mockPutter{}
	boom := errors.New("unavailable")
	putter.On("DoPut", mock.Anything, "attn", rec).Return(boom).Times(2)

	f := NewForwarder(putter, NewCircuitBreaker(2, time.Hour), "attn")
	ctx := context.Background()
	assert.ErrorIs(t, f.Forward(ctx, rec), boom)
	assert.ErrorIs(t, f.Forward(ctx, rec), boom)
	assert.ErrorIs(t, f.Forward(ctx, rec), ErrCircuitOpen)
	putter.AssertNumberOfCalls(t, "DoPut", 2)
}

func TestForwarder_Success(t *testing.T) {
	out := tensor.New(tensor.Float32, tensor.Shape{1, 2, 2, 4})
	rec, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildOutput(out)
	require.NoError(t, err)
	defer rec.Release()

	putter := &mockPutter{}
	putter.On("DoPut", mock.Anything, "attn", rec).Return(nil).Once()

	before := getMetricValue(forwardRows)
	f := NewForwarder(putter, NewCircuitBreaker(2, time.Hour), "attn")
	require.NoError(t, f.Forward(context.Background(), rec))
	putter.AssertExpectations(t)
	assert.Equal(t, before+4, getMetricValue(forwardRows))
}
