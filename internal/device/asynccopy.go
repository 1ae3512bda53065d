package device

import (
	"time"

	"github.com/x448/float16"
)

// CopyChunk is the number of half-precision elements moved by one async
// copy instruction (16 bytes).
const CopyChunk = 8

type copyOp struct {
	dst, src []float16.Float16
}

// CopyQueue tracks the non-blocking bulk copies issued by one lane group.
// Copies are staged with Async, grouped with Commit, and only guaranteed to
// have landed after Wait has retired their group. Each committed group runs
// on its own goroutine, so an unwaited read observes stale data exactly as
// it would on hardware.
type CopyQueue struct {
	block, warp int
	latency     func(block, warp, group int) time.Duration

	staged    []copyOp
	inflight  []chan struct{}
	committed int
}

func newCopyQueue(block, warp int, latency func(block, warp, group int) time.Duration) *CopyQueue {
	return &CopyQueue{block: block, warp: warp, latency: latency}
}

// Async stages a copy of one 16-byte chunk from main memory into scratch.
func (q *CopyQueue) Async(dst, src []float16.Float16) {
	if len(dst) < CopyChunk || len(src) < CopyChunk {
		panic("device: async copy needs a full 16-byte chunk")
	}
	q.staged = append(q.staged, copyOp{dst: dst[:CopyChunk], src: src[:CopyChunk]})
}

// Commit closes the currently staged copies into a group and starts it.
// Committing with nothing staged creates an empty group, which still counts
// towards Wait.
func (q *CopyQueue) Commit() {
	ops := q.staged
	q.staged = nil

	var delay time.Duration
	if q.latency != nil {
		delay = q.latency(q.block, q.warp, q.committed)
	}
	q.committed++

	done := make(chan struct{})
	q.inflight = append(q.inflight, done)
	copyBytes.Add(float64(len(ops) * CopyChunk * 2))

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		for _, op := range ops {
			copy(op.dst, op.src)
		}
		close(done)
	}()
}

// Wait blocks until at most n committed groups are still outstanding.
// Groups retire oldest first.
func (q *CopyQueue) Wait(n int) {
	for len(q.inflight) > n {
		<-q.inflight[0]
		q.inflight = q.inflight[1:]
	}
}

// Pending returns the number of committed groups not yet retired by Wait.
func (q *CopyQueue) Pending() int {
	return len(q.inflight)
}
