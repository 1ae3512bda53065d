package device

import (
	"errors"
	"sync"
	"time"
)

// Block is one work unit in flight: a fixed number of lane groups sharing a
// scratch arena and a barrier.
type Block struct {
	// ID is the linear block index within the grid.
	ID int
	// Idx is the block position within the grid.
	Idx Dim3

	Scratch *Scratch

	warps   int
	barrier *barrier
	latency func(block, warp, group int) time.Duration
}

func newBlock(id int, idx Dim3, cfg LaunchConfig, scratch *Scratch) *Block {
	return &Block{
		ID:      id,
		Idx:     idx,
		Scratch: scratch,
		warps:   cfg.Warps,
		barrier: newBarrier(cfg.Warps),
		latency: cfg.CopyLatency,
	}
}

// Warps returns the number of lane groups in the block.
func (b *Block) Warps() int {
	return b.warps
}

// RunWarps starts every lane group of the block on its own goroutine and
// waits for all of them. Lane groups progress independently between
// barriers. Outstanding async copies of a lane group are drained before it
// is considered finished so that no copy outlives the block.
func (b *Block) RunWarps(fn func(w *Warp) error) error {
	errs := make([]error, b.warps)
	var wg sync.WaitGroup
	wg.Add(b.warps)
	for i := 0; i < b.warps; i++ {
		go func(id int) {
			defer wg.Done()
			w := &Warp{
				ID:     id,
				block:  b,
				Copies: newCopyQueue(b.ID, id, b.latency),
			}
			defer b.barrier.leave()
			defer w.Copies.Wait(0)
			errs[id] = fn(w)
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Warp is a lane group. All methods must be called from the goroutine
// running the lane group.
type Warp struct {
	ID     int
	Copies *CopyQueue

	block *Block
}

// Block returns the block the lane group belongs to.
func (w *Warp) Block() *Block {
	return w.block
}

// Barrier blocks until every lane group still running in the block has
// reached the same barrier. It makes all scratch writes that happened before
// it, including completed async copies that were waited on, visible to every
// lane group after it.
func (w *Warp) Barrier() {
	barrierWaits.Inc()
	w.block.barrier.wait()
}

// barrier is a reusable barrier over the lane groups of a block. A lane
// group that exits stops being counted, like an exited thread on hardware.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	arrived int
	gen     uint64
}

func newBarrier(parties int) *barrier {
	b := &barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.gen
	b.arrived++
	if b.arrived >= b.parties {
		b.release()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}

func (b *barrier) leave() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.parties--
	if b.parties > 0 && b.arrived >= b.parties {
		b.release()
	}
}

func (b *barrier) release() {
	b.arrived = 0
	b.gen++
	b.cond.Broadcast()
}
