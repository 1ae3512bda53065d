package kernel

import (
	"github.com/x448/float16"

	"github.com/23skdu/longbow-flash/internal/device"
)

// operands are the main-memory inputs of one work unit.
type operands struct {
	q, k, v []float16.Float16
	layout  layout
	unit    WorkUnit
}

// stager moves tiles from main memory into scratch for one lane group.
// Every lane group of the block issues its share of each tile copy, so a
// tile is only complete once every lane group has waited on its own copies
// and the block has passed a barrier.
//
// With one stage the key and value tiles share slot 0. With two stages
// the key tile lives in slot 0 and the value tile in slot 1, and the next
// key tile is fetched while the current value product runs.
type stager struct {
	w    *device.Warp
	plan *Plan
	src  operands

	qTile []float16.Float16
	slots [][]float16.Float16
	// active is the slot the lane group currently computes on.
	active int
	// pending counts committed groups not yet retired.
	pending int
	// keyAhead is set while the look-ahead key copy is in flight.
	keyAhead bool

	tid, tiles int
}

func newStager(w *device.Warp, p *Plan, src operands, qTile []float16.Float16, slots [][]float16.Float16) *stager {
	return &stager{
		w:     w,
		plan:  p,
		src:   src,
		qTile: qTile,
		slots: slots,
		tid:   w.ID * warpSize,
		tiles: p.keyTiles(src.layout.seqLen),
	}
}

// beginCopy stages this lane group's chunks of a rows x cols tile whose
// source rows are srcStride elements apart. Chunk c of the tile belongs to
// lane c mod threads.
func (s *stager) beginCopy(dst []float16.Float16, swz Swizzle, src []float16.Float16, srcStride, rows, cols int) {
	perRow := cols / device.CopyChunk
	total := rows * perRow
	for lane := 0; lane < warpSize; lane++ {
		for c := s.tid + lane; c < total; c += s.plan.threads() {
			r, cc := c/perRow, (c%perRow)*device.CopyChunk
			s.w.Copies.Async(dst[swz.Offset(r, cc):], src[r*srcStride+cc:])
		}
	}
}

func (s *stager) commit() {
	s.w.Copies.Commit()
	s.pending++
}

// waitUntil blocks until at most k of this lane group's groups are in
// flight.
func (s *stager) waitUntil(k int) {
	s.w.Copies.Wait(k)
	s.pending = s.w.Copies.Pending()
}

func (s *stager) barrier() {
	s.w.Barrier()
}

func (s *stager) copyQuery() {
	p, l := s.plan, s.src.layout
	s.beginCopy(s.qTile, p.qSwz, s.src.q[l.queryBase(p.Variant, s.src.unit):], p.HeadDim, p.Br, p.HeadDim)
}

func (s *stager) copyKeys(slot, j int) {
	p, l := s.plan, s.src.layout
	s.beginCopy(s.slots[slot], p.kSwz, s.src.k[l.keyBase(p.Variant, s.src.unit, j):], p.HeadDim, p.Bc, p.HeadDim)
}

func (s *stager) copyValues(slot, j int) {
	p, l := s.plan, s.src.layout
	s.beginCopy(s.slots[slot], p.vSwz, s.src.v[l.valueBase(p.Variant, s.src.unit, j):], l.seqLen, p.HeadDim, p.Bc)
}

func (s *stager) valueSlot() int {
	return s.plan.Stages - 1
}

// start issues the prologue copies.
func (s *stager) start() {
	s.copyQuery()
	if s.plan.Stages == 2 {
		s.copyKeys(0, 0)
	}
	s.commit()
}

// awaitKeys returns key tile j once it is visible to the whole block.
func (s *stager) awaitKeys(j int) []float16.Float16 {
	if s.plan.Stages == 1 {
		s.copyKeys(0, j)
		s.commit()
		s.waitUntil(0)
	} else {
		s.copyValues(1, j)
		s.commit()
		s.waitUntil(1)
	}
	s.barrier()
	s.active = 0
	return s.slots[0]
}

// releaseKeys marks the end of every read of key tile j and reuses its
// slot: for the value tile with one stage, for key tile j+1 with two.
func (s *stager) releaseKeys(j int) {
	s.barrier()
	if s.plan.Stages == 1 {
		s.copyValues(0, j)
		s.commit()
		return
	}
	s.keyAhead = j+1 < s.tiles
	if s.keyAhead {
		s.copyKeys(0, j+1)
		s.commit()
	}
}

// awaitValues returns the transposed value tile j once it is visible to
// the whole block. A look-ahead key copy may stay in flight.
func (s *stager) awaitValues() []float16.Float16 {
	if s.keyAhead {
		s.waitUntil(1)
	} else {
		s.waitUntil(0)
	}
	s.barrier()
	s.active = s.valueSlot()
	return s.slots[s.active]
}

// releaseValues marks the end of every read of the current value tile.
func (s *stager) releaseValues() {
	s.barrier()
}
