package kernel

import (
	"github.com/x448/float16"

	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tensor"
)

// attention is one launch of the kernel: shared, read-only state for every
// block of the grid.
type attention struct {
	plan    *Plan
	layout  layout
	scale   float32
	q, k, v []float16.Float16
	out     *tensor.Tensor
	inspect func(WorkUnit, []RowStats)
}

// run processes one work unit: the Br query rows of a (batch, head) pair
// against every key block of the sequence.
func (a *attention) run(b *device.Block) error {
	p := a.plan
	qTile := b.Scratch.Carve(p.qElems)
	slots := make([][]float16.Float16, p.Stages)
	for i := range slots {
		slots[i] = b.Scratch.Carve(p.slotElems)
	}
	unit := unitOf(b.Idx)
	src := operands{q: a.q, k: a.k, v: a.v, layout: a.layout, unit: unit}

	return b.RunWarps(func(w *device.Warp) error {
		a.warpMain(w, newStager(w, p, src, qTile, slots))
		return nil
	})
}

// warpMain is the program of one lane group. The group owns AtomM query
// rows of the tile and sweeps the full width of every key block.
func (a *attention) warpMain(w *device.Warp, st *stager) {
	p := a.plan
	d := p.HeadDim
	row0 := w.ID * AtomM

	kSteps := d / AtomK
	sTiles := make([]WarpC, p.Bc/AtomN)
	acc := make([]WarpC, d/AtomN)
	var qFrags []WarpA
	if p.QInRegisters {
		qFrags = make([]WarpA, kSteps)
	}
	sm := newOnlineSoftmax()

	var aFrag WarpA
	var bFrag WarpB

	st.start()
	for j := 0; j < st.tiles; j++ {
		keys := st.awaitKeys(j)
		if p.QInRegisters && j == 0 {
			for kk := range qFrags {
				loadA(&qFrags[kk], st.qTile, p.qSwz, row0, kk*AtomK)
			}
		}

		// S = Q·Kᵗ for this lane group's rows.
		clearC(sTiles)
		for kk := 0; kk < kSteps; kk++ {
			qa := &aFrag
			if p.QInRegisters {
				qa = &qFrags[kk]
			} else {
				loadA(qa, st.qTile, p.qSwz, row0, kk*AtomK)
			}
			for n := range sTiles {
				loadB(&bFrag, keys, p.kSwz, n*AtomN, kk*AtomK)
				MMA(&sTiles[n], qa, &bFrag)
			}
		}
		st.releaseKeys(j)

		rescale := sm.update(sTiles, a.scale)
		rescaleAcc(acc, &rescale)

		// O += P·V, P taken straight from the score accumulators.
		values := st.awaitValues()
		for kk := 0; kk < p.Bc/AtomK; kk++ {
			packP(&aFrag, &sTiles[2*kk], &sTiles[2*kk+1])
			for n := range acc {
				loadB(&bFrag, values, p.vSwz, n*AtomN, kk*AtomK)
				MMA(&acc[n], &aFrag, &bFrag)
			}
		}
		st.releaseValues()
	}

	sm.finalize(acc)

	rowBase := a.layout.queryBase(p.Variant, st.src.unit) + row0*d
	if p.OutputF32 {
		storeOutput(a.out.F32, acc, rowBase, d, func(x float32) float32 { return x })
	} else {
		storeOutput(a.out.F16, acc, rowBase, d, device.ToHalf)
	}

	if a.inspect != nil {
		a.inspect(st.src.unit, sm.stats(st.src.unit.QTile*p.Br+row0))
	}
}
