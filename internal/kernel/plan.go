package kernel

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-flash/internal/cache"
)

// Plan is a compiled variant: its tile constants plus the scratch
// addressing of every staged tile.
type Plan struct {
	Variant

	// qSwz and kSwz address the row-major query and key tiles, vSwz the
	// transposed value tile whose rows are features.
	qSwz, kSwz, vSwz Swizzle

	// Scratch regions in elements.
	qElems, slotElems int
}

var plans = cache.NewMapCache[Variant, *Plan]()

// compile returns the cached plan of v, building it on first use.
func compile(v Variant) (*Plan, error) {
	p, hit, err := plans.GetOrCreate(v, func() (*Plan, error) {
		return newPlan(v)
	})
	if err != nil {
		return nil, err
	}
	if !hit {
		planCompiles.Inc()
		log.Debug().
			Str("variant", v.Key()).
			Int("br", v.Br).
			Int("bc", v.Bc).
			Bool("q_in_registers", v.QInRegisters).
			Int("scratch_bytes", v.ScratchBytes()).
			Msg("Compiled attention plan")
	}
	return p, nil
}

func newPlan(v Variant) (*Plan, error) {
	if v.Br != AtomM*v.Warps {
		return nil, configError("compile", fmt.Sprintf("Br=%d does not split into %d warps of %d rows", v.Br, v.Warps, AtomM), nil)
	}
	if v.Bc%AtomK != 0 || v.HeadDim%AtomK != 0 {
		return nil, configError("compile", fmt.Sprintf("Bc=%d d=%d are not multiples of %d", v.Bc, v.HeadDim, AtomK), nil)
	}
	qSwz, err := NewSwizzle(v.HeadDim, swizzleChunk)
	if err != nil {
		return nil, configError("compile", "query swizzle", err)
	}
	vSwz, err := NewSwizzle(v.Bc, swizzleChunk)
	if err != nil {
		return nil, configError("compile", "value swizzle", err)
	}
	return &Plan{
		Variant:   v,
		qSwz:      qSwz,
		kSwz:      qSwz,
		vSwz:      vSwz,
		qElems:    v.Br * v.HeadDim,
		slotElems: v.Bc * v.HeadDim,
	}, nil
}

// threads is the number of lanes in a block.
func (p *Plan) threads() int {
	return p.Warps * warpSize
}

// keyTiles is the number of key blocks of a sequence.
func (p *Plan) keyTiles(seqLen int) int {
	return seqLen / p.Bc
}
