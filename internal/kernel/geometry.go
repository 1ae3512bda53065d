package kernel

import (
	"fmt"
	"slices"

	"github.com/23skdu/longbow-flash/internal/device"
)

// Matrix atom shape: one m16n8k16 multiply-accumulate per lane group.
const (
	AtomM = 16
	AtomN = 8
	AtomK = 16
)

// swizzleChunk is the column chunk of every half-precision tile; it matches
// the 16-byte async copy.
const swizzleChunk = device.CopyChunk

// tileShape are the per head-dim constants of a compiled variant.
type tileShape struct {
	headDim int
	br, bc  int
	warps   int
	qInRegs bool
}

var tileShapes = [...]tileShape{
	{headDim: 32, br: 64, bc: 64, warps: 4, qInRegs: true},
	{headDim: 64, br: 64, bc: 64, warps: 4, qInRegs: true},
	{headDim: 96, br: 64, bc: 64, warps: 4, qInRegs: true},
	{headDim: 128, br: 64, bc: 64, warps: 4, qInRegs: true},
	{headDim: 256, br: 64, bc: 32, warps: 4, qInRegs: false},
}

// SupportedHeadDims lists the head dimensions the kernel is compiled for.
func SupportedHeadDims() []int {
	dims := make([]int, 0, len(tileShapes))
	for _, s := range tileShapes {
		dims = append(dims, s.headDim)
	}
	return dims
}

// Variant is one compiled configuration of the kernel.
type Variant struct {
	HeadDim int
	// Br is the query tile height, Bc the key tile width.
	Br, Bc int
	Warps  int
	// Stages is 1 for single-buffered staging, 2 for double-buffered
	// look-ahead.
	Stages int
	// QInRegisters keeps the query fragments in registers for the whole
	// key loop instead of re-reading them from scratch every key block.
	QInRegisters bool
	OutputF32    bool
}

// Select resolves the compiled variant for a head dim, stage count and
// output precision.
func Select(headDim, stages int, outputF32 bool) (Variant, error) {
	if stages != 1 && stages != 2 {
		return Variant{}, configError("Select", fmt.Sprintf("stages=%d", stages), ErrStages)
	}
	i := slices.IndexFunc(tileShapes[:], func(s tileShape) bool { return s.headDim == headDim })
	if i < 0 {
		return Variant{}, configError("Select",
			fmt.Sprintf("head dim %d not in %v", headDim, SupportedHeadDims()), ErrUnsupportedHeadDim)
	}
	s := tileShapes[i]
	return Variant{
		HeadDim:      s.headDim,
		Br:           s.br,
		Bc:           s.bc,
		Warps:        s.warps,
		Stages:       stages,
		QInRegisters: s.qInRegs,
		OutputF32:    outputF32,
	}, nil
}

// Variants enumerates every compiled variant.
func Variants() []Variant {
	var out []Variant
	for _, s := range tileShapes {
		for _, stages := range []int{1, 2} {
			for _, f32 := range []bool{false, true} {
				v, _ := Select(s.headDim, stages, f32)
				out = append(out, v)
			}
		}
	}
	return out
}

// Key names the variant, e.g. "d64_s2_f16".
func (v Variant) Key() string {
	out := "f16"
	if v.OutputF32 {
		out = "f32"
	}
	return fmt.Sprintf("d%d_s%d_%s", v.HeadDim, v.Stages, out)
}

// ScratchBytes is the per-block scratch footprint: the query tile plus one
// key/value slot per stage. Key and value tiles share their slot.
func (v Variant) ScratchBytes() int {
	return (v.Br*v.HeadDim + v.Stages*v.Bc*v.HeadDim) * 2
}

// SeqMultiple is the granularity the sequence length must respect.
func (v Variant) SeqMultiple() int {
	return max(v.Br, v.Bc)
}

// Grid lays out one block per (query tile, head, batch).
func (v Variant) Grid(batch, heads, seqLen int) device.Dim3 {
	return device.Dim3{X: seqLen / v.Br, Y: heads, Z: batch}
}

// WorkUnit is one independent (batch, head, query tile) computation.
type WorkUnit struct {
	Batch, Head, QTile int
}

func unitOf(idx device.Dim3) WorkUnit {
	return WorkUnit{Batch: idx.Z, Head: idx.Y, QTile: idx.X}
}

// layout maps a work unit to element offsets in the four tensors.
type layout struct {
	heads, seqLen, headDim int
}

// headBase is the first element of the (batch, head) slab of Q, K and O.
func (l layout) headBase(u WorkUnit) int {
	return (u.Batch*l.heads + u.Head) * l.seqLen * l.headDim
}

// queryBase is the first element of the unit's query tile in Q and O.
func (l layout) queryBase(v Variant, u WorkUnit) int {
	return l.headBase(u) + u.QTile*v.Br*l.headDim
}

// keyBase is the first element of key tile j in K.
func (l layout) keyBase(v Variant, u WorkUnit, j int) int {
	return l.headBase(u) + j*v.Bc*l.headDim
}

// valueBase is the first element of value tile j in the (dim, seq) V slab.
func (l layout) valueBase(v Variant, u WorkUnit, j int) int {
	return (u.Batch*l.heads+u.Head)*l.headDim*l.seqLen + j*v.Bc
}
