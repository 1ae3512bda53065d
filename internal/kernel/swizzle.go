package kernel

import (
	"fmt"
	"math/bits"
)

// swizzleRowGroup is the number of consecutive rows sharing one XOR key.
const swizzleRowGroup = 4

// Swizzle permutes the column chunks of a row-major scratch tile so that
// lanes touching the same logical column of neighbouring rows hit different
// banks. Writers and readers of a tile must use the same Swizzle.
type Swizzle struct {
	Stride int
	Chunk  int

	chunks int
	mask   int
}

// NewSwizzle builds the permutation for rows of stride elements grouped in
// chunk-element chunks.
func NewSwizzle(stride, chunk int) (Swizzle, error) {
	if chunk != 4 && chunk != 8 {
		return Swizzle{}, fmt.Errorf("swizzle: chunk %d must be 4 or 8", chunk)
	}
	if stride <= 0 || stride%chunk != 0 {
		return Swizzle{}, fmt.Errorf("swizzle: stride %d is not a multiple of chunk %d", stride, chunk)
	}
	chunks := stride / chunk
	// XOR keys stay below the largest power of two dividing the chunk count,
	// which keeps every row a bijection even for 12-chunk rows.
	span := 1 << bits.TrailingZeros(uint(chunks))
	return Swizzle{Stride: stride, Chunk: chunk, chunks: chunks, mask: span - 1}, nil
}

func mustSwizzle(stride, chunk int) Swizzle {
	s, err := NewSwizzle(stride, chunk)
	if err != nil {
		panic(err)
	}
	return s
}

// Col returns the physical column of logical (row, col).
func (s Swizzle) Col(row, col int) int {
	chunk := col / s.Chunk
	key := (row / swizzleRowGroup) & s.mask
	return (chunk^key)*s.Chunk + col%s.Chunk
}

// Offset returns the physical element offset of logical (row, col).
func (s Swizzle) Offset(row, col int) int {
	return row*s.Stride + s.Col(row, col)
}

// Scratch banks are 4 bytes wide, 32 of them.
const (
	numBanks  = 32
	bankBytes = 4
)

// BankConflicts returns the worst-case number of distinct 4-byte words that
// map to the same bank for one access phase. Each entry of starts is the
// element offset of a contiguous run of width elements of elemBytes each.
// A result of 1 means the phase is conflict free.
func BankConflicts(starts []int, width, elemBytes int) int {
	words := make(map[int]struct{})
	for _, off := range starts {
		first := off * elemBytes / bankBytes
		last := ((off+width)*elemBytes - 1) / bankBytes
		for w := first; w <= last; w++ {
			words[w] = struct{}{}
		}
	}
	perBank := make(map[int]int)
	worst := 0
	for w := range words {
		perBank[w%numBanks]++
		worst = max(worst, perBank[w%numBanks])
	}
	return worst
}
