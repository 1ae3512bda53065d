package device

import (
	"fmt"

	"github.com/x448/float16"
)

// Scratch is the on-chip memory shared by the lane groups of a block. It is
// an arena of half-precision elements that a kernel carves into tiles at
// the start of every block.
type Scratch struct {
	mem  []float16.Float16
	used int
}

func newScratch(bytes int) *Scratch {
	return &Scratch{mem: make([]float16.Float16, bytes/2)}
}

// Bytes returns the arena capacity in bytes.
func (s *Scratch) Bytes() int {
	return len(s.mem) * 2
}

// Carve hands out the next n elements of the arena. Carving past the
// launch's scratch request is a kernel bug and panics.
func (s *Scratch) Carve(n int) []float16.Float16 {
	if s.used+n > len(s.mem) {
		panic(fmt.Sprintf("device: scratch overflow: %d + %d elements > %d", s.used, n, len(s.mem)))
	}
	region := s.mem[s.used : s.used+n : s.used+n]
	s.used += n
	return region
}

func (s *Scratch) reset(poison bool) {
	s.used = 0
	if !poison {
		return
	}
	nan := float16.NaN()
	for i := range s.mem {
		s.mem[i] = nan
	}
}
