package reference

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// BufferPool provides pooled matrices for the per-head score and slab
// matrices of the reference. A forward over many heads reuses the same
// few allocations.
type BufferPool struct {
	seqSeq sync.Pool // seqLen x seqLen
	seqDim sync.Pool // seqLen x headDim
}

// Pool is the package-wide buffer pool.
var Pool = &BufferPool{}

// GetSeqSeq gets a zeroed size x size matrix from the pool.
func (p *BufferPool) GetSeqSeq(size int) *mat.Dense {
	return get(&p.seqSeq, size, size)
}

// PutSeqSeq returns a matrix to the pool.
func (p *BufferPool) PutSeqSeq(m *mat.Dense) {
	if m != nil {
		p.seqSeq.Put(m)
	}
}

// GetSeqDim gets a zeroed rows x cols matrix from the pool.
func (p *BufferPool) GetSeqDim(rows, cols int) *mat.Dense {
	return get(&p.seqDim, rows, cols)
}

// PutSeqDim returns a matrix to the pool.
func (p *BufferPool) PutSeqDim(m *mat.Dense) {
	if m != nil {
		p.seqDim.Put(m)
	}
}

func get(pool *sync.Pool, rows, cols int) *mat.Dense {
	if v := pool.Get(); v != nil {
		m := v.(*mat.Dense)
		raw := m.RawMatrix().Data
		if cap(raw) >= rows*cols {
			// Zero only the elements we need
			raw = raw[:rows*cols]
			for i := range raw {
				raw[i] = 0
			}
			return mat.NewDense(rows, cols, raw)
		}
	}
	return mat.NewDense(rows, cols, nil)
}
