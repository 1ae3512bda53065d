package client

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-flash/internal/tensor"
)

// Schema metadata keys carrying the tensor shape.
const (
	MetaBatch = "batch"
	MetaHeads = "heads"
	MetaSeq   = "seq"
	MetaDim   = "dim"
)

// Column names of the attention records.
const (
	ColBatch = "batch"
	ColHead  = "head"
	ColPos   = "pos"
	ColQ     = "q"
	ColK     = "k"
	ColV     = "v"
	ColOut   = "out"
)

// RecordBatchBuilder converts attention tensors to and from Arrow records.
// A record holds one row per (batch, head, position), ordered the same way,
// with every feature vector in a fixed_size_list<float32>[dim] column.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

func shapeMetadata(s tensor.Shape) arrow.Metadata {
	return arrow.NewMetadata(
		[]string{MetaBatch, MetaHeads, MetaSeq, MetaDim},
		[]string{strconv.Itoa(s[0]), strconv.Itoa(s[1]), strconv.Itoa(s[2]), strconv.Itoa(s[3])},
	)
}

// ShapeOf reads the (batch, heads, seq, dim) shape from schema metadata.
func ShapeOf(schema *arrow.Schema) (tensor.Shape, error) {
	var s tensor.Shape
	md := schema.Metadata()
	for i, key := range []string{MetaBatch, MetaHeads, MetaSeq, MetaDim} {
		idx := md.FindKey(key)
		if idx < 0 {
			return s, fmt.Errorf("schema metadata is missing %q", key)
		}
		n, err := strconv.Atoi(md.Values()[idx])
		if err != nil || n < 1 {
			return s, fmt.Errorf("schema metadata %q=%q is not a positive integer", key, md.Values()[idx])
		}
		s[i] = n
	}
	return s, nil
}

// BuildQKV encodes an attention request. q and k are (batch, heads, seq,
// dim); v is in the kernel's (batch, heads, dim, seq) layout and is written
// back in sequence order.
func (b *RecordBatchBuilder) BuildQKV(q, k, v *tensor.Tensor) (arrow.RecordBatch, error) {
	s := q.Shape
	if k.Shape != s || v.Shape != (tensor.Shape{s[0], s[1], s[3], s[2]}) {
		return nil, fmt.Errorf("inconsistent shapes q=%v k=%v v=%v", q.Shape, k.Shape, v.Shape)
	}
	fsl := arrow.FixedSizeListOf(int32(s[3]), arrow.PrimitiveTypes.Float32)
	schema := arrow.NewSchema([]arrow.Field{
		{Name: ColQ, Type: fsl},
		{Name: ColK, Type: fsl},
		{Name: ColV, Type: fsl},
	}, ptr(shapeMetadata(s)))

	cols := []arrow.Array{
		b.vectors(s[3], q.Float32()),
		b.vectors(s[3], k.Float32()),
		b.vectors(s[3], v.SwapInner().Float32()),
	}
	defer releaseAll(cols)
	return array.NewRecordBatch(schema, cols, int64(s[0]*s[1]*s[2])), nil
}

// BuildOutput encodes an attention result with its row coordinates.
func (b *RecordBatchBuilder) BuildOutput(out *tensor.Tensor) (arrow.RecordBatch, error) {
	s := out.Shape
	rows := s[0] * s[1] * s[2]
	schema := arrow.NewSchema([]arrow.Field{
		{Name: ColBatch, Type: arrow.PrimitiveTypes.Int32},
		{Name: ColHead, Type: arrow.PrimitiveTypes.Int32},
		{Name: ColPos, Type: arrow.PrimitiveTypes.Int32},
		{Name: ColOut, Type: arrow.FixedSizeListOf(int32(s[3]), arrow.PrimitiveTypes.Float32)},
	}, ptr(shapeMetadata(s)))

	coords := make([]*array.Int32Builder, 3)
	for i := range coords {
		coords[i] = array.NewInt32Builder(b.mem)
		defer coords[i].Release()
		coords[i].Reserve(rows)
	}
	for bi := 0; bi < s[0]; bi++ {
		for h := 0; h < s[1]; h++ {
			for n := 0; n < s[2]; n++ {
				coords[0].Append(int32(bi))
				coords[1].Append(int32(h))
				coords[2].Append(int32(n))
			}
		}
	}

	cols := []arrow.Array{
		coords[0].NewArray(),
		coords[1].NewArray(),
		coords[2].NewArray(),
		b.vectors(s[3], out.Float32()),
	}
	defer releaseAll(cols)
	return array.NewRecordBatch(schema, cols, int64(rows)), nil
}

func (b *RecordBatchBuilder) vectors(dim int, data []float32) arrow.Array {
	lb := array.NewFixedSizeListBuilder(b.mem, int32(dim), arrow.PrimitiveTypes.Float32)
	defer lb.Release()
	vb := lb.ValueBuilder().(*array.Float32Builder)
	vb.Reserve(len(data))
	for off := 0; off < len(data); off += dim {
		lb.Append(true)
		vb.AppendValues(data[off:off+dim], nil)
	}
	return lb.NewArray()
}

// ReadQKV decodes an attention request into half-precision tensors, with v
// in the kernel's (batch, heads, dim, seq) layout.
func ReadQKV(rec arrow.RecordBatch) (q, k, v *tensor.Tensor, err error) {
	s, err := ShapeOf(rec.Schema())
	if err != nil {
		return nil, nil, nil, err
	}
	out := make([]*tensor.Tensor, 3)
	for i, name := range []string{ColQ, ColK, ColV} {
		data, err := column(rec, name, s)
		if err != nil {
			return nil, nil, nil, err
		}
		if out[i], err = tensor.FromFloat32(tensor.Float16, s, data); err != nil {
			return nil, nil, nil, err
		}
	}
	return out[0], out[1], out[2].SwapInner(), nil
}

// ReadOutput decodes an attention result into a float32 tensor.
func ReadOutput(rec arrow.RecordBatch) (*tensor.Tensor, error) {
	s, err := ShapeOf(rec.Schema())
	if err != nil {
		return nil, err
	}
	data, err := column(rec, ColOut, s)
	if err != nil {
		return nil, err
	}
	return tensor.FromFloat32(tensor.Float32, s, data)
}

func column(rec arrow.RecordBatch, name string, s tensor.Shape) ([]float32, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("record has no %q column", name)
	}
	fsl, ok := rec.Column(idx[0]).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, want fixed_size_list<float32>", name, rec.Column(idx[0]).DataType())
	}
	if dim := fsl.DataType().(*arrow.FixedSizeListType).Len(); int(dim) != s[3] {
		return nil, fmt.Errorf("column %q has vectors of %d, want %d", name, dim, s[3])
	}
	if rows := s[0] * s[1] * s[2]; fsl.Len() != rows {
		return nil, fmt.Errorf("column %q has %d rows, want %d", name, fsl.Len(), rows)
	}
	values, ok := fsl.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("column %q values are %s, want float32", name, fsl.ListValues().DataType())
	}
	start := fsl.Data().Offset() * s[3]
	return values.Float32Values()[start : start+s.Len()], nil
}

func releaseAll(arrs []arrow.Array) {
	for _, a := range arrs {
		a.Release()
	}
}

func ptr[T any](v T) *T {
	return &v
}
