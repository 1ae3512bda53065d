package kernel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tensor"
)

var tracer = otel.Tracer("longbow-flash/kernel")

// Options tune a forward pass. The zero value selects two stages, half
// precision output, scale 1/√d and the default device.
type Options struct {
	// Stages is 1 or 2; 0 means 2.
	Stages int
	// OutputF32 selects a float32 output tensor instead of float16.
	OutputF32 bool
	// Scale multiplies the scores before the softmax; 0 means 1/√d.
	Scale float32
	Device *device.Device

	// DisableQInRegisters forces the query fragments to be re-read from
	// scratch for every key block.
	DisableQInRegisters bool
	// CopyLatency delays every async copy group.
	CopyLatency func(block, warp, group int) time.Duration
	// PoisonScratch fills scratch with NaN before every block.
	PoisonScratch bool
	// Inspect, when set, receives the final softmax statistics of every
	// lane group's rows. It is called concurrently.
	Inspect func(WorkUnit, []RowStats)
}

func (o Options) stages() int {
	if o.Stages == 0 {
		return 2
	}
	return o.Stages
}

// Forward computes out = softmax(q·kᵗ·scale)·v for every batch and head.
// q, k and out are (batch, heads, seq, dim); v is (batch, heads, dim, seq).
// q, k and v must be float16; out must be float32 when opts.OutputF32 is
// set and float16 otherwise. Nothing is launched unless every check
// passes.
func Forward(ctx context.Context, q, k, v, out *tensor.Tensor, opts Options) error {
	p, err := prepare(q, k, v, out, opts)
	if err != nil {
		countError(err)
		return err
	}
	dev := opts.Device
	if dev == nil {
		dev = device.DefaultDevice()
	}

	batch, heads, seqLen, d := q.Shape[0], q.Shape[1], q.Shape[2], q.Shape[3]
	ctx, span := tracer.Start(ctx, "Forward", trace.WithAttributes(
		attribute.String("variant", p.Key()),
		attribute.Int("batch", batch),
		attribute.Int("heads", heads),
		attribute.Int("seq_len", seqLen),
		attribute.Int("head_dim", d),
	))
	defer span.End()

	optIn, err := dev.CheckScratch(p.ScratchBytes())
	if err != nil {
		err = resourceError("Forward", fmt.Sprintf("variant %s on %s", p.Key(), dev.Name), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "scratch budget")
		forwardTotal.WithLabelValues(p.Key(), "rejected").Inc()
		countError(err)
		return err
	}

	scale := opts.Scale
	if scale == 0 {
		scale = float32(1 / math.Sqrt(float64(d)))
	}
	a := &attention{
		plan:    p,
		layout:  layout{heads: heads, seqLen: seqLen, headDim: d},
		scale:   scale,
		q:       q.F16,
		k:       k.F16,
		v:       v.F16,
		out:     out,
		inspect: opts.Inspect,
	}
	cfg := device.LaunchConfig{
		Grid:          p.Grid(batch, heads, seqLen),
		Warps:         p.Warps,
		ScratchBytes:  p.ScratchBytes(),
		RequestOptIn:  optIn,
		CopyLatency:   opts.CopyLatency,
		PoisonScratch: opts.PoisonScratch,
	}

	log.Debug().
		Str("variant", p.Key()).
		Str("shape", q.Shape.String()).
		Int("blocks", cfg.Grid.Size()).
		Bool("opt_in", optIn).
		Msg("Launching attention")

	start := time.Now()
	if err := dev.Launch(ctx, cfg, a.run); err != nil {
		if errors.Is(err, device.ErrScratchBudget) {
			err = resourceError("Forward", "launch", err)
		} else {
			err = executionError("Forward", "launch", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch failed")
		forwardTotal.WithLabelValues(p.Key(), "failed").Inc()
		countError(err)
		return err
	}
	forwardDuration.WithLabelValues(p.Key()).Observe(time.Since(start).Seconds())
	forwardTotal.WithLabelValues(p.Key(), "ok").Inc()
	workUnits.Add(float64(cfg.Grid.Size()))
	return nil
}

// prepare validates the operands and resolves the compiled plan.
func prepare(q, k, v, out *tensor.Tensor, opts Options) (*Plan, error) {
	if q == nil || k == nil || v == nil || out == nil {
		return nil, preconditionError("Forward", "nil tensor", ErrShape)
	}
	for _, t := range []struct {
		name string
		t    *tensor.Tensor
	}{{"q", q}, {"k", k}, {"v", v}} {
		if t.t.DType != tensor.Float16 {
			return nil, configError("Forward", fmt.Sprintf("%s is %s, want float16", t.name, t.t.DType), ErrDType)
		}
	}
	want := tensor.Float16
	if opts.OutputF32 {
		want = tensor.Float32
	}
	if out.DType != want {
		return nil, configError("Forward", fmt.Sprintf("out is %s, want %s", out.DType, want), ErrDType)
	}

	batch, heads, seqLen, d := q.Shape[0], q.Shape[1], q.Shape[2], q.Shape[3]
	if batch < 1 || heads < 1 || seqLen < 1 || d < 1 {
		return nil, preconditionError("Forward", fmt.Sprintf("q shape %v", q.Shape), ErrShape)
	}
	if k.Shape != q.Shape {
		return nil, preconditionError("Forward", fmt.Sprintf("k shape %v, want %v", k.Shape, q.Shape), ErrShape)
	}
	if out.Shape != q.Shape {
		return nil, preconditionError("Forward", fmt.Sprintf("out shape %v, want %v", out.Shape, q.Shape), ErrShape)
	}
	if vs := (tensor.Shape{batch, heads, d, seqLen}); v.Shape != vs {
		return nil, preconditionError("Forward", fmt.Sprintf("v shape %v, want %v", v.Shape, vs), ErrShape)
	}
	for _, t := range []*tensor.Tensor{q, k, v} {
		if len(t.F16) != t.Len() {
			return nil, preconditionError("Forward", fmt.Sprintf("%d elements for shape %v", len(t.F16), t.Shape), ErrShape)
		}
	}
	if n := len(out.F16) + len(out.F32); n != out.Len() {
		return nil, preconditionError("Forward", fmt.Sprintf("%d output elements for shape %v", n, out.Shape), ErrShape)
	}

	variant, err := Select(d, opts.stages(), opts.OutputF32)
	if err != nil {
		return nil, err
	}
	if opts.DisableQInRegisters {
		variant.QInRegisters = false
	}
	if m := variant.SeqMultiple(); seqLen%m != 0 {
		return nil, preconditionError("Forward", fmt.Sprintf("seq_len %d for tiles of %d", seqLen, m), ErrSeqLen)
	}
	return compile(variant)
}

func countError(err error) {
	if c, ok := ClassOf(err); ok {
		forwardErrors.WithLabelValues(c.String()).Inc()
	}
}
