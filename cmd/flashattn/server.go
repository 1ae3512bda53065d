package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/x448/float16"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-flash/internal/client"
	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/kernel"
	"github.com/23skdu/longbow-flash/internal/tensor"
)

var (
	slabsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_server_slabs_processed_total",
		Help: "The total number of (batch, head) slabs computed for clients",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flash_server_request_duration_seconds",
		Help:    "Time spent processing attention requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_server_requests_total",
		Help: "Attention requests by endpoint and status code",
	}, []string{"endpoint", "code"})
)

var errBusy = errors.New("server busy")

// optionsNone leaves every setting to the record metadata.
var optionsNone kernel.Options

// Forwarder ships results to a remote dataset.
type Forwarder interface {
	Forward(ctx context.Context, rec arrow.RecordBatch) error
}

type Server struct {
	dev       *device.Device
	forwarder Forwarder
	alloc     memory.Allocator
	sem       *semaphore.Weighted
	maxWeight int64
}

func NewServer(dev *device.Device, fwd Forwarder, maxConcurrent int) *Server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Server{
		dev:       dev,
		forwarder: fwd,
		alloc:     memory.NewGoAllocator(),
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		maxWeight: int64(maxConcurrent),
	}
}

func startServer(addr string, srv *Server) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/attention", srv.handleAttention)
	http.HandleFunc("/attention/arrow", srv.handleAttentionArrow)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting attention HTTP server")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("flashattn-server")

// attend runs one forward pass under admission control. Every (batch,
// head) slab weighs one unit of the semaphore.
func (s *Server) attend(ctx context.Context, q, k, v *tensor.Tensor, opts kernel.Options) (*tensor.Tensor, error) {
	weight := min(int64(q.Shape[0]*q.Shape[1]), s.maxWeight)
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, fmt.Errorf("%w: %v", errBusy, err)
	}
	defer s.sem.Release(weight)
	trace.SpanFromContext(ctx).AddEvent("admitted", trace.WithAttributes(attribute.Int64("weight", weight)))

	out := tensor.New(tensor.Float16, q.Shape)
	if opts.OutputF32 {
		out = tensor.New(tensor.Float32, q.Shape)
	}
	opts.Device = s.dev
	if err := kernel.Forward(ctx, q, k, v, out, opts); err != nil {
		return nil, err
	}
	slabsProcessed.Add(float64(q.Shape[0] * q.Shape[1]))
	return out, nil
}

// forward ships a result to the remote dataset when one is configured.
// Failures are logged and never fail the request.
func (s *Server) forward(ctx context.Context, rec arrow.RecordBatch) {
	if s.forwarder == nil {
		return
	}
	if err := s.forwarder.Forward(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Error forwarding result")
	}
}

func statusOf(err error) int {
	if errors.Is(err, errBusy) {
		return http.StatusServiceUnavailable
	}
	c, ok := kernel.ClassOf(err)
	if !ok {
		return http.StatusBadRequest
	}
	switch c {
	case kernel.ClassConfig, kernel.ClassPrecondition:
		return http.StatusBadRequest
	case kernel.ClassResource:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type attentionRequest struct {
	Batch   int  `cbor:"batch"`
	Heads   int  `cbor:"heads"`
	Seq     int  `cbor:"seq"`
	Dim     int  `cbor:"dim"`
	Stages  int  `cbor:"stages,omitempty"`
	FP32Out bool `cbor:"fp32_out,omitempty"`
	// Q, K and V are fp16 bit patterns in (batch, heads, seq, dim) order.
	Q []uint16 `cbor:"q"`
	K []uint16 `cbor:"k"`
	V []uint16 `cbor:"v"`
}

type attentionResponse struct {
	Shape  [4]int    `cbor:"shape"`
	OutF16 []uint16  `cbor:"out_f16,omitempty"`
	OutF32 []float32 `cbor:"out_f32,omitempty"`
}

func halfTensor(name string, s tensor.Shape, bits []uint16) (*tensor.Tensor, error) {
	if len(bits) != s.Len() {
		return nil, fmt.Errorf("%s has %d values, shape %v needs %d", name, len(bits), s, s.Len())
	}
	t := tensor.New(tensor.Float16, s)
	for i, b := range bits {
		t.F16[i] = float16.Frombits(b)
	}
	return t, nil
}

func (req *attentionRequest) tensors() (q, k, v *tensor.Tensor, err error) {
	s := tensor.Shape{req.Batch, req.Heads, req.Seq, req.Dim}
	for _, n := range s {
		if n < 1 {
			return nil, nil, nil, fmt.Errorf("invalid shape %v", s)
		}
	}
	if q, err = halfTensor("q", s, req.Q); err != nil {
		return nil, nil, nil, err
	}
	if k, err = halfTensor("k", s, req.K); err != nil {
		return nil, nil, nil, err
	}
	if v, err = halfTensor("v", s, req.V); err != nil {
		return nil, nil, nil, err
	}
	return q, k, v.SwapInner(), nil
}

func (s *Server) handleAttention(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleAttention")
	defer span.End()

	start := time.Now()
	code := http.StatusOK
	defer func() {
		requestDuration.WithLabelValues("cbor").Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues("cbor", strconv.Itoa(code)).Inc()
	}()
	fail := func(status int, msg string, err error) {
		code = status
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("%s: %v", msg, err), status)
	}

	if r.Method != http.MethodPost {
		code = http.StatusMethodNotAllowed
		http.Error(w, "Method not allowed", code)
		return
	}

	var req attentionRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(http.StatusBadRequest, "Bad Request (CBOR decode)", err)
		return
	}
	q, k, v, err := req.tensors()
	if err != nil {
		fail(http.StatusBadRequest, "Bad Request", err)
		return
	}
	span.SetAttributes(
		attribute.Int("batch", req.Batch),
		attribute.Int("heads", req.Heads),
		attribute.Int("seq_len", req.Seq),
		attribute.Int("head_dim", req.Dim),
	)

	out, err := s.attend(ctx, q, k, v, kernel.Options{Stages: req.Stages, OutputF32: req.FP32Out})
	if err != nil {
		fail(statusOf(err), "Attention failed", err)
		return
	}

	resp := attentionResponse{Shape: out.Shape}
	if out.DType == tensor.Float32 {
		resp.OutF32 = out.F32
	} else {
		resp.OutF16 = make([]uint16, len(out.F16))
		for i, h := range out.F16 {
			resp.OutF16[i] = h.Bits()
		}
	}
	body, err := cbor.Marshal(resp)
	if err != nil {
		fail(http.StatusInternalServerError, "CBOR encode", err)
		return
	}

	if s.forwarder != nil {
		if rec, err := client.NewRecordBatchBuilder(s.alloc).BuildOutput(out); err == nil {
			s.forward(ctx, rec)
			rec.Release()
		}
	}

	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// optionsFrom reads the stages and fp32_out settings of the Arrow
// endpoints from URL query parameters or schema metadata.
func optionsFrom(get func(string) string) (kernel.Options, error) {
	var opts kernel.Options
	if v := get("stages"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("stages=%q: %w", v, err)
		}
		opts.Stages = n
	}
	if v := get("fp32_out"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("fp32_out=%q: %w", v, err)
		}
		opts.OutputF32 = b
	}
	return opts, nil
}

func metadataGetter(md arrow.Metadata) func(string) string {
	return func(key string) string {
		if i := md.FindKey(key); i >= 0 {
			return md.Values()[i]
		}
		return ""
	}
}

// process computes the output record of one request record.
func (s *Server) process(ctx context.Context, rec arrow.RecordBatch, base kernel.Options) (arrow.RecordBatch, error) {
	q, k, v, err := client.ReadQKV(rec)
	if err != nil {
		return nil, err
	}
	override, err := optionsFrom(metadataGetter(rec.Schema().Metadata()))
	if err != nil {
		return nil, err
	}
	opts := base
	if override.Stages != 0 {
		opts.Stages = override.Stages
	}
	opts.OutputF32 = opts.OutputF32 || override.OutputF32
	out, err := s.attend(ctx, q, k, v, opts)
	if err != nil {
		return nil, err
	}
	res, err := client.NewRecordBatchBuilder(s.alloc).BuildOutput(out)
	if err != nil {
		return nil, err
	}
	s.forward(ctx, res)
	return res, nil
}

func (s *Server) handleAttentionArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleAttentionArrow")
	defer span.End()

	start := time.Now()
	code := http.StatusOK
	defer func() {
		requestDuration.WithLabelValues("arrow").Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues("arrow", strconv.Itoa(code)).Inc()
	}()

	if r.Method != http.MethodPost {
		code = http.StatusMethodNotAllowed
		http.Error(w, "Method not allowed", code)
		return
	}
	base, err := optionsFrom(r.URL.Query().Get)
	if err != nil {
		code = http.StatusBadRequest
		http.Error(w, err.Error(), code)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		code = http.StatusBadRequest
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), code)
		return
	}
	defer reader.Release()

	var results []arrow.RecordBatch
	defer func() {
		for _, rec := range results {
			rec.Release()
		}
	}()
	for reader.Next() {
		res, err := s.process(ctx, reader.Record(), base)
		if err != nil {
			span.RecordError(err)
			code = statusOf(err)
			http.Error(w, fmt.Sprintf("Attention failed: %v", err), code)
			return
		}
		results = append(results, res)
	}
	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		code = http.StatusBadRequest
		http.Error(w, "Stream error", code)
		return
	}
	span.SetAttributes(attribute.Int("records", len(results)))

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if len(results) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(results[0].Schema()), ipc.WithAllocator(s.alloc))
	for _, rec := range results {
		if err := writer.Write(rec); err != nil {
			log.Error().Err(err).Msg("Error writing Arrow response")
			break
		}
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing Arrow response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
