package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/cpu"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-flash/internal/client"
	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/kernel"
	"github.com/23skdu/longbow-flash/internal/reference"
	"github.com/23skdu/longbow-flash/internal/tensor"
)

var (
	batch         = flag.Int("batch", 1, "Batch size")
	heads         = flag.Int("heads", 4, "Number of attention heads")
	seqLen        = flag.Int("seq", 256, "Sequence length (multiple of the tile size)")
	headDim       = flag.Int("dim", 64, "Head dimension (32, 64, 96, 128 or 256)")
	stages        = flag.Int("stages", 2, "Staging buffers: 1 (no look-ahead) or 2 (double-buffered)")
	fp32Out       = flag.Bool("fp32-out", false, "Store the output in float32 instead of float16")
	mode          = flag.String("mode", "run", "Mode: run, verify, bench or identity")
	iters         = flag.Int("iters", 10, "Iterations in bench mode")
	seed          = flag.Uint64("seed", 42, "Seed for generated inputs")
	qPath         = flag.String("q", "", "Raw little-endian fp16 query file (batch, heads, seq, dim)")
	kPath         = flag.String("k", "", "Raw little-endian fp16 key file (batch, heads, seq, dim)")
	vPath         = flag.String("v", "", "Raw little-endian fp16 value file (batch, heads, seq, dim)")
	outPath       = flag.String("out", "", "Write the output as an Arrow IPC stream to this file")
	workers       = flag.Int("workers", 0, "Host goroutines executing blocks (0 = NumCPU)")
	scratchOptIn  = flag.String("scratch-optin", "99KB", "Opt-in scratch per block (e.g. 99KB, 0 to disable)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	serverAddr    = flag.String("server", "", "Remote Flight server to forward results to (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "attention_out", "Target dataset name on the remote server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of (batch, head) slabs computed at once by the servers")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

func parseBytes(s string) int64 {
	// 99KB, 1MB, 1024
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	_, _ = fmt.Sscanf(s, "%d%s", &val, &unit)

	switch unit {
	case "GB", "G":
		return val * 1024 * 1024 * 1024
	case "MB", "M":
		return val * 1024 * 1024
	case "KB", "K":
		return val * 1024
	default:
		return val
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	dev := newDevice()
	logHost(dev)

	var forwarder *client.Forwarder
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		forwarder = client.NewForwarder(fc, client.NewCircuitBreaker(5, 30*time.Second), *datasetName)
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Forwarding results to Flight server")
	}

	if *listenAddr != "" || *flightAddr != "" {
		var fwd Forwarder
		if forwarder != nil {
			fwd = forwarder
		}
		srv := NewServer(dev, fwd, *maxConcurrent)
		if *flightAddr != "" {
			go StartFlightServer(*flightAddr, srv)
		}
		if *listenAddr != "" {
			go startServer(*listenAddr, srv)
		}
		select {}
	}

	ctx := context.Background()
	switch *mode {
	case "run", "verify":
		err = runOnce(ctx, dev, forwarder, *mode == "verify")
	case "bench":
		err = bench(ctx, dev)
	case "identity":
		err = identity(ctx, dev)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatal().Err(err).Str("mode", *mode).Msg("Failed")
	}
}

func newDevice() *device.Device {
	dev := device.DefaultDevice()
	dev.ScratchOptIn = int(parseBytes(*scratchOptIn))
	if *workers > 0 {
		dev.Workers = *workers
	}
	return dev
}

func logHost(dev *device.Device) {
	log.Info().
		Stringer("device", dev).
		Bool("avx2", cpu.X86.HasAVX2).
		Bool("avx512f", cpu.X86.HasAVX512F).
		Bool("fma", cpu.X86.HasFMA).
		Bool("asimd", cpu.ARM64.HasASIMD).
		Bool("fphp", cpu.ARM64.HasFPHP).
		Msg("Host")
}

func shape() tensor.Shape {
	return tensor.Shape{*batch, *heads, *seqLen, *headDim}
}

// inputs loads q, k and v from raw files when given, otherwise draws them
// from N(0, 1). v is returned in the kernel's (batch, heads, dim, seq)
// layout.
func inputs() (q, k, v *tensor.Tensor, err error) {
	s := shape()
	if *qPath != "" || *kPath != "" || *vPath != "" {
		if *qPath == "" || *kPath == "" || *vPath == "" {
			return nil, nil, nil, errors.New("-q, -k and -v must be given together")
		}
		if q, err = tensor.LoadFile(*qPath, tensor.Float16, s); err != nil {
			return nil, nil, nil, err
		}
		if k, err = tensor.LoadFile(*kPath, tensor.Float16, s); err != nil {
			return nil, nil, nil, err
		}
		if v, err = tensor.LoadFile(*vPath, tensor.Float16, s); err != nil {
			return nil, nil, nil, err
		}
		return q, k, v.SwapInner(), nil
	}
	rng := rand.New(rand.NewPCG(*seed, 0))
	return tensor.Gaussian(rng, s, 1), tensor.Gaussian(rng, s, 1), tensor.Gaussian(rng, s, 1).SwapInner(), nil
}

func newOutput(s tensor.Shape) *tensor.Tensor {
	if *fp32Out {
		return tensor.New(tensor.Float32, s)
	}
	return tensor.New(tensor.Float16, s)
}

func runOnce(ctx context.Context, dev *device.Device, fwd *client.Forwarder, verify bool) error {
	q, k, v, err := inputs()
	if err != nil {
		return err
	}
	out := newOutput(q.Shape)

	start := time.Now()
	if err := kernel.Forward(ctx, q, k, v, out, kernel.Options{Stages: *stages, OutputF32: *fp32Out, Device: dev}); err != nil {
		return err
	}
	elapsed := time.Since(start)
	log.Info().
		Str("shape", q.Shape.String()).
		Int("stages", *stages).
		Bool("fp32_out", *fp32Out).
		Dur("elapsed", elapsed).
		Msg("Attention computed")

	if verify {
		ref, err := reference.Attention(q, k, v, reference.Scale(*headDim))
		if err != nil {
			return err
		}
		maxDiff, meanDiff := diff(ref.Out.F32, out.Float32())
		tol := 1e-2
		if *fp32Out {
			tol = 5e-3
		}
		log.Info().Float64("max_diff", maxDiff).Float64("mean_diff", meanDiff).Float64("tolerance", tol).Msg("Compared with reference")
		if maxDiff > tol {
			return fmt.Errorf("max diff %g exceeds tolerance %g", maxDiff, tol)
		}
	}

	if *outPath == "" && fwd == nil {
		return nil
	}
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildOutput(out)
	if err != nil {
		return err
	}
	defer rec.Release()

	if *outPath != "" {
		if err := writeArrowFile(*outPath, rec); err != nil {
			return err
		}
		log.Info().Str("path", *outPath).Int64("rows", rec.NumRows()).Msg("Wrote Arrow IPC stream")
	}
	if fwd != nil {
		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := fwd.Forward(ctx, rec); err != nil {
			return err
		}
		log.Info().Msg("Successfully forwarded output")
	}
	return nil
}

func diff(want, got []float32) (maxDiff, meanDiff float64) {
	for i := range want {
		d := math.Abs(float64(got[i] - want[i]))
		maxDiff = math.Max(maxDiff, d)
		meanDiff += d
	}
	return maxDiff, meanDiff / float64(len(want))
}

func bench(ctx context.Context, dev *device.Device) error {
	q, k, v, err := inputs()
	if err != nil {
		return err
	}
	out := newOutput(q.Shape)
	opts := kernel.Options{Stages: *stages, OutputF32: *fp32Out, Device: dev}

	// Warm-up compiles the plan.
	if err := kernel.Forward(ctx, q, k, v, out, opts); err != nil {
		return err
	}
	start := time.Now()
	for i := 0; i < *iters; i++ {
		if err := kernel.Forward(ctx, q, k, v, out, opts); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	s := q.Shape
	variant, err := kernel.Select(s[3], *stages, *fp32Out)
	if err != nil {
		return err
	}
	flops := 4 * float64(s[0]*s[1]) * float64(s[2]) * float64(s[2]) * float64(s[3])
	perIter := elapsed / time.Duration(max(*iters, 1))
	p := message.NewPrinter(language.English)
	fmt.Println(p.Sprintf("shape %v stages %d: %d iterations, %v per forward, %.3f GFLOP/s, %d work units per forward",
		s, *stages, *iters, perIter, flops/perIter.Seconds()/1e9, variant.Grid(s[0], s[1], s[2]).Size()))
	return nil
}

// identity runs the one-hot scenario: row i of q, k and v is the unit
// vector at feature i mod dim, so output row i peaks at that feature.
func identity(ctx context.Context, dev *device.Device) error {
	s := tensor.Shape{1, 1, 128, 64}
	q, k := tensor.OneHot(s), tensor.OneHot(s)
	v := tensor.OneHot(s).SwapInner()
	out := tensor.New(tensor.Float32, s)
	if err := kernel.Forward(ctx, q, k, v, out, kernel.Options{Stages: *stages, OutputF32: true, Device: dev}); err != nil {
		return err
	}
	for i := 0; i < s[2]; i++ {
		best := 0
		for c := 1; c < s[3]; c++ {
			if out.At(0, 0, i, c) > out.At(0, 0, i, best) {
				best = c
			}
		}
		if best != i%s[3] {
			return fmt.Errorf("row %d peaks at feature %d, want %d", i, best, i%s[3])
		}
	}
	log.Info().Float32("peak", out.At(0, 0, 0, 0)).Float32("off_peak", out.At(0, 0, 0, 1)).Msg("Identity scenario passed")
	return nil
}

func writeArrowFile(path string, rec arrow.RecordBatch) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	writer := ipc.NewWriter(f, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		_ = f.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("flashattn"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
