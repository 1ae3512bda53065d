//go:build ignore

package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-flash/internal/client"
	"github.com/23skdu/longbow-flash/internal/reference"
	"github.com/23skdu/longbow-flash/internal/tensor"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to attention Flight server")

	// The server may still be starting.
	var c *client.FlightClient
	var err error
	for i := 0; i < 10; i++ {
		c, err = client.NewFlightClient(addr)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	defer c.Close()

	rng := rand.New(rand.NewPCG(1, 2))
	s := tensor.Shape{1, 2, 128, 64}
	q := tensor.Gaussian(rng, s, 1)
	k := tensor.Gaussian(rng, s, 1)
	v := tensor.Gaussian(rng, tensor.Shape{s[0], s[1], s[3], s[2]}, 1)

	req, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildQKV(q, k, v)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build request")
	}
	defer req.Release()

	start := time.Now()
	res, err := c.Exchange(context.Background(), req)
	if err != nil {
		log.Fatal().Err(err).Msg("Exchange failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Int("records", len(res)).Msg("Received results")
	if len(res) != 1 {
		log.Fatal().Int("got", len(res)).Msg("Expected one result record")
	}
	defer res[0].Release()

	got, err := client.ReadOutput(res[0])
	if err != nil {
		log.Fatal().Err(err).Msg("Bad result record")
	}
	ref, err := reference.Attention(q, k, v, reference.Scale(s[3]))
	if err != nil {
		log.Fatal().Err(err).Msg("Reference failed")
	}

	worst := 0.0
	for i := range ref.Out.F32 {
		worst = math.Max(worst, math.Abs(float64(ref.Out.F32[i]-got.F32[i])))
	}
	log.Info().Float64("max_diff", worst).Msg("Compared with reference")
	if worst > 1e-2 {
		log.Fatal().Float64("max_diff", worst).Msg("Result mismatch")
	}

	fmt.Println("VERIFICATION PASSED")
}
