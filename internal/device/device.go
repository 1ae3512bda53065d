package device

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// WarpSize is the number of lanes in a lane group. Lanes of a group run in
// lockstep; the emulation executes them as a loop inside one goroutine.
const WarpSize = 32

var (
	// ErrScratchBudget is returned when a launch asks for more scratch memory
	// than the device can give a single block.
	ErrScratchBudget = errors.New("scratch request exceeds per-block budget")

	// ErrLaunchConfig is returned for malformed grid or block shapes.
	ErrLaunchConfig = errors.New("invalid launch configuration")
)

// Device describes the emulated accelerator: how many lane groups a block
// may hold and how much scratch memory each block can stage tiles in.
type Device struct {
	Name string

	// MaxWarpsPerBlock bounds the lane groups cooperating on one work unit.
	MaxWarpsPerBlock int

	// ScratchDefault is the scratch a block gets without opting in.
	ScratchDefault int

	// ScratchOptIn is the largest scratch a block can request through the
	// opt-in capability. Zero means the device has no such capability.
	ScratchOptIn int

	// Workers is the number of host goroutines executing blocks.
	Workers int
}

// DefaultDevice returns a device shaped like a mid-range accelerator with
// 48 KiB of default scratch and 99 KiB reachable by opt-in.
func DefaultDevice() *Device {
	return &Device{
		Name:             "cpu-emulated",
		MaxWarpsPerBlock: 32,
		ScratchDefault:   48 << 10,
		ScratchOptIn:     99 << 10,
		Workers:          runtime.NumCPU(),
	}
}

func (d *Device) String() string {
	return fmt.Sprintf("%s (workers=%d scratch=%dKiB optin=%dKiB)",
		d.Name, d.Workers, d.ScratchDefault>>10, d.ScratchOptIn>>10)
}

// Dim3 is a grid shape. X is the fastest varying axis.
type Dim3 struct {
	X, Y, Z int
}

// Size returns the number of blocks in the grid.
func (d Dim3) Size() int {
	return d.X * d.Y * d.Z
}

func (d Dim3) index(linear int) Dim3 {
	return Dim3{
		X: linear % d.X,
		Y: (linear / d.X) % d.Y,
		Z: linear / (d.X * d.Y),
	}
}

// LaunchConfig holds everything a launch needs besides the kernel itself.
type LaunchConfig struct {
	Grid         Dim3
	Warps        int
	ScratchBytes int

	// RequestOptIn asks for scratch beyond ScratchDefault.
	RequestOptIn bool

	// CopyLatency, when set, delays every committed async copy group.
	CopyLatency func(block, warp, group int) time.Duration

	// PoisonScratch fills scratch with NaN before every block so that a read
	// of a tile that was never (or not yet) copied shows up in the output.
	PoisonScratch bool
}

// CheckScratch reports whether a block of the given scratch footprint can
// run on this device, and whether it needs the opt-in capability.
func (d *Device) CheckScratch(bytes int) (optIn bool, err error) {
	switch {
	case bytes <= d.ScratchDefault:
		return false, nil
	case d.ScratchOptIn == 0:
		return false, fmt.Errorf("%w: %d bytes requested, %d available and no opt-in capability",
			ErrScratchBudget, bytes, d.ScratchDefault)
	case bytes > d.ScratchOptIn:
		return false, fmt.Errorf("%w: %d bytes requested, opt-in limit is %d",
			ErrScratchBudget, bytes, d.ScratchOptIn)
	}
	return true, nil
}

func (d *Device) checkLaunch(cfg LaunchConfig) error {
	if cfg.Grid.X < 1 || cfg.Grid.Y < 1 || cfg.Grid.Z < 1 {
		return fmt.Errorf("%w: grid %+v", ErrLaunchConfig, cfg.Grid)
	}
	if cfg.Warps < 1 || cfg.Warps > d.MaxWarpsPerBlock {
		return fmt.Errorf("%w: %d warps per block (max %d)", ErrLaunchConfig, cfg.Warps, d.MaxWarpsPerBlock)
	}
	optIn, err := d.CheckScratch(cfg.ScratchBytes)
	if err != nil {
		return err
	}
	if optIn && !cfg.RequestOptIn {
		return fmt.Errorf("%w: %d bytes requested without opt-in (default %d)",
			ErrScratchBudget, cfg.ScratchBytes, d.ScratchDefault)
	}
	return nil
}

// Launch runs kernel once per block of the grid. Blocks are independent and
// are pulled by a bounded set of workers in no particular order. The context
// is checked between blocks only; a block always runs to completion. The
// first error aborts the remaining blocks.
func (d *Device) Launch(ctx context.Context, cfg LaunchConfig, kernel func(*Block) error) error {
	if err := d.checkLaunch(cfg); err != nil {
		launchesTotal.WithLabelValues("rejected").Inc()
		return err
	}

	total := cfg.Grid.Size()
	workers := d.Workers
	if workers < 1 {
		workers = 1
	}
	if total < workers {
		workers = total
	}

	start := time.Now()
	var next atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			// One arena per worker, reused by every block it executes.
			scratch := newScratch(cfg.ScratchBytes)
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				id := int(next.Add(1) - 1)
				if id >= total {
					return nil
				}
				scratch.reset(cfg.PoisonScratch)
				blk := newBlock(id, cfg.Grid.index(id), cfg, scratch)
				if err := kernel(blk); err != nil {
					return fmt.Errorf("block %d: %w", id, err)
				}
				blocksTotal.Inc()
			}
		})
	}

	err := g.Wait()
	launchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		launchesTotal.WithLabelValues("failed").Inc()
		return err
	}
	launchesTotal.WithLabelValues("ok").Inc()
	log.Debug().
		Int("blocks", total).
		Int("workers", workers).
		Dur("elapsed", time.Since(start)).
		Msg("Launch complete")
	return nil
}
