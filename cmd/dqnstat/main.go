// dqnstat runs a region-scoped allocation workload against an arena and
// prints the resulting arena and allocator statistics.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/pavanmanishd/dqnalloc"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML file with [arena], [heap] and [tracer] settings",
	}
	roundsFlag = &cli.IntFlag{
		Name:  "rounds",
		Usage: "number of regions to open and close",
		Value: 16,
	}
	allocsFlag = &cli.IntFlag{
		Name:  "allocs",
		Usage: "allocations made inside each region",
		Value: 256,
	}
	maxSizeFlag = &cli.IntFlag{
		Name:  "max-size",
		Usage: "largest single allocation in bytes",
		Value: 2048,
	}
	seedFlag = &cli.Int64Flag{
		Name:  "seed",
		Usage: "seed for allocation sizes and alignments",
		Value: 1,
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "log level: debug, info, warn or error",
		Value: "warn",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "dqnstat",
		Usage: "exercise a dqnalloc arena and report its statistics",
		Flags: []cli.Flag{configFlag, roundsFlag, allocsFlag, maxSizeFlag, seedFlag, verbosityFlag},
		Action: func(ctx *cli.Context) error {
			return run(ctx, ctx.App.Writer)
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context, out io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(ctx.String(verbosityFlag.Name))); err != nil {
		return errors.Wrap(err, "verbosity")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := dqnalloc.DefaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = dqnalloc.LoadConfig(path); err != nil {
			return err
		}
	}
	if ctx.Int(maxSizeFlag.Name) <= 0 {
		return errors.Newf("max-size must be positive, got %d", ctx.Int(maxSizeFlag.Name))
	}

	tracer := dqnalloc.NewTracer(cfg.Tracer.Capacity)
	backing := cfg.NewBacking(logger, tracer)
	a, err := dqnalloc.NewArenaWithAllocator(&backing, cfg.Arena.Reserve, cfg.ArenaOptions(logger)...)
	if err != nil {
		return err
	}

	w := workload{
		rounds:  ctx.Int(roundsFlag.Name),
		allocs:  ctx.Int(allocsFlag.Name),
		maxSize: ctx.Int(maxSizeFlag.Name),
		rng:     rand.New(rand.NewSource(ctx.Int64(seedFlag.Name))),
	}
	peak, err := w.run(a)
	if err != nil {
		a.Free()
		return err
	}

	a.DumpStatsToLog("dqnstat")
	backing.DumpStatsToLog("dqnstat backing")
	renderStats(out, a.Stats(), peak, backing.Stats())

	a.Free()
	if n := tracer.DumpLeaks(logger); n > 0 {
		return errors.Newf("%d allocations leaked", n)
	}
	return nil
}

type workload struct {
	rounds  int
	allocs  int
	maxSize int
	rng     *rand.Rand
}

// run opens one region per round, fills it and rolls it back. It returns the
// arena stats seen at the fullest point.
func (w workload) run(a *dqnalloc.Arena) (dqnalloc.ArenaStats, error) {
	var peak dqnalloc.ArenaStats
	for r := 0; r < w.rounds; r++ {
		err := a.Scope(func() error {
			for i := 0; i < w.allocs; i++ {
				size := 1 + w.rng.Intn(w.maxSize)
				alignment := uint8(1) << w.rng.Intn(7)
				if _, err := a.Allocate(size, alignment, i%2 == 0); err != nil {
					return errors.Wrapf(err, "round %d allocation %d", r, i)
				}
			}
			if s := a.Stats(); s.TotalUsed > peak.TotalUsed {
				peak = s
			}
			return nil
		})
		if err != nil {
			return peak, err
		}
	}
	return peak, nil
}

func renderStats(out io.Writer, s, peak dqnalloc.ArenaStats, backing dqnalloc.AllocatorStats) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Metric", "Final", "Peak", "High water"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.Append([]string{"blocks", itoa(s.TotalBlocks), itoa(peak.TotalBlocks), itoa(s.HighWater.Blocks)})
	table.Append([]string{"used bytes", itoa(s.TotalUsed), itoa(peak.TotalUsed), itoa(s.HighWater.Used)})
	table.Append([]string{"allocated bytes", itoa(s.TotalAllocated), itoa(peak.TotalAllocated), itoa(s.HighWater.Allocated)})
	table.Append([]string{"wasted bytes", itoa(s.TotalWasted), itoa(peak.TotalWasted), "-"})
	table.Append([]string{"utilization", percent(s.Utilization()), percent(peak.Utilization()), "-"})
	table.Render()

	table = tablewriter.NewWriter(out)
	table.SetHeader([]string{"Backing", "Live", "Lifetime"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.Append([]string{"bytes", strconv.FormatInt(backing.BytesAllocated, 10), strconv.FormatInt(backing.TotalBytesAllocated, 10)})
	table.Append([]string{"allocations", strconv.FormatInt(backing.Allocations, 10), strconv.FormatInt(backing.TotalAllocations, 10)})
	table.Render()
}

func itoa(n int) string { return strconv.Itoa(n) }

func percent(f float64) string { return fmt.Sprintf("%.1f%%", f*100) }
