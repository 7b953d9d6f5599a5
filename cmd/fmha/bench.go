package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/dropout"
	"github.com/samcharles93/fmha/internal/fmha"
	"github.com/samcharles93/fmha/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		opts       problemOptions
		warmupRuns int64
		benchRuns  int64
	)

	flags := problemFlags(&opts)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       5,
			Destination: &benchRuns,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time forward and backward passes on random data",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			arch, err := device.ParseArch(archName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			e := fmha.New(device.New(0, arch), fmha.WithWorkers(int(workers)), fmha.WithLogger(log))
			defer e.Close()

			r := rand.New(rand.NewPCG(uint64(seed), 0))
			p, err := opts.build(r, 0, arch)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			gen := dropout.NewGenerator(uint64(seed))

			host := device.Host()
			var features []string
			for name, ok := range host.Features {
				if ok {
					features = append(features, name)
				}
			}
			slices.Sort(features)

			fmt.Println("=== FMHA Benchmark ===")
			fmt.Printf("Arch:     %s\n", arch)
			fmt.Printf("Host:     %s/%s, %d CPUs (%s)\n", host.GOOS, host.GOARCH, host.CPUs, strings.Join(features, " "))
			fmt.Printf("Workers:  %d\n", e.Workers())
			fmt.Printf("Problem:  batch=%d heads=%d d=%d max_q=%d max_k=%d %s\n",
				p.shape.Batch, p.shape.Heads, p.shape.HeadDim, p.maxQ, p.maxK, p.shape.DType)
			fmt.Printf("Options:  causal=%t dropout=%g splits=%d block_sparse=%t\n",
				p.shape.Causal, p.shape.DropoutP, p.shape.Splits, p.shape.BlockSparse)
			fmt.Printf("Warmup:   %d runs\n", warmupRuns)
			fmt.Printf("Runs:     %d\n", benchRuns)
			fmt.Println()

			step := func() (fwd, bwd time.Duration, err error) {
				snap := gen.Snapshot()
				start := time.Now()
				fres, err := p.forward(e, gen)
				if err != nil {
					return 0, 0, fmt.Errorf("forward: %w", err)
				}
				fwd = time.Since(start)
				gen.Restore(snap)
				start = time.Now()
				if _, err := p.backward(e, fres.LSE, gen); err != nil {
					return 0, 0, fmt.Errorf("backward: %w", err)
				}
				return fwd, time.Since(start), nil
			}

			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, _, err := step(); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			type runResult struct {
				Forward, Backward time.Duration
			}
			results := make([]runResult, 0, benchRuns)
			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				fwd, bwd, err := step()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, runResult{Forward: fwd, Backward: bwd})
			}
			if len(results) == 0 {
				return nil
			}

			// Backward does roughly two and a half times the forward work.
			flops := p.flops()
			gflops := func(d time.Duration, scale float64) float64 {
				return scale * flops / d.Seconds() / 1e9
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %12s %10s %12s %10s\n", "Run", "Forward", "Fwd", "Backward", "Bwd")
			fmt.Printf("%-6s %12s %10s %12s %10s\n", "---", "", "GFLOP/s", "", "GFLOP/s")

			var sumFwd, sumBwd time.Duration
			for i, r := range results {
				fmt.Printf("%-6d %12s %10.2f %12s %10.2f\n",
					i+1, r.Forward.Round(time.Microsecond), gflops(r.Forward, 1),
					r.Backward.Round(time.Microsecond), gflops(r.Backward, 2.5))
				sumFwd += r.Forward
				sumBwd += r.Backward
			}

			n := time.Duration(len(results))
			avgFwd, avgBwd := sumFwd/n, sumBwd/n
			fmt.Printf("\n%-6s %12s %10.2f %12s %10.2f\n", "Avg",
				avgFwd.Round(time.Microsecond), gflops(avgFwd, 1),
				avgBwd.Round(time.Microsecond), gflops(avgBwd, 2.5))

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))

			return nil
		},
	}
}
