package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/dropout"
	"github.com/samcharles93/fmha/internal/fmha"
	"github.com/samcharles93/fmha/internal/logger"
	"github.com/samcharles93/fmha/internal/reference"
	"github.com/samcharles93/fmha/internal/tensor"
)

// configTolerance is the tolerance from the config file, if any.
var configTolerance *float64

// CheckReport is the JSON document printed by the check command.
type CheckReport struct {
	RunID     string        `json:"run_id"`
	Arch      string        `json:"arch"`
	Kernel    string        `json:"kernel"`
	Problem   Shape         `json:"problem"`
	Philox    dropout.State `json:"philox"`
	Tolerance float64       `json:"tolerance"`
	Errors    ErrorSummary  `json:"max_abs_error"`
	// LSEMismatch counts rows where exactly one side is -inf.
	LSEMismatch int    `json:"lse_mismatch"`
	Elapsed     string `json:"elapsed"`
	Passed      bool   `json:"passed"`
}

type ErrorSummary struct {
	Out float64 `json:"out"`
	LSE float64 `json:"lse"`
	DQ  float64 `json:"dq"`
	DK  float64 `json:"dk"`
	DV  float64 `json:"dv"`
}

func (s ErrorSummary) max() float64 {
	return max(s.Out, s.LSE, s.DQ, s.DK, s.DV)
}

func checkCmd() *cli.Command {
	var (
		opts      problemOptions
		tolerance float64
	)
	flags := append(problemFlags(&opts), &cli.Float64Flag{
		Name:        "tolerance",
		Usage:       "largest absolute error accepted (0 picks one from the dtype)",
		Destination: &tolerance,
	})
	return &cli.Command{
		Name:  "check",
		Usage: "Run forward and backward on random data and compare with a float64 reference",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			runID := uuid.NewString()
			log := logger.FromContext(ctx).With("run", runID)

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
			if tolerance == 0 {
				tolerance = defaultTolerance(p.shape.DType)
			}

			gen := dropout.NewGenerator(uint64(seed))
			start := time.Now()
			// Backward must see the same random segment as forward.
			snap := gen.Snapshot()
			fres, err := p.forward(e, gen)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: forward: %v", err), 1)
			}
			gen.Restore(snap)
			bres, err := p.backward(e, fres.LSE, gen)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: backward: %v", err), 1)
			}
			elapsed := time.Since(start)

			in, err := p.referenceInput(fres.Philox)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			want := reference.Forward(in)
			dq, dk, dv := reference.Backward(in, p.dout.Float32())

			report := CheckReport{
				RunID:     runID,
				Arch:      arch.String(),
				Kernel:    bres.Kernel,
				Problem:   p.shape,
				Philox:    fres.Philox,
				Tolerance: tolerance,
				Errors: ErrorSummary{
					Out: maxAbsError(p.out.Float32(), want.Out),
					DQ:  maxAbsError(bres.DQ.Float32(), dq),
					DK:  maxAbsError(bres.DK.Float32(), dk),
					DV:  maxAbsError(bres.DV.Float32(), dv),
				},
				Elapsed: elapsed.String(),
			}
			report.Errors.LSE, report.LSEMismatch = lseError(fres.LSE, want.LSE, p.shape)
			report.Passed = report.LSEMismatch == 0 && report.Errors.max() <= tolerance

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(out))

			log.Info("check finished", "passed", report.Passed, "max_error", report.Errors.max(), "elapsed", elapsed)
			if !report.Passed {
				return cli.Exit("check failed: error above tolerance", 1)
			}
			return nil
		},
	}
}

// defaultTolerance allows a few half-precision ulps of accumulated rounding.
func defaultTolerance(d tensor.DType) float64 {
	if configTolerance != nil {
		return *configTolerance
	}
	if d == tensor.BF16 {
		return 5e-2
	}
	return 1e-2
}

func maxAbsError(got, want []float32) float64 {
	var m float64
	for i := range min(len(got), len(want)) {
		m = max(m, math.Abs(float64(got[i])-float64(want[i])))
	}
	return m
}

// lseError compares the real rows of the engine's [batch, heads, padded_q]
// statistics with the reference rows.
func lseError(lse *tensor.Tensor, want [][]float64, s Shape) (float64, int) {
	var (
		m          float64
		mismatched int
	)
	for b := range s.Batch {
		for h := range s.Heads {
			row := want[b*s.Heads+h]
			for q := range s.LensQ[b] {
				got, ref := float64(lse.At(b, h, q)), row[q]
				switch gi, ri := math.IsInf(got, -1), math.IsInf(ref, -1); {
				case gi && ri:
				case gi != ri:
					mismatched++
				default:
					m = max(m, math.Abs(got-ref))
				}
			}
		}
	}
	return m, mismatched
}
