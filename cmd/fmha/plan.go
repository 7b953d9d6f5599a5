package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/dropout"
	"github.com/samcharles93/fmha/internal/fmha"
	"github.com/samcharles93/fmha/internal/logger"
	"github.com/samcharles93/fmha/internal/params"
	"github.com/samcharles93/fmha/internal/tensor"
)

// PlanReport is the JSON document printed by the plan command.
type PlanReport struct {
	Arch     string          `json:"arch"`
	Forward  params.Tiling   `json:"forward"`
	Backward *fmha.Plan      `json:"backward"`
	Host     device.HostInfo `json:"host"`
}

func planCmd() *cli.Command {
	var opts problemOptions
	return &cli.Command{
		Name:  "plan",
		Usage: "Show the tiling and backward resource plan for a problem shape",
		Flags: problemFlags(&opts),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			arch, err := device.ParseArch(archName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			e := fmha.New(device.New(0, arch), fmha.WithWorkers(int(workers)), fmha.WithLogger(logger.FromContext(ctx)))
			defer e.Close()

			// Plans depend on shapes only, so every sequence gets the
			// maximum length.
			opts.fixed = true
			p, err := opts.build(rand.New(rand.NewPCG(uint64(seed), 0)), 0, arch)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			fwd, err := params.Derive(params.TilingInput{
				MaxSeqLenQ:  p.maxQ,
				MaxSeqLenK:  p.maxK,
				HeadDim:     p.shape.HeadDim,
				Arch:        arch,
				Pass:        params.Forward,
				BlockSparse: p.shape.BlockSparse,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			lse, err := tensor.New(tensor.F32, 0, p.shape.Batch, p.shape.Heads, fwd.MaxSeqLenQ)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			pl, err := p.plan(e, lse, dropout.NewGenerator(uint64(seed)))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: plan: %v", err), 1)
			}

			out, err := json.MarshalIndent(PlanReport{
				Arch:     arch.String(),
				Forward:  fwd,
				Backward: pl,
				Host:     device.Host(),
			}, "", "  ")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(out))
			return nil
		},
	}
}
