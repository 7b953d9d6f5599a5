package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/fmha/internal/logger"
)

var (
	archName  string
	workers   int64
	seed      int64
	logLevel  string
	logFormat string
	debug     bool
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "arch",
			Usage:       "hardware generation to validate against (sm75, sm80, sm86, sm89, sm90)",
			Value:       "sm80",
			Destination: &archName,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "concurrent work units (0 means GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for problem data and dropout",
			Value:       1,
			Destination: &seed,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// problemFlags binds the shape flags shared by check, plan and bench.
func problemFlags(o *problemOptions) []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{Name: "batch", Aliases: []string{"b"}, Usage: "number of sequences", Value: 2, Destination: &o.batch},
		&cli.Int64Flag{Name: "heads", Usage: "attention heads", Value: 4, Destination: &o.heads},
		&cli.Int64Flag{Name: "head-dim", Aliases: []string{"d"}, Usage: "head dimension", Value: 64, Destination: &o.headDim},
		&cli.Int64Flag{Name: "max-q", Usage: "maximum query sequence length", Value: 128, Destination: &o.maxQ},
		&cli.Int64Flag{Name: "max-k", Usage: "maximum key sequence length", Value: 128, Destination: &o.maxK},
		&cli.StringFlag{Name: "dtype", Usage: "storage precision (fp16, bf16)", Value: "fp16", Destination: &o.dtype},
		&cli.BoolFlag{Name: "causal", Usage: "mask keys after each query position", Destination: &o.causal},
		&cli.Float64Flag{Name: "dropout", Usage: "probability of dropping an attention weight", Destination: &o.dropout},
		&cli.Int64Flag{Name: "splits", Usage: "key/value splits", Value: 1, Destination: &o.splits},
		&cli.BoolFlag{Name: "block-sparse", Usage: "run the block-sparse entry points with a full mask", Destination: &o.sparse},
		&cli.BoolFlag{Name: "fixed", Usage: "give every sequence the maximum length", Destination: &o.fixed},
	}
}

// setup applies the config file and installs the logger on the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	applyGlobalConfig(cmd, LoadConfig())
	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	return logger.WithContext(ctx, logger.ForFormat(os.Stderr, logFormat, level)), nil
}
