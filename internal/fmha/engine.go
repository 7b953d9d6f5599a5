// Package fmha runs fused multi-head attention over packed batches of
// variable-length sequences. The forward pass keeps only the per-row
// log-sum-exp; the backward pass recomputes attention weights from it.
package fmha

import (
	"runtime"
	"sync"

	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/kernel"
	"github.com/samcharles93/fmha/internal/logger"
)

// Engine executes attention calls for one device. It is safe for concurrent
// use; calls that use dropout serialize only on their Generator.
type Engine struct {
	dev     device.Device
	kernels *kernel.Registry
	log     logger.Logger
	workers int

	pool      *pool
	accums    *accumPool
	closeOnce sync.Once
}

type Option func(*Engine)

// WithWorkers sets the number of concurrent work units. Values below 1 mean
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithKernels replaces the default scalar kernel registry.
func WithKernels(r *kernel.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.kernels = r
		}
	}
}

func New(dev device.Device, opts ...Option) *Engine {
	e := &Engine{
		dev:     dev,
		kernels: kernel.Default(),
		log:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = max(runtime.GOMAXPROCS(0), 1)
	}
	e.pool = newPool(e.workers)
	e.accums = newAccumPool()
	return e
}

func (e *Engine) Device() device.Device { return e.dev }

func (e *Engine) Workers() int { return e.workers }

// Close stops the worker pool. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.closeOnce.Do(e.pool.close)
}
