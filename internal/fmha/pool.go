package fmha

import (
	"github.com/samcharles93/fmha/internal/params"
	"github.com/samcharles93/fmha/internal/softmax"
)

// scratch is per-worker tile storage, grown on demand and reused across calls.
type scratch struct {
	q, k, v   []float32
	acc, part []float32
	scores    []float32
	keep      []bool
	stats     *softmax.Rows
	partStats *softmax.Rows
}

func grow[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}

func (s *scratch) reserve(rows, cols, headDim int) {
	s.q = grow(s.q, rows*headDim)
	s.k = grow(s.k, cols*headDim)
	s.v = grow(s.v, cols*headDim)
	s.acc = grow(s.acc, rows*headDim)
	s.part = grow(s.part, rows*headDim)
	s.scores = grow(s.scores, rows*cols)
	s.keep = grow(s.keep, rows*cols)
	if s.stats == nil {
		s.stats = softmax.NewRows(params.QueryTile)
		s.partStats = softmax.NewRows(params.QueryTile)
	}
}

type task struct {
	run  func(*scratch)
	done chan struct{}
}

// pool is a fixed set of goroutines fed through a task channel. Done slots
// are reused so a call does not allocate a completion channel per task.
type pool struct {
	size      int
	tasks     chan task
	doneSlots chan chan struct{}
}

func newPool(workers int) *pool {
	if workers < 1 {
		workers = 1
	}
	p := &pool{
		size:      workers,
		tasks:     make(chan task, workers*2),
		doneSlots: make(chan chan struct{}, workers),
	}
	for range workers {
		p.doneSlots <- make(chan struct{}, workers)
	}
	for range workers {
		go func() {
			var s scratch
			for t := range p.tasks {
				t.run(&s)
				t.done <- struct{}{}
			}
		}()
	}
	return p
}

// run executes fn(i) for i in [0, n) and blocks until all calls return.
func (p *pool) run(n int, fn func(i int, s *scratch)) {
	if n == 0 {
		return
	}
	done := <-p.doneSlots
	go func() {
		for i := range n {
			p.tasks <- task{run: func(s *scratch) { fn(i, s) }, done: done}
		}
	}()
	for range n {
		<-done
	}
	p.doneSlots <- done
}

func (p *pool) close() { close(p.tasks) }
