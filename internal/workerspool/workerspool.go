// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a limited pool of goroutines, used by the input pipeline
// to parallelize per-example work (decoding and distortions).
package workerspool

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool limits the number of tasks running concurrently.
//
// Its zero value runs tasks inline. Use New for a pool with one worker per CPU.
type Pool struct {
	// maxParallelism is the limit of tasks running in parallel.
	// 0 disables parallelism (tasks run inline) and -1 means unlimited.
	maxParallelism int
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0).
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// MaxParallelism returns the limit of parallel tasks: 0 if parallelism is disabled, and -1 if it is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism. It must not be changed while ForEach is running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = max(maxParallelism, -1)
}

// ForEach runs fn(i) for i in [0, n) using the pool's workers, and returns once all calls finished.
func (w *Pool) ForEach(n int, fn func(i int)) {
	if w.maxParallelism == 0 || n <= 1 {
		for i := range n {
			fn(i)
		}
		return
	}
	var group errgroup.Group
	group.SetLimit(w.maxParallelism) // Negative means no limit.
	for i := range n {
		group.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = group.Wait()
}
