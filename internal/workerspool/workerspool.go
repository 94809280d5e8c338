// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a bounded pool of goroutines used to split elementwise work into
// chunks processed in parallel.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of goroutines running tasks at the same time.
type Pool struct {
	// maxParallelism is the limit of tasks running in parallel: 0 disables parallelism, and -1 means
	// unlimited.
	maxParallelism int
	mu             sync.Mutex
	numRunning     int
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the limit of tasks run in parallel.
// If 0 parallelism is disabled, and if -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// It should only be changed before any task starts running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// NumRunning returns the number of tasks currently running in the pool's goroutines.
func (w *Pool) NumRunning() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numRunning
}

// StartIfAvailable runs the task in a separate goroutine, if there are workers left.
// It returns true if it found a worker to run the task, false otherwise.
//
// It's up to the caller to synchronize the end of the task.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.maxParallelism == 0 || w.numRunning >= w.maxParallelism {
		return false
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.mu.Unlock()
		}()
		task()
	}()
	return true
}

// ParallelFor splits the range [0, total) into chunks of chunkSize elements and calls fn(start, end) for
// each of them. Chunks are run by the available workers, and by the calling goroutine when none is
// available. It returns when all chunks are processed.
//
// If parallelism is disabled, or there is only one chunk, fn is called inline once with the whole range.
func (w *Pool) ParallelFor(total, chunkSize int, fn func(start, end int)) {
	if total <= 0 {
		return
	}
	if chunkSize <= 0 || chunkSize >= total || !w.IsEnabled() {
		fn(0, total)
		return
	}
	var wg sync.WaitGroup
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			fn(start, end)
		}
		if !w.StartIfAvailable(task) {
			task()
		}
	}
	wg.Wait()
}
