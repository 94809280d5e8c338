// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package opv implements the reference backend: it owns the tensors it allocates, and evaluates graphs
// of elementary operations elementwise, in float64, splitting large tensors among a pool of workers.
//
// Fused operations are lowered (see graph.Lower) before execution, so any graph can be executed.
//
// Configuration (see backends.NewWithConfig) is a comma-separated list of options:
//
//   - "parallelism=N": maximum number of goroutines used to evaluate one operation. 0 disables parallelism,
//     and -1 makes it unlimited. Default is runtime.NumCPU().
package opv

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fusegraph/fusegraph/backends"
	"github.com/fusegraph/fusegraph/internal/workerspool"
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/fusegraph/fusegraph/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in FUSEGRAPH_BACKEND to specify this backend.
const BackendName = "opv"

// Registers New() as the constructor for the "opv" backend.
func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// Backend implements the backends.Backend interface.
type Backend struct {
	id      uuid.UUID
	workers *workerspool.Pool

	mu          sync.Mutex
	tensors     []*tensors.Tensor
	isFinalized bool
}

// Compile-time check that opv.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new opv Backend. See package documentation for the configuration options.
func New(config string) (*Backend, error) {
	b := &Backend{
		id:      uuid.New(),
		workers: workerspool.New(),
	}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		switch key {
		case "parallelism":
			parallelism, err := strconv.Atoi(value)
			if err != nil || parallelism < -1 {
				return nil, errors.Errorf("invalid value %q for option \"parallelism\" of %s backend, "+
					"it must be an integer >= -1", value, BackendName)
			}
			b.workers.SetMaxParallelism(parallelism)
		default:
			return nil, errors.Errorf("unknown configuration option %q for %s backend", part, BackendName)
		}
	}
	klog.V(1).Infof("opv backend %s created with parallelism %d", b.id, b.workers.MaxParallelism())
	return b, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Id returns the unique id of this backend instance, used to correlate log messages.
func (b *Backend) Id() uuid.UUID { return b.id }

// Parallelism returns the configured maximum parallelism.
func (b *Backend) Parallelism() int { return b.workers.MaxParallelism() }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("opv reference backend (instance %s, parallelism %d): %d tensors, %s",
		b.id, b.workers.MaxParallelism(), len(b.tensors), humanize.Bytes(b.lockedMemory()))
}

func (b *Backend) assertValid() {
	if b.isFinalized {
		exceptions.Panicf("opv backend %s already finalized", b.id)
	}
}

// track registers a tensor allocated by the backend.
func (b *Backend) track(t *tensors.Tensor) *tensors.Tensor {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assertValid()
	b.tensors = append(b.tensors, t)
	if klog.V(2).Enabled() {
		klog.Infof("opv backend %s: allocated %s", b.id, t)
	}
	return t
}

// NewTensor allocates a tensor owned by the backend. It panics if the backend is finalized.
func (b *Backend) NewTensor(shape shapes.Shape) *tensors.Tensor {
	return b.track(tensors.New(shape))
}

// NewTensorFromMemory allocates a tensor that uses mem as storage while its contents fit in it.
// It panics if the backend is finalized.
func (b *Backend) NewTensorFromMemory(shape shapes.Shape, mem []byte) *tensors.Tensor {
	return b.track(tensors.FromMemory(shape, mem))
}

// NumTensors returns the number of live tensors allocated by the backend.
func (b *Backend) NumTensors() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tensors)
}

// Memory returns the number of bytes held by the live tensors of the backend.
func (b *Backend) Memory() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lockedMemory()
}

func (b *Backend) lockedMemory() uint64 {
	var total uint64
	for _, t := range b.tensors {
		total += uint64(t.Len())
	}
	return total
}

// Release finalizes the tensor and stops tracking it. Tensors not allocated by the backend are ignored.
func (b *Backend) Release(t *tensors.Tensor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := slices.Index(b.tensors, t)
	if idx < 0 {
		return
	}
	b.tensors = slices.Delete(b.tensors, idx, idx+1)
	t.Finalize()
}

// Finalize releases all the tensors allocated by the backend, and makes the backend invalid.
// It is idempotent.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isFinalized {
		return
	}
	klog.V(1).Infof("opv backend %s finalized: releasing %d tensors (%s)", b.id, len(b.tensors),
		humanize.Bytes(b.lockedMemory()))
	for _, t := range b.tensors {
		t.Finalize()
	}
	b.tensors = nil
	b.isFinalized = true
}

// IsFinalized returns whether Finalize was called.
func (b *Backend) IsFinalized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isFinalized
}
