// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the backend `Tensor`: the flat byte-buffer storage of a typed, shaped array
// used to feed the leaves of a computation graph and to hold its results.
//
// A Tensor is only accessed through a byte-count boundary:
//
//   - Write(source, n): replaces the whole buffer with exactly n bytes copied from source. A nil or empty
//     source is a no-op.
//   - Read(target, n): copies min(n, len(buffer)) bytes into target. A read for more bytes than were
//     written is silently truncated, never fabricated; the remainder of target is left untouched.
//
// The element type and shape are metadata carried alongside the bytes: they are never validated against
// the number of bytes written, that is the caller's responsibility.
//
// A Tensor can own its buffer (New) or use an externally supplied memory region (FromMemory). Both present
// the same read/write contract.
//
// Tensors perform no internal locking: concurrent Write/Read on the same tensor must be serialized by the
// caller.
package tensors

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fusegraph/fusegraph/pkg/core/dtypes"
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Tensor is a flat byte buffer bound to an element type and shape.
type Tensor struct {
	shape shapes.Shape

	// data holds the bytes last written. When external is true, data aliases the memory region
	// given to FromMemory.
	data     []byte
	external []byte

	finalized bool
}

// New creates a Tensor that owns its buffer. The buffer starts empty: Len() is 0 until the first Write.
func New(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape.Clone()}
}

// FromMemory creates a Tensor that stores its bytes in the externally supplied memory region mem.
//
// Writes that fit in cap(mem) are copied into mem. A larger write moves the tensor to a privately
// allocated buffer, and mem is no longer used.
// The memory region is not read at construction: like New, the tensor starts empty.
func FromMemory(shape shapes.Shape, mem []byte) *Tensor {
	return &Tensor{shape: shape.Clone(), external: mem}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape {
	return t.shape
}

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType {
	return t.shape.DType
}

// Len returns the number of bytes currently held by the tensor, that is, the size of the last write.
func (t *Tensor) Len() int {
	return len(t.data)
}

// IsFinalized returns whether Finalize has been called on the tensor.
func (t *Tensor) IsFinalized() bool {
	return t.finalized
}

func (t *Tensor) assertValid() {
	if t == nil {
		exceptions.Panicf("tensors: Tensor is nil")
	}
	if t.finalized {
		exceptions.Panicf("tensors: Tensor %s has already been finalized", t.shape)
	}
}

// Write replaces the entire buffer with exactly n bytes copied from source.
//
// A nil or empty source is a no-op and leaves the buffer unchanged.
// If n is larger than len(source) only len(source) bytes are available to be copied, and n is
// adjusted accordingly; a negative n is taken as 0.
func (t *Tensor) Write(source []byte, n int) {
	t.assertValid()
	if len(source) == 0 {
		return
	}
	n = max(min(n, len(source)), 0)
	switch {
	case t.external != nil && n <= cap(t.external):
		t.data = t.external[:n]
	case t.external != nil:
		klog.V(1).Infof("tensors: write of %s doesn't fit external memory of %s, using private buffer",
			humanize.Bytes(uint64(n)), humanize.Bytes(uint64(cap(t.external))))
		t.external = nil
		t.data = make([]byte, n)
	case cap(t.data) >= n:
		t.data = t.data[:n]
	default:
		t.data = make([]byte, n)
	}
	copy(t.data, source[:n])
}

// Read copies min(n, Len()) bytes into target and returns the number of bytes copied.
//
// A nil target is a no-op. The copy is also bounded by len(target). Bytes of target beyond the
// copied ones are left untouched.
func (t *Tensor) Read(target []byte, n int) int {
	t.assertValid()
	if target == nil || n <= 0 {
		return 0
	}
	n = min(n, len(t.data), len(target))
	return copy(target[:n], t.data[:n])
}

// Bytes returns a copy of the bytes currently held by the tensor.
func (t *Tensor) Bytes() []byte {
	out := make([]byte, t.Len())
	t.Read(out, len(out))
	return out
}

// IsComplete returns whether the number of bytes held matches the memory required by the tensor's shape.
// It is always false for shapes with a Dynamic dtype.
func (t *Tensor) IsComplete() bool {
	return !t.shape.IsDynamic() && uintptr(len(t.data)) == t.shape.Memory()
}

// Finalize releases the buffer. The tensor must not be used afterward.
// Calling Finalize more than once is a no-op.
func (t *Tensor) Finalize() {
	if t == nil || t.finalized {
		return
	}
	t.finalized = true
	t.data = nil
	t.external = nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	if t.finalized {
		return fmt.Sprintf("Tensor%s[finalized]", t.shape)
	}
	return fmt.Sprintf("Tensor%s: %s", t.shape, humanize.Bytes(uint64(len(t.data))))
}
