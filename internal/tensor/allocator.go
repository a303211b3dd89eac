package tensor

import (
	"errors"
	"fmt"
)

// ErrBudgetExhausted is returned when an allocation would push the pool past
// its hard byte budget. This is fatal: the caller cannot recover by retrying.
var ErrBudgetExhausted = errors.New("tensor: allocation budget exhausted")

// DefaultBudgetBytes caps pooled tensor storage at 256 MiB unless configured
// otherwise.
const DefaultBudgetBytes = 256 << 20

// Allocator owns reusable float32 buffers keyed by element count. One
// allocator is exclusively owned by one brain instance; Reset must only be
// called between decision steps.
type Allocator struct {
	budgetBytes int64
	heldBytes   int64

	free map[int64][][]float32
	live [][]float32
}

// NewAllocator creates an allocator with the given hard byte budget.
// A budget of zero selects DefaultBudgetBytes.
func NewAllocator(budgetBytes int64) *Allocator {
	if budgetBytes <= 0 {
		budgetBytes = DefaultBudgetBytes
	}
	return &Allocator{
		budgetBytes: budgetBytes,
		free:        make(map[int64][][]float32),
	}
}

// Allocate returns a zeroed Proxy for the given shape, reusing a previously
// released buffer of the same element count when one is available. It never
// returns nil on success; the only failure mode is budget exhaustion.
func (a *Allocator) Allocate(name string, shape []int64) (*Proxy, error) {
	n := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("tensor %q has non-positive dimension in shape %v", name, shape)
		}
		n *= d
	}

	var buf []float32
	if pool := a.free[n]; len(pool) > 0 {
		buf = pool[len(pool)-1]
		a.free[n] = pool[:len(pool)-1]
		for i := range buf {
			buf[i] = 0
		}
	} else {
		if a.heldBytes+4*n > a.budgetBytes {
			return nil, fmt.Errorf("allocating %d floats for %q (held %d of %d bytes): %w",
				n, name, a.heldBytes, a.budgetBytes, ErrBudgetExhausted)
		}
		buf = make([]float32, n)
		a.heldBytes += 4 * n
	}
	a.live = append(a.live, buf)

	shapeCopy := make([]int64, len(shape))
	copy(shapeCopy, shape)
	return &Proxy{Name: name, Shape: shapeCopy, Data: buf}, nil
}

// Reset releases every live buffer. With keepBuffers the underlying storage
// is retained in the free pool for reuse; otherwise all storage is dropped
// and the held-byte accounting returns to zero. Outstanding Proxy references
// become invalid either way.
func (a *Allocator) Reset(keepBuffers bool) {
	if keepBuffers {
		for _, buf := range a.live {
			n := int64(len(buf))
			a.free[n] = append(a.free[n], buf)
		}
		a.live = a.live[:0]
		return
	}
	a.live = nil
	a.free = make(map[int64][][]float32)
	a.heldBytes = 0
}

// HeldBytes reports the bytes of storage currently retained by the pool.
func (a *Allocator) HeldBytes() int64 {
	return a.heldBytes
}
