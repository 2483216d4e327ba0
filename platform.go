package dqnalloc

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Platform is the raw memory source behind the Heap and XHeap allocators.
// Free receives exactly the slice (same base and length) that Alloc
// returned.
type Platform interface {
	Alloc(size int, zero bool) ([]byte, error)
	Free(raw []byte)
}

// CRTStats are the running counters of a CRTAllocator.
type CRTStats struct {
	Allocations      int64 // live allocations
	BytesAllocated   int64 // live bytes
	TotalAllocations int64
	TotalBytes       int64
}

// CRTAllocator is an instrumented malloc-style allocator over the Go heap.
// It is safe for concurrent use. A positive limit caps the live bytes;
// requests beyond it fail with ErrOutOfMemory.
type CRTAllocator struct {
	limit int64

	allocations      atomic.Int64
	bytesAllocated   atomic.Int64
	totalAllocations atomic.Int64
	totalBytes       atomic.Int64
}

// NewCRTAllocator returns a CRTAllocator. limit <= 0 means unlimited.
func NewCRTAllocator(limit int64) *CRTAllocator {
	return &CRTAllocator{limit: limit}
}

// DefaultPlatform backs Heap and XHeap allocators created without
// WithPlatform.
var DefaultPlatform Platform = NewCRTAllocator(0)

// Malloc returns size bytes or nil when the limit would be exceeded.
func (c *CRTAllocator) Malloc(size int) []byte {
	b, _ := c.Alloc(size, false)
	return b
}

// Calloc returns n*size zeroed bytes or nil.
func (c *CRTAllocator) Calloc(n, size int) []byte {
	b, _ := c.Alloc(n*size, true)
	return b
}

// Realloc resizes p, copying its contents. A nil p behaves like Malloc. On
// failure p is left untouched and nil is returned.
func (c *CRTAllocator) Realloc(p []byte, size int) []byte {
	if p == nil {
		return c.Malloc(size)
	}
	b, err := c.Alloc(size, false)
	if err != nil {
		return nil
	}
	copy(b, p)
	c.Free(p)
	return b
}

// Alloc implements Platform.
func (c *CRTAllocator) Alloc(size int, zero bool) ([]byte, error) {
	if !c.charge(int64(size)) {
		return nil, errors.Wrapf(ErrOutOfMemory, "crt: %d bytes over limit %d", size, c.limit)
	}
	// The Go heap always hands out zeroed memory.
	b := make([]byte, size)
	c.allocations.Add(1)
	c.totalAllocations.Add(1)
	c.totalBytes.Add(int64(size))
	return b, nil
}

// charge adds n to the live bytes unless that would pass the limit.
func (c *CRTAllocator) charge(n int64) bool {
	if c.limit <= 0 {
		c.bytesAllocated.Add(n)
		return true
	}
	for {
		cur := c.bytesAllocated.Load()
		if cur+n > c.limit {
			return false
		}
		if c.bytesAllocated.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// Free implements Platform. The memory is reclaimed by the garbage collector
// once the last reference is dropped.
func (c *CRTAllocator) Free(raw []byte) {
	if raw == nil {
		return
	}
	c.allocations.Add(-1)
	c.bytesAllocated.Add(-int64(len(raw)))
}

// Stats returns a snapshot of the counters.
func (c *CRTAllocator) Stats() CRTStats {
	return CRTStats{
		Allocations:      c.allocations.Load(),
		BytesAllocated:   c.bytesAllocated.Load(),
		TotalAllocations: c.totalAllocations.Load(),
		TotalBytes:       c.totalBytes.Load(),
	}
}

// failingPlatform never returns memory.
type failingPlatform struct{}

func (failingPlatform) Alloc(size int, _ bool) ([]byte, error) {
	return nil, errors.Wrapf(ErrOutOfMemory, "failing platform: %d bytes", size)
}

func (failingPlatform) Free([]byte) {}

// FailingPlatform returns a Platform whose allocations always fail.
func FailingPlatform() Platform { return failingPlatform{} }
