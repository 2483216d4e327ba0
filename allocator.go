package dqnalloc

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/pavanmanishd/dqnalloc/internal/assert"
)

// Kind selects an Allocator's backing strategy.
type Kind uint8

const (
	// KindNull fails every allocation. It is the zero value, so an
	// Allocator nobody configured refuses to hand out memory.
	KindNull Kind = iota
	// KindHeap carves metadata-backed allocations out of a Platform.
	KindHeap
	// KindXHeap is KindHeap that panics instead of failing.
	KindXHeap
	// KindArena bump allocates from an Arena. Free is a no-op.
	KindArena
	// KindCustom calls user supplied procedures.
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindHeap:
		return "heap"
	case KindXHeap:
		return "xheap"
	case KindArena:
		return "arena"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// AllocFunc is the allocate procedure of a custom allocator. It returns nil
// on failure.
type AllocFunc func(size int, alignment uint8, zero bool, user any) []byte

// FreeFunc is the free procedure of a custom allocator. It returns the number
// of bytes released.
type FreeFunc func(p []byte, user any) int

// AllocatorStats are the running counters of an Allocator.
type AllocatorStats struct {
	BytesAllocated      int64
	Allocations         int64
	TotalBytesAllocated int64
	TotalAllocations    int64
}

func (s AllocatorStats) String() string {
	return fmt.Sprintf("live %s in %d allocations, lifetime %s in %d allocations",
		formatBytes(s.BytesAllocated), s.Allocations,
		formatBytes(s.TotalBytesAllocated), s.TotalAllocations)
}

// Allocator is the single allocation interface every container uses,
// whatever the backing strategy. It does not own the Arena it may point to.
// An Allocator is not safe for concurrent use.
type Allocator struct {
	kind     Kind
	arena    *Arena
	platform Platform
	allocFn  AllocFunc
	freeFn   FreeFunc
	user     any
	logger   *slog.Logger
	tracer   *Tracer
	stats    AllocatorStats
}

// AllocatorOption configures an Allocator.
type AllocatorOption func(*Allocator)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) AllocatorOption {
	return func(a *Allocator) { a.logger = logger }
}

// WithTracer attaches t. It only has an effect in dqn.trace builds.
func WithTracer(t *Tracer) AllocatorOption {
	return func(a *Allocator) { a.tracer = t }
}

// WithPlatform sets the raw memory source of a Heap or XHeap allocator.
func WithPlatform(p Platform) AllocatorOption {
	return func(a *Allocator) { a.platform = p }
}

func newAllocator(kind Kind, opts []AllocatorOption) Allocator {
	a := Allocator{kind: kind}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// NullAllocator returns an allocator whose allocations always fail.
func NullAllocator(opts ...AllocatorOption) Allocator {
	return newAllocator(KindNull, opts)
}

// HeapAllocator returns an allocator backed by a Platform, DefaultPlatform
// unless WithPlatform is given.
func HeapAllocator(opts ...AllocatorOption) Allocator {
	return newAllocator(KindHeap, opts)
}

// XHeapAllocator is HeapAllocator for call sites with no recovery path: a
// failed allocation panics.
func XHeapAllocator(opts ...AllocatorOption) Allocator {
	return newAllocator(KindXHeap, opts)
}

// ArenaAllocator returns an allocator that delegates to arena.
func ArenaAllocator(arena *Arena, opts ...AllocatorOption) Allocator {
	assert.That(arena != nil, "nil arena")
	a := newAllocator(KindArena, opts)
	a.arena = arena
	return a
}

// CustomAllocator returns an allocator driven by alloc and free. user is
// passed back to both.
func CustomAllocator(alloc AllocFunc, free FreeFunc, user any, opts ...AllocatorOption) Allocator {
	assert.That(alloc != nil && free != nil, "custom allocator needs both procedures")
	a := newAllocator(KindCustom, opts)
	a.allocFn = alloc
	a.freeFn = free
	a.user = user
	return a
}

// Kind returns the backing strategy.
func (a *Allocator) Kind() Kind { return a.kind }

// Arena returns the arena of a KindArena allocator and nil otherwise.
func (a *Allocator) Arena() *Arena { return a.arena }

// Stats returns the running counters.
func (a *Allocator) Stats() AllocatorStats { return a.stats }

func (a *Allocator) log() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger
}

func (a *Allocator) plat() Platform {
	if a.platform == nil {
		return DefaultPlatform
	}
	return a.platform
}

func (a *Allocator) tracing() bool {
	return TracingEnabled && a.tracer != nil && a.kind != KindArena
}

// Allocate returns size bytes aligned to alignment, zeroed when zero is set.
// A size of 0 returns nil. A Null allocator returns ErrNullAllocator for every
// request. Exhaustion is reported as an error wrapping
// ErrOutOfMemory, except on XHeap allocators, which panic.
func (a *Allocator) Allocate(size int, alignment uint8, zero bool) ([]byte, error) {
	var site SourceLocation
	if a.tracing() {
		site = callerLocation(1, "")
	}
	return a.allocate(site, size, alignment, zero)
}

// AllocateTagged is Allocate with a tag recorded by the tracer.
func (a *Allocator) AllocateTagged(tag string, size int, alignment uint8, zero bool) ([]byte, error) {
	var site SourceLocation
	if a.tracing() {
		site = callerLocation(1, tag)
	}
	return a.allocate(site, size, alignment, zero)
}

// AllocateAt is Allocate with an explicit call site.
func (a *Allocator) AllocateAt(site SourceLocation, size int, alignment uint8, zero bool) ([]byte, error) {
	return a.allocate(site, size, alignment, zero)
}

func (a *Allocator) allocate(site SourceLocation, size int, alignment uint8, zero bool) ([]byte, error) {
	if a.kind == KindNull {
		a.log().Warn("allocation from null allocator",
			slog.Int("size", size), slog.Int("alignment", int(alignment)))
		return nil, errors.Wrapf(ErrNullAllocator, "%d bytes", size)
	}
	checkAlignment(alignment)
	assert.That(size >= 0, "negative size %d", size)
	if size == 0 {
		return nil, nil
	}

	var p []byte
	switch a.kind {
	case KindHeap, KindXHeap:
		need := MetadataSizeRequired(size, alignment)
		raw, err := a.plat().Alloc(need, zero)
		if err == nil && raw == nil {
			err = ErrOutOfMemory
		}
		if err != nil {
			if a.kind == KindXHeap {
				assert.Fail("xheap: allocation of %d bytes failed: %v", size, err)
			}
			return nil, errors.Mark(errors.Wrapf(err, "heap: %d bytes", size), ErrOutOfMemory)
		}
		p = InitMetadata(raw, size, alignment)

	case KindArena:
		var err error
		if p, err = a.arena.Allocate(size, alignment, zero); err != nil {
			return nil, err
		}

	case KindCustom:
		if p = a.allocFn(size, alignment, zero, a.user); p == nil {
			return nil, errors.Wrapf(ErrCustomAllocFailed, "%d bytes", size)
		}

	default:
		assert.Fail("unknown allocator kind %d", a.kind)
	}

	a.stats.Allocations++
	a.stats.TotalAllocations++
	a.stats.BytesAllocated += int64(size)
	a.stats.TotalBytesAllocated += int64(size)
	if a.tracing() {
		a.tracer.Add(pointerOf(p), size, site)
	}
	return p, nil
}

// Free releases p, which must have come from this allocator. Free of nil is a
// no-op, as is every Free on Null and Arena allocators.
func (a *Allocator) Free(p []byte) {
	if p == nil {
		return
	}
	var freed int64
	switch a.kind {
	case KindNull, KindArena:
		return

	case KindHeap, KindXHeap:
		md := GetMetadata(p)
		raw := RawSlice(p)
		if a.tracing() {
			a.tracer.Remove(pointerOf(p))
		}
		a.plat().Free(raw)
		freed = md.Size

	case KindCustom:
		if a.tracing() {
			a.tracer.Remove(pointerOf(p))
		}
		freed = int64(a.freeFn(p, a.user))

	default:
		assert.Fail("unknown allocator kind %d", a.kind)
	}

	a.stats.BytesAllocated -= freed
	a.stats.Allocations--
	assert.That(a.stats.BytesAllocated >= 0, "%s allocator: bytes allocated went negative (%d)", a.kind, a.stats.BytesAllocated)
	assert.That(a.stats.Allocations >= 0, "%s allocator: allocation count went negative (%d)", a.kind, a.stats.Allocations)
}

// DumpStatsToLog logs the counters at Info.
func (a *Allocator) DumpStatsToLog(label string) {
	s := a.stats
	a.log().Info("allocator stats",
		slog.String("label", label),
		slog.String("kind", a.kind.String()),
		slog.Int64("bytes_allocated", s.BytesAllocated),
		slog.Int64("allocations", s.Allocations),
		slog.Int64("total_bytes_allocated", s.TotalBytesAllocated),
		slog.Int64("total_allocations", s.TotalAllocations))
}

func pointerOf(p []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(p)))
}
