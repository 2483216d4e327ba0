package dqnalloc

import (
	"encoding/binary"
	"log/slog"
	"math/bits"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/go-stack/stack"

	"github.com/pavanmanishd/dqnalloc/internal/assert"
	"github.com/pavanmanishd/dqnalloc/ticket"
)

// DefaultTracerCapacity is used by NewTracer when capacity <= 0.
const DefaultTracerCapacity = 4096

// SourceLocation is the provenance attached to a traced allocation.
type SourceLocation struct {
	File     string
	Function string
	Line     int
	Tag      string
}

// callerLocation captures the caller skip frames above its own caller.
func callerLocation(skip int, tag string) SourceLocation {
	frame := stack.Caller(skip + 1).Frame()
	return SourceLocation{File: frame.File, Function: frame.Function, Line: frame.Line, Tag: tag}
}

// TraceEntry is one live allocation known to a Tracer.
type TraceEntry struct {
	Ptr  uintptr
	Size int
	Site SourceLocation
}

type traceSlot struct {
	live  bool
	entry TraceEntry
}

// Tracer maps live pointers to their size and call site. Its table has a
// fixed capacity and uses linear probing keyed by a hash of the pointer
// value. Remove shifts the rest of the probe run back into the freed slot,
// so the table never accumulates deleted markers. Every operation runs under
// a ticket mutex, so one Tracer can be shared by allocators on different
// goroutines.
//
// Allocators only report to a Tracer when built with the dqn.trace tag.
type Tracer struct {
	mu    ticket.Mutex
	slots []traceSlot
	mask  uint64
	live  int
}

// NewTracer returns a Tracer whose table holds capacity entries, rounded up
// to a power of two.
func NewTracer(capacity int) *Tracer {
	if capacity <= 0 {
		capacity = DefaultTracerCapacity
	}
	n := 1 << bits.Len(uint(capacity-1))
	return &Tracer{slots: make([]traceSlot, n), mask: uint64(n - 1)}
}

func hashPointer(p uintptr) uint64 {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(p))
	return xxhash.Sum64(key[:])
}

// Add records p. Recording a pointer that is already live, or filling the
// table, is an assertion failure.
func (t *Tracer) Add(p uintptr, size int, site SourceLocation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, found := t.find(p)
	if found {
		prev := t.slots[idx].entry.Site
		assert.Fail("tracer: %#x already live, allocated at %s:%d", p, prev.File, prev.Line)
	}
	assert.That(idx >= 0, "tracer: table full at %d entries", len(t.slots))

	t.slots[idx] = traceSlot{live: true, entry: TraceEntry{Ptr: p, Size: size, Site: site}}
	t.live++
}

// Remove erases p. Removing a pointer that is not live is an assertion
// failure (a double free or a foreign pointer).
func (t *Tracer) Remove(p uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, found := t.find(p)
	if !found {
		assert.Fail("tracer: free of untracked pointer %#x", p)
	}
	t.live--

	// Pull later entries of the run back so every live entry stays
	// reachable from its home slot without crossing an empty one.
	hole := uint64(idx)
	t.slots[hole] = traceSlot{}
	for next := (hole + 1) & t.mask; t.slots[next].live; next = (next + 1) & t.mask {
		home := hashPointer(t.slots[next].entry.Ptr) & t.mask
		if (next-home)&t.mask >= (next-hole)&t.mask {
			t.slots[hole] = t.slots[next]
			t.slots[next] = traceSlot{}
			hole = next
		}
	}
}

// Lookup returns the entry for p.
func (t *Tracer) Lookup(p uintptr) (TraceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx, found := t.find(p); found {
		return t.slots[idx].entry, true
	}
	return TraceEntry{}, false
}

// find probes for p. It returns p's slot and true, or the first empty slot
// of the run and false; the slot is -1 when the table is full.
func (t *Tracer) find(p uintptr) (int, bool) {
	idx := hashPointer(p) & t.mask
	for probe := 0; probe < len(t.slots); probe++ {
		s := &t.slots[idx]
		if !s.live {
			return int(idx), false
		}
		if s.entry.Ptr == p {
			return int(idx), true
		}
		idx = (idx + 1) & t.mask
	}
	return -1, false
}

// Len returns the number of live entries.
func (t *Tracer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Live returns every live entry ordered by pointer value.
func (t *Tracer) Live() []TraceEntry {
	t.mu.Lock()
	out := make([]TraceEntry, 0, t.live)
	for i := range t.slots {
		if t.slots[i].live {
			out = append(out, t.slots[i].entry)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Ptr < out[j].Ptr })
	return out
}

// DumpLeaks logs every live entry at Warn and returns how many there were.
func (t *Tracer) DumpLeaks(logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	live := t.Live()
	for _, e := range live {
		logger.Warn("leaked allocation",
			slog.String("ptr", formatPtr(e.Ptr)),
			slog.Int("size", e.Size),
			slog.String("file", e.Site.File),
			slog.Int("line", e.Site.Line),
			slog.String("func", e.Site.Function),
			slog.String("tag", e.Site.Tag))
	}
	return len(live)
}
