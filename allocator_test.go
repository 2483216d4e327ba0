package dqnalloc

import (
	"bytes"
	"log/slog"
	"os"
	"os/exec"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// recordingPlatform remembers the raw slices it hands out.
type recordingPlatform struct {
	*CRTAllocator
	handed map[uintptr]int
}

func newRecordingPlatform() *recordingPlatform {
	return &recordingPlatform{CRTAllocator: NewCRTAllocator(0), handed: make(map[uintptr]int)}
}

func (r *recordingPlatform) Alloc(size int, zero bool) ([]byte, error) {
	b, err := r.CRTAllocator.Alloc(size, zero)
	if err == nil {
		r.handed[pointerOf(b)] = len(b)
	}
	return b, err
}

func (r *recordingPlatform) Free(raw []byte) {
	n, ok := r.handed[pointerOf(raw)]
	if !ok || n != len(raw) {
		panic("free of a slice the platform did not hand out")
	}
	delete(r.handed, pointerOf(raw))
	r.CRTAllocator.Free(raw)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestKindString(t *testing.T) {
	tests := map[Kind]string{
		KindNull:   "null",
		KindHeap:   "heap",
		KindXHeap:  "xheap",
		KindArena:  "arena",
		KindCustom: "custom",
		Kind(42):   "kind(42)",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", uint8(k), got, want)
		}
	}
}

func TestZeroAllocatorIsNull(t *testing.T) {
	var a Allocator
	require.Equal(t, KindNull, a.Kind())

	a = NullAllocator(WithLogger(quietLogger()))
	p, err := a.Allocate(16, 8, true)
	require.Nil(t, p)
	require.True(t, errors.Is(err, ErrNullAllocator))
}

func TestNullAllocatorLogsWarning(t *testing.T) {
	var buf bytes.Buffer
	a := NullAllocator(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	_, err := a.Allocate(32, 4, false)
	require.Error(t, err)
	require.Contains(t, buf.String(), "level=WARN")
	require.Contains(t, buf.String(), "size=32")

	a.Free([]byte{1})
	require.Equal(t, AllocatorStats{}, a.Stats())
}

func TestNullAllocatorProperty(t *testing.T) {
	a := NullAllocator(WithLogger(quietLogger()))
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(-1024, 1<<20).Draw(t, "size")
		alignment := rapid.Uint8().Draw(t, "alignment")
		p, err := a.Allocate(size, alignment, rapid.Bool().Draw(t, "zero"))
		if p != nil || !errors.Is(err, ErrNullAllocator) {
			t.Fatalf("Allocate(%d, %d) = %v, %v", size, alignment, p, err)
		}
	})
}

func TestHeapAllocateAligned(t *testing.T) {
	heap := HeapAllocator(WithPlatform(NewCRTAllocator(0)))
	buf, err := heap.Allocate(4, 4, true)
	require.NoError(t, err)
	require.Len(t, buf, 4)
	require.Zero(t, pointerOf(buf)%4)

	md := GetMetadata(buf)
	require.Equal(t, uint8(4), md.Alignment)
	require.LessOrEqual(t, int(md.Offset), 4-1+MetadataSize)
	heap.Free(buf)
}

func TestHeapZeroSize(t *testing.T) {
	heap := HeapAllocator(WithPlatform(NewCRTAllocator(0)))
	p, err := heap.Allocate(0, 8, false)
	require.NoError(t, err)
	require.Nil(t, p)
	require.Equal(t, AllocatorStats{}, heap.Stats())
	heap.Free(nil)
}

func TestHeapContractViolations(t *testing.T) {
	heap := HeapAllocator(WithPlatform(NewCRTAllocator(0)))
	require.Panics(t, func() { _, _ = heap.Allocate(-1, 8, false) })
	require.Panics(t, func() { _, _ = heap.Allocate(8, 0, false) })
	require.Panics(t, func() { _, _ = heap.Allocate(8, 12, false) })
}

func TestHeapFreeRestoresCounters(t *testing.T) {
	platform := newRecordingPlatform()
	heap := HeapAllocator(WithPlatform(platform))

	p, err := heap.Allocate(100, 16, false)
	require.NoError(t, err)
	s := heap.Stats()
	require.Equal(t, int64(100), s.BytesAllocated)
	require.Equal(t, int64(1), s.Allocations)

	heap.Free(p)
	s = heap.Stats()
	require.Zero(t, s.BytesAllocated)
	require.Zero(t, s.Allocations)
	require.Equal(t, int64(100), s.TotalBytesAllocated)
	require.Equal(t, int64(1), s.TotalAllocations)
	require.Empty(t, platform.handed)
	require.Zero(t, platform.Stats().BytesAllocated)
}

func TestHeapMetadataRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		platform := newRecordingPlatform()
		heap := HeapAllocator(WithPlatform(platform))
		if rapid.Bool().Draw(t, "xheap") {
			heap = XHeapAllocator(WithPlatform(platform))
		}

		sizes := rapid.SliceOfN(rapid.IntRange(1, 2048), 1, 32).Draw(t, "sizes")
		var live [][]byte
		for i, size := range sizes {
			alignment := rapid.SampledFrom(alignments).Draw(t, "alignment")
			p, err := heap.Allocate(size, alignment, i%2 == 0)
			if err != nil {
				t.Fatalf("Allocate(%d, %d): %v", size, alignment, err)
			}
			if pointerOf(p)%uintptr(alignment) != 0 {
				t.Fatalf("pointer %#x not aligned to %d", pointerOf(p), alignment)
			}
			if got := GetMetadata(p).Size; got != int64(size) {
				t.Fatalf("metadata size = %d, want %d", got, size)
			}
			if _, ok := platform.handed[uintptr(RawPointer(p))]; !ok {
				t.Fatalf("raw pointer %p was not handed out by the platform", RawPointer(p))
			}
			live = append(live, p)
		}
		for _, p := range live {
			heap.Free(p)
		}
		if s := heap.Stats(); s.BytesAllocated != 0 || s.Allocations != 0 {
			t.Fatalf("stats after freeing everything = %+v", s)
		}
	})
}

func TestHeapExhaustion(t *testing.T) {
	heap := HeapAllocator(WithPlatform(NewCRTAllocator(64)))
	p, err := heap.Allocate(32, 8, false)
	require.NoError(t, err)

	_, err = heap.Allocate(64, 8, false)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.Equal(t, int64(1), heap.Stats().Allocations)
	heap.Free(p)
}

func TestXHeapPanicsOnExhaustion(t *testing.T) {
	x := XHeapAllocator(WithPlatform(FailingPlatform()))
	defer func() {
		r := recover()
		err, ok := r.(error)
		require.True(t, ok, "recovered %v", r)
		require.True(t, errors.IsAssertionFailure(err))
		require.Contains(t, err.Error(), "xheap")
	}()
	_, _ = x.Allocate(64, 8, false)
	t.Fatal("xheap allocation returned")
}

func TestXHeapDeath(t *testing.T) {
	if os.Getenv("DQNALLOC_XHEAP_DEATH") == "1" {
		x := XHeapAllocator(WithPlatform(FailingPlatform()))
		_, _ = x.Allocate(64, 8, false)
		os.Exit(0)
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestXHeapDeath$")
	cmd.Env = append(os.Environ(), "DQNALLOC_XHEAP_DEATH=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "child exited cleanly: %v", err)
	require.False(t, exitErr.Success())
	require.Contains(t, stderr.String(), "assertion failed")
}

func TestArenaAllocatorDelegates(t *testing.T) {
	arena := NewArenaWithMemory(make([]byte, 256))
	a := ArenaAllocator(arena)
	require.Equal(t, KindArena, a.Kind())
	require.Same(t, arena, a.Arena())

	p, err := a.Allocate(10, 1, false)
	require.NoError(t, err)
	require.Equal(t, 10, arena.Block(0).Used())

	// Per-pointer free is a no-op on arenas.
	a.Free(p)
	require.Equal(t, 10, arena.Block(0).Used())
	require.Equal(t, int64(1), a.Stats().Allocations)
	require.Equal(t, int64(10), a.Stats().BytesAllocated)

	require.Panics(t, func() { ArenaAllocator(nil) })
}

func TestArenaAllocatorPropagatesFailure(t *testing.T) {
	arena := NewArenaWithMemory(make([]byte, 16), WithArenaLogger(quietLogger()))
	a := ArenaAllocator(arena)
	_, err := a.Allocate(64, 1, false)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.Equal(t, AllocatorStats{}, a.Stats())
}

func TestCustomAllocator(t *testing.T) {
	type ctx struct{ allocs, frees int }
	c := &ctx{}
	alloc := func(size int, alignment uint8, zero bool, user any) []byte {
		user.(*ctx).allocs++
		raw := make([]byte, MetadataSizeRequired(size, alignment))
		return InitMetadata(raw, size, alignment)
	}
	free := func(p []byte, user any) int {
		user.(*ctx).frees++
		return int(GetMetadata(p).Size)
	}

	a := CustomAllocator(alloc, free, c)
	require.Equal(t, KindCustom, a.Kind())
	p, err := a.Allocate(48, 8, true)
	require.NoError(t, err)
	require.Len(t, p, 48)
	require.Equal(t, int64(48), a.Stats().BytesAllocated)

	a.Free(p)
	require.Equal(t, 1, c.allocs)
	require.Equal(t, 1, c.frees)
	require.Zero(t, a.Stats().BytesAllocated)
	require.Zero(t, a.Stats().Allocations)
}

func TestCustomAllocatorFailure(t *testing.T) {
	a := CustomAllocator(
		func(int, uint8, bool, any) []byte { return nil },
		func([]byte, any) int { return 0 },
		nil)
	_, err := a.Allocate(8, 8, false)
	require.True(t, errors.Is(err, ErrCustomAllocFailed))
	require.Panics(t, func() { CustomAllocator(nil, nil, nil) })
}

func TestFreeCountersNeverNegative(t *testing.T) {
	a := CustomAllocator(
		func(size int, _ uint8, _ bool, _ any) []byte { return make([]byte, size) },
		func(p []byte, _ any) int { return len(p) * 2 },
		nil)
	p, err := a.Allocate(8, 1, false)
	require.NoError(t, err)
	require.Panics(t, func() { a.Free(p) })
}

func TestAllocatorDumpStatsToLog(t *testing.T) {
	var buf bytes.Buffer
	heap := HeapAllocator(WithPlatform(NewCRTAllocator(0)), WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	p, err := heap.Allocate(128, 8, false)
	require.NoError(t, err)
	heap.DumpStatsToLog("scratch")
	heap.Free(p)

	out := buf.String()
	require.Contains(t, out, `"msg":"allocator stats"`)
	require.Contains(t, out, `"label":"scratch"`)
	require.Contains(t, out, `"kind":"heap"`)
	require.Contains(t, out, `"bytes_allocated":128`)
}

func TestAllocatorStatsString(t *testing.T) {
	s := AllocatorStats{BytesAllocated: 2048, Allocations: 2, TotalBytesAllocated: 3 << 20, TotalAllocations: 9}
	require.Equal(t, "live 2.00KiB in 2 allocations, lifetime 3.00MiB in 9 allocations", s.String())
}

func TestAllocatorIsAValue(t *testing.T) {
	heap := HeapAllocator(WithPlatform(NewCRTAllocator(0)))
	p, err := heap.Allocate(8, 8, false)
	require.NoError(t, err)

	snapshot := heap
	heap.Free(p)
	require.Equal(t, int64(1), snapshot.Stats().Allocations)
	require.Zero(t, heap.Stats().Allocations)
}
