package dqnalloc

import (
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/pavanmanishd/dqnalloc/internal/assert"
)

// DefaultMinBlockSize is the smallest block an arena requests (4 KiB).
const DefaultMinBlockSize = 4 << 10

// blockAlignment is the alignment blocks are requested at.
const blockAlignment = 16

// Block is one contiguous buffer owned by an arena.
type Block struct {
	memory []byte
	used   int
	owned  bool // false for memory supplied by the caller
}

// Size returns the usable bytes of the block.
func (b *Block) Size() int { return len(b.memory) }

// Used returns the bytes consumed so far.
func (b *Block) Used() int { return b.used }

// Arena is a bump allocator over a chain of blocks. Blocks are stored in
// allocation order; the last one is the top block. Allocation tries the
// current block first and scans towards the top, taking the first block with
// room. Memory is released in bulk with Free, ResetUsage or by ending a
// Region; there is no per-allocation free.
//
// An Arena is not safe for concurrent use. Use SafeArena to share one.
type Arena struct {
	blocks []Block
	curr   int // index of the current block, -1 when empty

	minBlockSize int
	debugFill    bool
	fillByte     byte
	logger       *slog.Logger

	// backing is used when set; otherwise inline is.
	backing *Allocator
	inline  Allocator

	regions   int
	epoch     uint64 // bumped by Free to orphan open regions
	totalUsed int
	totalSize int
	highWater ArenaUsage
	lastReset ArenaUsage
}

// ArenaOption configures an Arena.
type ArenaOption func(*Arena)

// WithMinBlockSize sets the floor for new block sizes. n <= 0 selects
// DefaultMinBlockSize.
func WithMinBlockSize(n int) ArenaOption {
	return func(a *Arena) {
		if n <= 0 {
			n = DefaultMinBlockSize
		}
		a.minBlockSize = n
	}
}

// WithDebugFill makes the arena write b over every allocation that is not
// zeroed.
func WithDebugFill(b byte) ArenaOption {
	return func(a *Arena) {
		a.debugFill = true
		a.fillByte = b
	}
}

// WithArenaLogger sets the logger. The default is slog.Default().
func WithArenaLogger(logger *slog.Logger) ArenaOption {
	return func(a *Arena) { a.logger = logger }
}

// WithBacking sets an externally owned allocator for new blocks.
func WithBacking(backing *Allocator) ArenaOption {
	return func(a *Arena) { a.backing = backing }
}

func newArena(opts []ArenaOption) *Arena {
	a := &Arena{curr: -1, minBlockSize: DefaultMinBlockSize}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewArena returns an arena that keeps its own copy of backing and requests
// blocks from it. A positive reserve pre-allocates a block of that size.
func NewArena(backing Allocator, reserve int, opts ...ArenaOption) (*Arena, error) {
	a := newArena(opts)
	a.inline = backing
	if reserve > 0 && !a.Reserve(reserve) {
		return a, errors.Wrapf(ErrOutOfMemory, "arena: reserve %d bytes", reserve)
	}
	return a, nil
}

// NewArenaWithAllocator returns an arena that requests blocks from backing,
// which stays owned by the caller and must outlive the arena.
func NewArenaWithAllocator(backing *Allocator, reserve int, opts ...ArenaOption) (*Arena, error) {
	assert.That(backing != nil, "nil backing allocator")
	a := newArena(opts)
	a.backing = backing
	if reserve > 0 && !a.Reserve(reserve) {
		return a, errors.Wrapf(ErrOutOfMemory, "arena: reserve %d bytes", reserve)
	}
	return a, nil
}

// NewArenaWithMemory returns an arena whose first block is mem. mem is never
// passed to a backing allocator. Unless WithBacking is given the arena
// cannot grow, so a request that does not fit in mem fails with
// ErrNullAllocator.
func NewArenaWithMemory(mem []byte, opts ...ArenaOption) *Arena {
	a := newArena(opts)
	if len(mem) > 0 {
		a.blocks = append(a.blocks, Block{memory: mem})
		a.curr = 0
		a.totalSize = len(mem)
		a.noteHighWater()
	}
	return a
}

func (a *Arena) allocator() *Allocator {
	if a.backing != nil {
		return a.backing
	}
	return &a.inline
}

func (a *Arena) log() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger
}

// Allocate returns size bytes aligned to alignment from the arena, zeroed
// when zero is set. The only failure is the backing allocator refusing a new
// block; the error then wraps both the backing error and ErrOutOfMemory.
func (a *Arena) Allocate(size int, alignment uint8, zero bool) ([]byte, error) {
	checkAlignment(alignment)
	assert.That(size >= 0, "arena: negative size %d", size)
	if size == 0 {
		return nil, nil
	}

	// Over-allocate for the worst-case misalignment.
	allocSize := size + int(alignment) - 1
	idx := a.findBlock(allocSize)
	if idx < 0 {
		var err error
		if idx, err = a.grow(allocSize); err != nil {
			return nil, err
		}
	}
	a.curr = idx

	b := &a.blocks[idx]
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(b.memory))) + uintptr(b.used)
	lo := b.used + int(alignAddress(addr, uintptr(alignment))-addr)
	hi := lo + size
	b.used += allocSize
	assert.That(b.used <= len(b.memory), "arena: block overrun %d > %d", b.used, len(b.memory))
	a.totalUsed += allocSize
	a.noteHighWater()

	p := b.memory[lo:hi:hi]
	switch {
	case zero:
		clear(p)
	case a.debugFill:
		for i := range p {
			p[i] = a.fillByte
		}
	}
	return p, nil
}

// findBlock scans from the current block towards the top for the first block
// that can hold n more bytes.
func (a *Arena) findBlock(n int) int {
	if a.curr < 0 {
		return -1
	}
	for i := a.curr; i < len(a.blocks); i++ {
		b := &a.blocks[i]
		if b.used+n <= len(b.memory) {
			return i
		}
	}
	return -1
}

// grow appends a block of at least n bytes as the new top block.
func (a *Arena) grow(n int) (int, error) {
	size := max(a.minBlockSize, n)
	mem, err := a.allocator().AllocateTagged("arena-block", size, blockAlignment, false)
	if err != nil {
		return -1, errors.Mark(errors.Wrapf(err, "arena: new block of %d bytes", size), ErrOutOfMemory)
	}
	a.blocks = append(a.blocks, Block{memory: mem, owned: true})
	a.totalSize += len(mem)
	a.noteHighWater()
	a.log().Debug("arena block allocated",
		slog.Int("size", size), slog.Int("blocks", len(a.blocks)))
	return len(a.blocks) - 1, nil
}

// Reserve makes sure the top block has at least size free bytes, appending a
// new block when it does not. It reports false if the backing allocator
// fails.
func (a *Arena) Reserve(size int) bool {
	assert.That(size >= 0, "arena: negative reserve %d", size)
	if n := len(a.blocks); n > 0 {
		top := &a.blocks[n-1]
		if len(top.memory)-top.used >= size {
			return true
		}
	}
	idx, err := a.grow(size)
	if err != nil {
		a.log().Warn("arena reserve failed", slog.Int("size", size), slog.Any("err", err))
		return false
	}
	if a.curr < 0 {
		a.curr = idx
	}
	return true
}

// ResetUsage marks every block empty, zeroing the memory when zero is set,
// and rewinds to the oldest block. Blocks stay resident. The usage before
// the reset is kept in Stats.
func (a *Arena) ResetUsage(zero bool) {
	s := a.Stats()
	a.lastReset = ArenaUsage{Used: s.TotalUsed, Allocated: s.TotalAllocated, Wasted: s.TotalWasted, Blocks: s.TotalBlocks}
	for i := range a.blocks {
		b := &a.blocks[i]
		if zero {
			// Rolled-back regions lower used without clearing, so stale
			// bytes can sit above it.
			clear(b.memory)
		}
		b.used = 0
	}
	a.totalUsed = 0
	if len(a.blocks) > 0 {
		a.curr = 0
	}
}

// FreeTopBlock releases the most recent block.
func (a *Arena) FreeTopBlock() {
	if len(a.blocks) == 0 {
		return
	}
	a.popBlock()
	if a.curr >= len(a.blocks) {
		a.curr = len(a.blocks) - 1
	}
}

func (a *Arena) popBlock() {
	n := len(a.blocks) - 1
	b := a.blocks[n]
	a.totalUsed -= b.used
	a.totalSize -= len(b.memory)
	if b.owned {
		a.allocator().Free(b.memory)
	}
	a.blocks[n] = Block{}
	a.blocks = a.blocks[:n]
	a.log().Debug("arena block freed",
		slog.Int("size", len(b.memory)), slog.Int("blocks", len(a.blocks)))
}

// Free releases every block, newest first, and empties the arena. The
// backing allocator and the high-water marks are kept; the arena can be
// used again afterwards.
func (a *Arena) Free() {
	for len(a.blocks) > 0 {
		a.popBlock()
	}
	a.blocks = nil
	a.curr = -1
	a.totalUsed = 0
	a.totalSize = 0
	a.regions = 0
	a.epoch++
	a.lastReset = ArenaUsage{}
}

// Blocks returns the number of blocks in the chain.
func (a *Arena) Blocks() int { return len(a.blocks) }

// Block returns the block at index i, oldest first.
func (a *Arena) Block(i int) *Block { return &a.blocks[i] }

// CurrentBlock returns the index of the block tried first, or -1.
func (a *Arena) CurrentBlock() int { return a.curr }

// MinBlockSize returns the configured block size floor.
func (a *Arena) MinBlockSize() int { return a.minBlockSize }

func (a *Arena) noteHighWater() {
	a.highWater.Used = max(a.highWater.Used, a.totalUsed)
	a.highWater.Allocated = max(a.highWater.Allocated, a.totalSize)
	a.highWater.Blocks = max(a.highWater.Blocks, len(a.blocks))
}
