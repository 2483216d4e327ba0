package dqnalloc

import (
	"fmt"
	"log/slog"
)

// ArenaUsage is a usage snapshot of an arena.
type ArenaUsage struct {
	Used      int
	Allocated int
	Wasted    int
	Blocks    int
}

// ArenaStats describes an arena's block chain.
type ArenaStats struct {
	TotalUsed      int // bytes consumed across all blocks, alignment slack included
	TotalAllocated int // capacity of all blocks
	TotalWasted    int // free bytes in every block but the top one
	TotalBlocks    int

	HighWater ArenaUsage // maxima over the arena's lifetime, Wasted unused
	LastReset ArenaUsage // usage just before the last ResetUsage
}

// Utilization returns TotalUsed / TotalAllocated, or 0 for an empty arena.
func (s ArenaStats) Utilization() float64 {
	if s.TotalAllocated == 0 {
		return 0
	}
	return float64(s.TotalUsed) / float64(s.TotalAllocated)
}

// Stats walks the block chain.
func (a *Arena) Stats() ArenaStats {
	s := ArenaStats{
		TotalBlocks: len(a.blocks),
		HighWater:   a.highWater,
		LastReset:   a.lastReset,
	}
	for i := range a.blocks {
		b := &a.blocks[i]
		s.TotalUsed += b.used
		s.TotalAllocated += len(b.memory)
		// The top block is still being filled.
		if i != len(a.blocks)-1 {
			s.TotalWasted += len(b.memory) - b.used
		}
	}
	return s
}

// StatsString renders Stats on one line.
func (a *Arena) StatsString() string {
	return a.Stats().String()
}

func (s ArenaStats) String() string {
	return fmt.Sprintf("arena: %d blocks, used %s / %s (%.2f%%), wasted %s; high water %s / %s in %d blocks",
		s.TotalBlocks, formatBytes(int64(s.TotalUsed)), formatBytes(int64(s.TotalAllocated)),
		s.Utilization()*100, formatBytes(int64(s.TotalWasted)),
		formatBytes(int64(s.HighWater.Used)), formatBytes(int64(s.HighWater.Allocated)), s.HighWater.Blocks)
}

// DumpStatsToLog logs Stats at Info.
func (a *Arena) DumpStatsToLog(label string) {
	s := a.Stats()
	a.log().Info("arena stats",
		slog.String("label", label),
		slog.Int("blocks", s.TotalBlocks),
		slog.Int("used", s.TotalUsed),
		slog.Int("allocated", s.TotalAllocated),
		slog.Int("wasted", s.TotalWasted),
		slog.Int("high_water_used", s.HighWater.Used),
		slog.Int("high_water_allocated", s.HighWater.Allocated),
		slog.Int("high_water_blocks", s.HighWater.Blocks))
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2fGiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2fKiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func formatPtr(p uintptr) string {
	return fmt.Sprintf("%#x", p)
}
