package dqnalloc

import "github.com/pavanmanishd/dqnalloc/internal/assert"

// Region is a checkpoint of an arena's allocation position. Ending it
// discards everything allocated since BeginRegion. Regions nest and must be
// ended innermost first.
type Region struct {
	arena    *Arena
	curr     int
	currUsed int
	top      int
	depth    int
	epoch    uint64
	ended    bool
}

// BeginRegion saves the current position.
func (a *Arena) BeginRegion() *Region {
	a.regions++
	r := &Region{arena: a, curr: a.curr, top: len(a.blocks) - 1, depth: a.regions, epoch: a.epoch}
	if a.curr >= 0 {
		r.currUsed = a.blocks[a.curr].used
	}
	return r
}

// End rolls the arena back to the saved position: blocks attached after the
// checkpoint are freed, blocks above the saved current block are emptied and
// the saved block's usage is restored.
func (r *Region) End() {
	a := r.arena
	assert.That(!r.ended, "region ended twice")
	assert.That(r.epoch == a.epoch, "region %d ended after its arena was freed", r.depth)
	assert.That(r.depth == a.regions, "region %d ended out of order, innermost open region is %d", r.depth, a.regions)

	for len(a.blocks)-1 > r.top {
		a.popBlock()
	}
	for i := r.curr + 1; i < len(a.blocks); i++ {
		b := &a.blocks[i]
		a.totalUsed -= b.used
		b.used = 0
	}
	switch {
	case r.curr >= 0 && r.curr < len(a.blocks):
		b := &a.blocks[r.curr]
		a.totalUsed += r.currUsed - b.used
		b.used = r.currUsed
		a.curr = r.curr
	default:
		a.curr = len(a.blocks) - 1
	}

	a.regions--
	r.ended = true
}

// Scope runs fn inside a region that is ended when fn returns or panics.
func (a *Arena) Scope(fn func() error) error {
	r := a.BeginRegion()
	defer r.End()
	return fn()
}
