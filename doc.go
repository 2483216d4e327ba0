// Package dqnalloc implements a block-chained arena allocator and the
// allocator façade that containers allocate through.
//
// # Overview
//
// Every allocation goes through an Allocator, a small closed set of backing
// strategies:
//
//   - Null fails every request. It is the zero value.
//   - Heap stores a 16 byte PointerMetadata record in front of each
//     allocation and takes raw memory from a Platform.
//   - XHeap is Heap that panics when memory runs out.
//   - Arena bump allocates from an Arena; Free is a no-op.
//   - Custom calls user supplied procedures.
//
// # Basic Usage
//
//	heap := dqnalloc.HeapAllocator()
//	a, err := dqnalloc.NewArena(heap, 64<<10)
//	if err != nil {
//		return err
//	}
//	defer a.Free()
//
//	buf, err := a.Allocate(1024, 16, true)
//
//	// Roll back everything allocated inside fn.
//	err = a.Scope(func() error {
//		tmp, err := a.Allocate(4096, 8, false)
//		...
//	})
//
// # Arena Layout
//
// An arena owns a chain of blocks, each at least the configured minimum
// block size (4 KiB by default). Allocation starts at the current block and
// takes the first block towards the top with room for the request plus its
// worst-case alignment padding. When none fits a new block is requested
// from the backing allocator and becomes the top block. That request is the
// only way an arena allocation can fail.
//
// # Regions
//
// BeginRegion saves the arena position; Region.End frees blocks attached
// since then and restores the usage of the remaining ones. Regions nest and
// must be ended innermost first.
//
// # Thread Safety
//
// Allocator and Arena are not safe for concurrent use. Use one per
// goroutine, or SafeArena, which serialises callers with a FIFO ticket
// mutex.
//
// # Tracing
//
// Built with -tags dqn.trace, Heap, XHeap and Custom allocators report
// every allocation and free to an attached Tracer together with the call
// site. Without the tag the hooks compile away.
//
// # Important Notes
//
//   - Memory handed out by an allocator is not scanned by the garbage
//     collector; never store Go pointers in it.
//   - Contract violations (bad alignment, negative sizes, regions ended out
//     of order, double frees seen by the tracer) panic.
package dqnalloc
