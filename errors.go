package dqnalloc

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory is returned when a platform or backing allocator cannot
	// satisfy a request.
	ErrOutOfMemory = errors.New("dqnalloc: out of memory")
	// ErrNullAllocator is returned by every allocation on a Null allocator.
	ErrNullAllocator = errors.New("dqnalloc: allocation from null allocator")
	// ErrCustomAllocFailed is returned when a custom allocate callback
	// returns nil.
	ErrCustomAllocFailed = errors.New("dqnalloc: custom allocator returned nil")
)
