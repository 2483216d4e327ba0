//go:build linux || darwin || freebsd

package dqnalloc

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// MmapPlatform serves each allocation from its own anonymous private
// mapping, outside the Go heap. Mappings are rounded up to whole pages and
// returned to the OS on Free. It is safe for concurrent use.
type MmapPlatform struct {
	mu       sync.Mutex
	mappings map[uintptr][]byte
}

// NewMmapPlatform returns an empty MmapPlatform.
func NewMmapPlatform() *MmapPlatform {
	return &MmapPlatform{mappings: make(map[uintptr][]byte)}
}

// Alloc implements Platform. Mapped memory is always zeroed.
func (m *MmapPlatform) Alloc(size int, _ bool) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	page := unix.Getpagesize()
	length := (size + page - 1) / page * page
	b, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "mmap %d bytes", length), ErrOutOfMemory)
	}
	m.mu.Lock()
	m.mappings[uintptr(unsafe.Pointer(unsafe.SliceData(b)))] = b
	m.mu.Unlock()
	return b[:size:size], nil
}

// Free implements Platform.
func (m *MmapPlatform) Free(raw []byte) {
	if raw == nil {
		return
	}
	key := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	m.mu.Lock()
	b, ok := m.mappings[key]
	delete(m.mappings, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = unix.Munmap(b)
}

// Mappings returns the number of live mappings.
func (m *MmapPlatform) Mappings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mappings)
}
