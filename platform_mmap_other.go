//go:build !(linux || darwin || freebsd)

package dqnalloc

// MmapPlatform falls back to the Go heap where anonymous mappings are not
// available.
type MmapPlatform struct {
	*CRTAllocator
}

// NewMmapPlatform returns a heap-backed stand-in.
func NewMmapPlatform() *MmapPlatform {
	return &MmapPlatform{CRTAllocator: NewCRTAllocator(0)}
}

// Mappings returns the number of live allocations.
func (m *MmapPlatform) Mappings() int {
	return int(m.Stats().Allocations)
}
