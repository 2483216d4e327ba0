package dqnalloc

import (
	"encoding/binary"
	"unsafe"

	"github.com/pavanmanishd/dqnalloc/internal/assert"
)

// MetadataSize is the number of bytes reserved immediately before every
// Heap or XHeap allocation.
//
// Layout: size int64 (little endian), alignment uint8, offset uint8, then
// padding.
const MetadataSize = 16

// MaxAlignment is the largest alignment the metadata offset byte can encode.
const MaxAlignment = 128

// PointerMetadata is the record stored in front of a metadata-backed
// allocation.
type PointerMetadata struct {
	Size      int64 // requested size, excluding metadata and padding
	Alignment uint8 // requested power-of-two alignment
	Offset    uint8 // distance from the user pointer back to the raw base
}

func checkAlignment(alignment uint8) {
	assert.That(alignment != 0, "alignment must be non-zero")
	assert.That(alignment&(alignment-1) == 0, "alignment %d is not a power of two", alignment)
	assert.That(alignment <= MaxAlignment, "alignment %d exceeds %d", alignment, MaxAlignment)
}

// MetadataSizeRequired returns how many raw bytes must be allocated to hold a
// size byte allocation at alignment together with its metadata.
func MetadataSizeRequired(size int, alignment uint8) int {
	checkAlignment(alignment)
	assert.That(size >= 0, "negative size %d", size)
	return size + int(alignment) - 1 + MetadataSize
}

// InitMetadata writes the metadata record into raw and returns the aligned
// user slice of length size. raw must hold at least
// MetadataSizeRequired(size, alignment) bytes.
func InitMetadata(raw []byte, size int, alignment uint8) []byte {
	need := MetadataSizeRequired(size, alignment)
	assert.That(len(raw) >= need, "raw allocation of %d bytes is smaller than the %d required", len(raw), need)

	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	unaligned := base + MetadataSize
	aligned := alignAddress(unaligned, uintptr(alignment))
	offset := aligned - base
	assert.That(offset <= 0xff, "metadata offset %d does not fit in a byte", offset)

	hdr := raw[offset-MetadataSize : offset]
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(size))
	hdr[8] = alignment
	hdr[9] = uint8(offset)
	clear(hdr[10:])

	end := int(offset) + size
	return raw[offset:end:end]
}

func header(p []byte) []byte {
	base := unsafe.Pointer(unsafe.SliceData(p))
	return unsafe.Slice((*byte)(unsafe.Add(base, -MetadataSize)), MetadataSize)
}

// GetMetadata reads the record stored before p. p must have been returned by
// InitMetadata.
func GetMetadata(p []byte) PointerMetadata {
	hdr := header(p)
	return PointerMetadata{
		Size:      int64(binary.LittleEndian.Uint64(hdr[0:8])),
		Alignment: hdr[8],
		Offset:    hdr[9],
	}
}

// RawPointer returns the base address of the raw allocation behind p.
func RawPointer(p []byte) unsafe.Pointer {
	md := GetMetadata(p)
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(p)), -int(md.Offset))
}

// RawSlice rebuilds the raw allocation behind p, sized to
// MetadataSizeRequired of the recorded request.
func RawSlice(p []byte) []byte {
	md := GetMetadata(p)
	n := MetadataSizeRequired(int(md.Size), md.Alignment)
	return unsafe.Slice((*byte)(RawPointer(p)), n)
}

// alignAddress rounds addr up to a multiple of alignment, a power of two.
func alignAddress(addr, alignment uintptr) uintptr {
	mask := alignment - 1
	return (addr + mask) &^ mask
}
