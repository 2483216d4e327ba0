package dqnalloc

import (
	"runtime"
	"unsafe"
)

// Source is anything that hands out aligned bytes: *Allocator, *Arena and
// *SafeArena.
type Source interface {
	Allocate(size int, alignment uint8, zero bool) ([]byte, error)
}

// The garbage collector does not scan memory obtained from a Source, so T
// must not contain pointers, slices, maps, strings or interfaces.

// New returns a zeroed *T allocated from s.
func New[T any](s Source) (*T, error) {
	return newT[T](s, true)
}

// NewUninitialized returns a *T allocated from s without zeroing it.
func NewUninitialized[T any](s Source) (*T, error) {
	return newT[T](s, false)
}

func newT[T any](s Source, zero bool) (*T, error) {
	var t T
	size := int(unsafe.Sizeof(t))
	if size == 0 {
		return new(T), nil
	}
	b, err := s.Allocate(size, uint8(unsafe.Alignof(t)), zero)
	if err != nil {
		return nil, err
	}
	return (*T)(unsafe.Pointer(unsafe.SliceData(b))), nil
}

// MakeSlice returns n zeroed elements of T allocated from s. It returns nil
// for n <= 0.
func MakeSlice[T any](s Source, n int) ([]T, error) {
	return makeSlice[T](s, n, true)
}

// MakeSliceUninitialized is MakeSlice without zeroing.
func MakeSliceUninitialized[T any](s Source, n int) ([]T, error) {
	return makeSlice[T](s, n, false)
}

func makeSlice[T any](s Source, n int, zero bool) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	var t T
	elem := int(unsafe.Sizeof(t))
	if elem == 0 {
		return make([]T, n), nil
	}
	b, err := s.Allocate(elem*n, uint8(unsafe.Alignof(t)), zero)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n), nil
}

// KeepAlive returns v and keeps s reachable until this call. Use it when v
// is the only reference into memory owned by s.
func KeepAlive[T any](s Source, v T) T {
	runtime.KeepAlive(s)
	return v
}
