// Package vm wraps the operating system's virtual memory primitives: reserving
// pages, changing their protection and walking the address space.
package vm

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Access is a page protection.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute

	AccessNone Access = 0
	AccessR           = AccessRead
	AccessRW          = AccessRead | AccessWrite
	AccessRX          = AccessRead | AccessExecute
	AccessRWX         = AccessRead | AccessWrite | AccessExecute
)

func (a Access) String() string {
	b := []byte("---")
	if a&AccessRead != 0 {
		b[0] = 'r'
	}
	if a&AccessWrite != 0 {
		b[1] = 'w'
	}
	if a&AccessExecute != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region describes a run of pages sharing the same state.
type Region struct {
	Base   uintptr
	Size   uintptr
	Access Access
	Free   bool
}

// End returns the first address after the region.
func (r Region) End() uintptr {
	return r.Base + r.Size
}

// SystemInfo describes the address space of the process.
type SystemInfo struct {
	PageSize              uintptr
	AllocationGranularity uintptr
	MinAddress            uintptr
	MaxAddress            uintptr
}

// ErrUnsupported is returned by every primitive on platforms without an
// implementation.
var ErrUnsupported = errors.New("vm: not supported on this platform")

// Space is an address space. Process is the address space of the running
// program; tests substitute their own.
type Space interface {
	// Allocate reserves and commits size bytes. A zero hint lets the OS pick
	// the address, otherwise the mapping is placed exactly at hint or an
	// error is returned.
	Allocate(hint, size uintptr, access Access) (uintptr, error)
	Free(addr, size uintptr) error
	// Protect changes the protection of every page touching [addr, addr+size)
	// and returns the previous protection of the first page.
	Protect(addr, size uintptr, access Access) (Access, error)
	Query(addr uintptr) (Region, error)
	Info() SystemInfo
}

// Process is the address space of the running program.
var Process Space = process{}

// Bytes returns the memory at [addr, addr+size) as a slice. The memory must
// stay mapped for as long as the slice is used.
func Bytes(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// AlignDown rounds addr down to a multiple of align, which must be a power of
// two.
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// AlignUp rounds addr up to a multiple of align, which must be a power of
// two.
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// pageSpan returns the page-aligned range covering [addr, addr+size).
func pageSpan(addr, size, pageSize uintptr) (uintptr, uintptr) {
	// Round address down to page boundary.
	// Example: addr=4196 with pageSize=4096 becomes 4096.
	pageStart := AlignDown(addr, pageSize)

	// Cover the offset from pageStart to addr plus the requested length,
	// rounded up to complete pages.
	regionSize := AlignUp(addr-pageStart+size, pageSize)

	return pageStart, regionSize
}
