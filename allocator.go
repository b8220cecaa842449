package hotpatch

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"
	"weak"

	"github.com/pboyd/hotpatch/internal/vm"
	"github.com/sirupsen/logrus"
)

// Allocator hands out small pieces of executable memory, optionally within a
// given distance of a set of addresses. Memory is reserved from the OS in
// blocks and carved up through a sorted free list per block. Blocks go back to
// the OS when the Allocator is garbage collected or closed.
type Allocator struct {
	mu      sync.Mutex
	space   vm.Space
	blocks  *blockList
	cleanup runtime.Cleanup
}

// blockList is kept apart from the Allocator so the cleanup that releases
// the blocks does not keep the Allocator reachable.
type blockList struct {
	space  vm.Space
	blocks []*block
}

type block struct {
	base uintptr
	size uintptr
	free *freeRange
}

type freeRange struct {
	start uintptr
	end   uintptr
	next  *freeRange
}

// NewAllocator returns an allocator backed by the process address space.
func NewAllocator() *Allocator {
	return newAllocator(vm.Process)
}

func newAllocator(space vm.Space) *Allocator {
	a := &Allocator{
		space:  space,
		blocks: &blockList{space: space},
	}
	a.cleanup = runtime.AddCleanup(a, (*blockList).release, a.blocks)
	return a
}

var global struct {
	mu sync.Mutex
	p  weak.Pointer[Allocator]
}

// GlobalAllocator returns the process-wide allocator, creating it on first
// use. Only hooks and allocations keep it alive; once the last of them is
// gone it is collected and a later call creates a new one.
func GlobalAllocator() *Allocator {
	global.mu.Lock()
	defer global.mu.Unlock()

	if a := global.p.Value(); a != nil {
		return a
	}
	a := NewAllocator()
	global.p = weak.Make(a)
	return a
}

// Allocate returns size bytes of read-write-execute memory anywhere in the
// address space.
func (a *Allocator) Allocate(size int) (*Allocation, error) {
	return a.AllocateNear(nil, size, ^uintptr(0))
}

// AllocateNear returns size bytes of read-write-execute memory whose every
// byte lies within maxDistance of every address in desired. It fails with
// ErrNoMemoryInRange when no such memory can be found and ErrBadVirtualAlloc
// when the OS refuses a reservation.
func (a *Allocator) AllocateNear(desired []uintptr, size int, maxDistance uintptr) (*Allocation, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrBadVirtualAlloc, size)
	}
	n := uintptr(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	if addr, ok := a.fromFreeList(desired, n, maxDistance); ok {
		return &Allocation{allocator: a, addr: addr, size: n}, nil
	}

	b, err := a.newBlock(desired, n, maxDistance)
	if err != nil {
		return nil, err
	}

	addr := b.base
	b.free.start += n
	if b.free.start == b.free.end {
		b.free = nil
	}
	return &Allocation{allocator: a, addr: addr, size: n}, nil
}

func (a *Allocator) fromFreeList(desired []uintptr, size, maxDistance uintptr) (uintptr, bool) {
	for _, b := range a.blocks.blocks {
		var prev *freeRange
		for node := b.free; node != nil; prev, node = node, node.next {
			if node.end-node.start < size {
				continue
			}

			// Take from the low end of the range if possible, otherwise
			// from the high end.
			switch {
			case inRange(node.start, size, desired, maxDistance):
				addr := node.start
				node.start += size
				if node.start == node.end {
					b.unlink(prev, node)
				}
				return addr, true
			case inRange(node.end-size, size, desired, maxDistance):
				node.end -= size
				if node.start == node.end {
					b.unlink(prev, node)
				}
				return node.end, true
			}
		}
	}
	return 0, false
}

func (b *block) unlink(prev, node *freeRange) {
	if prev == nil {
		b.free = node.next
	} else {
		prev.next = node.next
	}
}

func (a *Allocator) newBlock(desired []uintptr, size, maxDistance uintptr) (*block, error) {
	info := a.space.Info()
	blockSize := vm.AlignUp(size, info.AllocationGranularity)

	var (
		base uintptr
		err  error
	)
	if len(desired) == 0 {
		base, err = a.space.Allocate(0, blockSize, vm.AccessRWX)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadVirtualAlloc, err)
		}
	} else {
		var ok bool
		base, ok = a.searchNear(info, desired, blockSize, maxDistance)
		if !ok {
			return nil, ErrNoMemoryInRange
		}
	}

	b := &block{
		base: base,
		size: blockSize,
		free: &freeRange{start: base, end: base + blockSize},
	}
	a.blocks.blocks = append(a.blocks.blocks, b)

	logger.WithFields(logrus.Fields{
		"base": fmt.Sprintf("%#x", base),
		"size": blockSize,
	}).Debug("hotpatch: reserved memory block")

	return b, nil
}

// searchNear walks the address space outward from the first desired address,
// first backward and then forward, trying to reserve size bytes in each free
// region it passes. A failed reservation moves the search on.
func (a *Allocator) searchNear(info vm.SystemInfo, desired []uintptr, size, maxDistance uintptr) (uintptr, bool) {
	g := info.AllocationGranularity

	// Only [lo, hi) is within maxDistance of every desired address.
	lo, hi := info.MinAddress, info.MaxAddress
	for _, d := range desired {
		if d > maxDistance && d-maxDistance > lo {
			lo = d - maxDistance
		}
		if d+maxDistance > d && d+maxDistance < hi {
			hi = d + maxDistance
		}
	}
	if lo >= hi || hi-lo < size {
		return 0, false
	}

	try := func(addr uintptr) bool {
		if addr < lo || addr+size > hi || !inRange(addr, size, desired, maxDistance) {
			return false
		}
		got, err := a.space.Allocate(addr, size, vm.AccessRWX)
		return err == nil && got == addr
	}

	start := vm.AlignUp(min(max(desired[0], lo), hi), g)

	for p := start; p >= lo; {
		r, err := a.space.Query(p)
		if err != nil {
			break
		}
		if r.Free && r.End() >= size {
			addr := vm.AlignDown(min(p, r.End()-size, hi-size), g)
			if addr >= r.Base && try(addr) {
				return addr, true
			}
		}
		if r.Base < g {
			break
		}
		p = vm.AlignDown(r.Base-1, g)
	}

	for p := start; p < hi; {
		r, err := a.space.Query(p)
		if err != nil {
			break
		}
		if r.Free {
			addr := vm.AlignUp(max(p, r.Base, lo), g)
			if addr+size <= r.End() && try(addr) {
				return addr, true
			}
		}
		next := vm.AlignUp(r.End(), g)
		if next <= p {
			next = p + g
		}
		p = next
	}

	return 0, false
}

// inRange reports whether [addr, addr+size) lies within maxDistance of every
// desired address.
func inRange(addr, size uintptr, desired []uintptr, maxDistance uintptr) bool {
	for _, d := range desired {
		if distance(addr, d) > maxDistance || distance(addr+size, d) > maxDistance {
			return false
		}
	}
	return true
}

func distance(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}

func (a *Allocator) free(addr, size uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, b := range a.blocks.blocks {
		if addr < b.base || addr >= b.base+b.size {
			continue
		}
		b.insert(addr, addr+size)
		return
	}
}

// insert returns [start, end) to the free list, merging it with the ranges
// on either side when they touch.
func (b *block) insert(start, end uintptr) {
	var prev *freeRange
	next := b.free
	for next != nil && next.start < start {
		prev, next = next, next.next
	}

	node := &freeRange{start: start, end: end, next: next}
	if prev == nil {
		b.free = node
	} else {
		prev.next = node
	}

	if next != nil && node.end == next.start {
		node.end = next.end
		node.next = next.next
	}
	if prev != nil && prev.end == node.start {
		prev.end = node.end
		prev.next = node.next
	}
}

// Close returns every block to the OS. Allocations made from a are invalid
// afterwards.
func (a *Allocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cleanup.Stop()
	a.blocks.release()
}

func (bl *blockList) release() {
	for _, b := range bl.blocks {
		bl.space.Free(b.base, b.size)
	}
	bl.blocks = nil
}

// Allocation is a piece of memory leased from an Allocator. It keeps the
// Allocator alive until freed.
type Allocation struct {
	allocator *Allocator
	addr      uintptr
	size      uintptr
}

// Address returns the start of the allocation.
func (al *Allocation) Address() uintptr {
	return al.addr
}

// Size returns the size of the allocation in bytes.
func (al *Allocation) Size() int {
	return int(al.size)
}

// Bytes returns the allocated memory.
func (al *Allocation) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(al.addr)), al.size)
}

// Free returns the memory to its allocator. Calling Free again does nothing.
func (al *Allocation) Free() {
	if al == nil || al.allocator == nil {
		return
	}
	al.allocator.free(al.addr, al.size)
	al.allocator = nil
}
