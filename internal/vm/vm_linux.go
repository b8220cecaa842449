//go:build linux

package vm

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// maxUserAddress is the top of the 47-bit user address space.
const maxUserAddress = 0x7ffffffff000

type process struct{}

func prot(access Access) int {
	p := unix.PROT_NONE
	if access&AccessRead != 0 {
		p |= unix.PROT_READ
	}
	if access&AccessWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if access&AccessExecute != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}

func (process) Allocate(hint, size uintptr, access Access) (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if hint != 0 {
		flags |= unix.MAP_FIXED_NOREPLACE
	}

	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), size, prot(access), flags)
	if err != nil {
		return 0, errors.Wrapf(err, "mmap %#x bytes at %#x", size, hint)
	}

	// Kernels older than 4.17 treat MAP_FIXED_NOREPLACE as a plain hint.
	if hint != 0 && uintptr(ptr) != hint {
		unix.MunmapPtr(ptr, size)
		return 0, errors.Errorf("mmap %#x bytes at %#x: mapped at %#x instead", size, hint, uintptr(ptr))
	}

	return uintptr(ptr), nil
}

func (process) Free(addr, size uintptr) error {
	return errors.Wrapf(unix.MunmapPtr(unsafe.Pointer(addr), size), "munmap %#x", addr)
}

func (p process) Protect(addr, size uintptr, access Access) (Access, error) {
	prev := AccessRX
	if r, err := p.Query(addr); err == nil && !r.Free {
		prev = r.Access
	}

	pageStart, regionSize := pageSpan(addr, size, uintptr(unix.Getpagesize()))
	err := unix.Mprotect(Bytes(pageStart, regionSize), prot(access))
	if err != nil {
		return prev, errors.Wrapf(err, "mprotect %#x", addr)
	}
	return prev, nil
}

func (p process) Query(addr uintptr) (Region, error) {
	self, err := procfs.Self()
	if err != nil {
		return Region{}, errors.Wrap(err, "open /proc/self")
	}
	maps, err := self.ProcMaps()
	if err != nil {
		return Region{}, errors.Wrap(err, "read /proc/self/maps")
	}

	info := p.Info()
	if addr >= info.MaxAddress {
		return Region{}, errors.Errorf("address %#x is outside the user address space", addr)
	}

	// The maps file is sorted by address; the gap between two mappings is a
	// free region.
	freeStart := uintptr(0)
	for _, m := range maps {
		if addr < m.StartAddr {
			return Region{Base: freeStart, Size: m.StartAddr - freeStart, Free: true}, nil
		}
		if addr < m.EndAddr {
			return Region{
				Base:   m.StartAddr,
				Size:   m.EndAddr - m.StartAddr,
				Access: permsAccess(m.Perms),
			}, nil
		}
		freeStart = m.EndAddr
	}

	return Region{Base: freeStart, Size: info.MaxAddress - freeStart, Free: true}, nil
}

func permsAccess(perms *procfs.ProcMapPermissions) Access {
	var a Access
	if perms == nil {
		return a
	}
	if perms.Read {
		a |= AccessRead
	}
	if perms.Write {
		a |= AccessWrite
	}
	if perms.Execute {
		a |= AccessExecute
	}
	return a
}

var systemInfo = sync.OnceValue(func() SystemInfo {
	pageSize := uintptr(unix.Getpagesize())
	info := SystemInfo{
		PageSize:              pageSize,
		AllocationGranularity: pageSize,
		MinAddress:            0x10000,
		MaxAddress:            maxUserAddress,
	}

	buf, err := os.ReadFile("/proc/sys/vm/mmap_min_addr")
	if err == nil {
		if v, err := strconv.ParseUint(strings.TrimSpace(string(buf)), 10, 64); err == nil && v != 0 {
			info.MinAddress = AlignUp(uintptr(v), pageSize)
		}
	}

	return info
})

func (process) Info() SystemInfo {
	return systemInfo()
}

// FlushInstructionCache is a no-op: x86 keeps instruction fetch coherent with
// stores.
func FlushInstructionCache(addr, size uintptr) {}
