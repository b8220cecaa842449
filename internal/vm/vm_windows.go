//go:build windows

package vm

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const memFree = 0x10000

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procGetSystemInfo         = kernel32.NewProc("GetSystemInfo")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

type systemInfoStruct struct {
	ProcessorArchitecture     uint16
	Reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

type process struct{}

func protect(access Access) uint32 {
	switch access {
	case AccessR:
		return windows.PAGE_READONLY
	case AccessRW, AccessWrite:
		return windows.PAGE_READWRITE
	case AccessExecute:
		return windows.PAGE_EXECUTE
	case AccessRX:
		return windows.PAGE_EXECUTE_READ
	case AccessRWX, AccessWrite | AccessExecute:
		return windows.PAGE_EXECUTE_READWRITE
	}
	return windows.PAGE_NOACCESS
}

func access(protect uint32) Access {
	switch protect &^ (windows.PAGE_GUARD | windows.PAGE_NOCACHE | windows.PAGE_WRITECOMBINE) {
	case windows.PAGE_READONLY:
		return AccessR
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		return AccessRW
	case windows.PAGE_EXECUTE:
		return AccessExecute
	case windows.PAGE_EXECUTE_READ:
		return AccessRX
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return AccessRWX
	}
	return AccessNone
}

func (process) Allocate(hint, size uintptr, a Access) (uintptr, error) {
	addr, err := windows.VirtualAlloc(hint, size, windows.MEM_RESERVE|windows.MEM_COMMIT, protect(a))
	if err != nil {
		return 0, errors.Wrapf(err, "VirtualAlloc %#x bytes at %#x", size, hint)
	}
	if hint != 0 && addr != hint {
		windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		return 0, errors.Errorf("VirtualAlloc %#x bytes at %#x: allocated at %#x instead", size, hint, addr)
	}
	return addr, nil
}

func (process) Free(addr, size uintptr) error {
	return errors.Wrapf(windows.VirtualFree(addr, 0, windows.MEM_RELEASE), "VirtualFree %#x", addr)
}

func (process) Protect(addr, size uintptr, a Access) (Access, error) {
	pageStart, regionSize := pageSpan(addr, size, systemInfo().PageSize)

	var old uint32
	err := windows.VirtualProtect(pageStart, regionSize, protect(a), &old)
	if err != nil {
		return AccessNone, errors.Wrapf(err, "VirtualProtect %#x", addr)
	}
	return access(old), nil
}

func (process) Query(addr uintptr) (Region, error) {
	var mbi windows.MemoryBasicInformation
	err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi))
	if err != nil {
		return Region{}, errors.Wrapf(err, "VirtualQuery %#x", addr)
	}
	return Region{
		Base:   mbi.BaseAddress,
		Size:   mbi.RegionSize,
		Access: access(mbi.Protect),
		Free:   mbi.State == memFree,
	}, nil
}

var systemInfo = sync.OnceValue(func() SystemInfo {
	var si systemInfoStruct
	procGetSystemInfo.Call(uintptr(unsafe.Pointer(&si)))
	return SystemInfo{
		PageSize:              uintptr(si.PageSize),
		AllocationGranularity: uintptr(si.AllocationGranularity),
		MinAddress:            si.MinimumApplicationAddress,
		MaxAddress:            si.MaximumApplicationAddress,
	}
})

func (process) Info() SystemInfo {
	return systemInfo()
}

// FlushInstructionCache tells the OS code in [addr, addr+size) changed.
func FlushInstructionCache(addr, size uintptr) {
	procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, size)
}
