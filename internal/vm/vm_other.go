//go:build !linux && !windows

package vm

type process struct{}

func (process) Allocate(hint, size uintptr, access Access) (uintptr, error) {
	return 0, ErrUnsupported
}

func (process) Free(addr, size uintptr) error {
	return ErrUnsupported
}

func (process) Protect(addr, size uintptr, access Access) (Access, error) {
	return AccessNone, ErrUnsupported
}

func (process) Query(addr uintptr) (Region, error) {
	return Region{}, ErrUnsupported
}

func (process) Info() SystemInfo {
	return SystemInfo{PageSize: 4096, AllocationGranularity: 4096}
}

func FlushInstructionCache(addr, size uintptr) {}
