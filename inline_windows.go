//go:build windows

package hotpatch

import "syscall"

// Syscall calls the original function behind h with the Windows x64 calling
// convention while holding off Reset. It returns zero when h never hooked
// anything.
func (h *InlineHook) Syscall(args ...uintptr) uintptr {
	h.mu.RLock()
	defer h.mu.RUnlock()

	addr := h.trampolineAddr()
	if addr == 0 {
		addr = h.target
	}
	if addr == 0 {
		return 0
	}

	r, _, _ := syscall.SyscallN(addr, args...)
	return r
}
