//go:build windows

package thread

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	contextAMD64 = 0x00100000
	// CONTEXT_ALL: control, integer, segments, floating point and debug
	// registers.
	contextAll = contextAMD64 | 0x1f

	threadAccess = windows.THREAD_SUSPEND_RESUME | windows.THREAD_GET_CONTEXT |
		windows.THREAD_SET_CONTEXT | windows.THREAD_QUERY_INFORMATION
)

// Every call made while threads are suspended goes through these procs. They
// are resolved by newController, since resolving one takes the loader lock
// and allocates.
var (
	kernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procOpenThread       = kernel32.NewProc("OpenThread")
	procSuspendThread    = kernel32.NewProc("SuspendThread")
	procResumeThread     = kernel32.NewProc("ResumeThread")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
	procGetThreadContext = kernel32.NewProc("GetThreadContext")
	procSetThreadContext = kernel32.NewProc("SetThreadContext")

	resolveProcs = sync.OnceValue(func() error {
		for _, p := range []*windows.LazyProc{
			procOpenThread,
			procSuspendThread,
			procResumeThread,
			procCloseHandle,
			procGetThreadContext,
			procSetThreadContext,
		} {
			if err := p.Find(); err != nil {
				return err
			}
		}
		return nil
	})
)

// osController returns syscall errors unwrapped so that a failure while
// threads are suspended allocates nothing.
type osController struct {
	loadErr error
}

func newController() Controller {
	return osController{loadErr: resolveProcs()}
}

func (osController) Current() ID {
	return ID(windows.GetCurrentThreadId())
}

func (osController) Threads(dst []ID) ([]ID, error) {
	dst = dst[:0]

	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return dst, err
	}
	defer windows.CloseHandle(snapshot)

	pid := windows.GetCurrentProcessId()

	var te windows.ThreadEntry32
	te.Size = uint32(unsafe.Sizeof(te))
	for err = windows.Thread32First(snapshot, &te); err == nil; err = windows.Thread32Next(snapshot, &te) {
		if te.OwnerProcessID == pid {
			dst = append(dst, ID(te.ThreadID))
		}
	}
	if err != windows.ERROR_NO_MORE_FILES {
		return dst, err
	}
	return dst, nil
}

func (c osController) Suspend(id ID) (Handle, error) {
	if c.loadErr != nil {
		return 0, c.loadErr
	}

	h, _, err := procOpenThread.Call(uintptr(threadAccess), 0, uintptr(id))
	if h == 0 {
		return 0, err
	}

	r, _, err := procSuspendThread.Call(h)
	if int32(r) == -1 {
		procCloseHandle.Call(h)
		return 0, err
	}
	return Handle(h), nil
}

func (c osController) Resume(h Handle) error {
	if c.loadErr != nil {
		return c.loadErr
	}

	r, _, err := procResumeThread.Call(uintptr(h))
	procCloseHandle.Call(uintptr(h))
	if int32(r) == -1 {
		return err
	}
	return nil
}

// GetThreadContext needs a 16-byte aligned CONTEXT. The caller's may not be,
// so the call goes through this buffer. Callers serialize their use of a
// controller, and nothing here allocates.
var (
	ctxMu  sync.Mutex
	ctxBuf [unsafe.Sizeof(Context{}) + 16]byte
)

func alignedContext() *Context {
	p := uintptr(unsafe.Pointer(&ctxBuf[0]))
	off := (16 - p%16) % 16
	return (*Context)(unsafe.Pointer(&ctxBuf[off]))
}

func (c osController) GetContext(h Handle, ctx *Context) error {
	if c.loadErr != nil {
		return c.loadErr
	}

	ctxMu.Lock()
	defer ctxMu.Unlock()

	buf := alignedContext()
	buf.ContextFlags = contextAll
	r, _, err := procGetThreadContext.Call(uintptr(h), uintptr(unsafe.Pointer(buf)))
	if r == 0 {
		return err
	}
	*ctx = *buf
	return nil
}

func (c osController) SetContext(h Handle, ctx *Context) error {
	if c.loadErr != nil {
		return c.loadErr
	}

	ctxMu.Lock()
	defer ctxMu.Unlock()

	buf := alignedContext()
	*buf = *ctx
	buf.ContextFlags = contextAll
	r, _, err := procSetThreadContext.Call(uintptr(h), uintptr(unsafe.Pointer(buf)))
	if r == 0 {
		return err
	}
	return nil
}
