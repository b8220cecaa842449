//go:build windows && amd64

package hotpatch

import "golang.org/x/sys/windows"

// NewMidCallback wraps fn as a native mid hook destination. The hooked code
// must run outside the Go scheduler, such as a DLL function called through a
// syscall, since the callback enters Go the way any Windows callback does.
// Windows limits how many callbacks a process can create.
func NewMidCallback(fn func(ctx *Context)) uintptr {
	return windows.NewCallback(func(ctx *Context) uintptr {
		fn(ctx)
		return 0
	})
}
