// Package native places machine code in executable memory and converts code
// addresses to and from Go func values.
package native

import (
	"reflect"
	"unsafe"

	"github.com/pboyd/hotpatch/internal/vm"
	"github.com/pkg/errors"
)

// Code is a block of machine code in its own executable pages.
type Code struct {
	addr uintptr
	size uintptr
}

// Load copies code into newly mapped pages and makes them executable.
func Load(code []byte) (*Code, error) {
	return LoadAt(0, code)
}

// LoadAt is Load with an address hint; a zero hint lets the OS choose.
func LoadAt(hint uintptr, code []byte) (*Code, error) {
	info := vm.Process.Info()
	size := vm.AlignUp(uintptr(len(code)), info.AllocationGranularity)

	addr, err := vm.Process.Allocate(hint, size, vm.AccessRW)
	if err != nil {
		return nil, err
	}

	buf := vm.Bytes(addr, size)
	n := copy(buf, code)
	for i := n; i < len(buf); i++ {
		buf[i] = 0xcc
	}

	if _, err := vm.Process.Protect(addr, size, vm.AccessRX); err != nil {
		vm.Process.Free(addr, size)
		return nil, errors.WithMessage(err, "making code executable")
	}
	vm.FlushInstructionCache(addr, size)

	return &Code{addr: addr, size: size}, nil
}

// Addr returns the address of the first instruction.
func (c *Code) Addr() uintptr {
	return c.addr
}

// Free unmaps the code.
func (c *Code) Free() error {
	if c.addr == 0 {
		return nil
	}
	err := vm.Process.Free(c.addr, c.size)
	c.addr = 0
	return err
}

// Func returns a Go func value of type T whose code starts at addr. The code
// must follow the Go internal calling convention for T.
func Func[T any](addr uintptr) T {
	// A func value points at a word holding the code address; for closures
	// the captured variables follow it.
	fv := new(uintptr)
	*fv = addr
	return *(*T)(unsafe.Pointer(&fv))
}

// Addr returns the entry address of the Go func fn, or zero when fn is not a
// non-nil func.
func Addr(fn any) uintptr {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0
	}
	return v.Pointer()
}
