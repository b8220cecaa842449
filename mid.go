package hotpatch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
)

// MidHook runs a callback with the full register state at an arbitrary
// instruction. The callback is native code taking a *Context in the first
// argument register of the platform C calling convention. After it returns
// the registers are reloaded from the Context and the original instructions
// run.
//
// The zero value is an unarmed hook. A MidHook must not be copied.
type MidHook struct {
	hook        InlineHook
	stub        *Allocation
	destination uintptr
}

// CreateMid installs a mid hook at target calling destination.
func CreateMid(target, destination uintptr, opts ...Option) (*MidHook, error) {
	o := buildOptions(opts)

	m := &MidHook{}
	if err := m.setup(o.allocator, target, destination); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MidHook) setup(a *Allocator, target, destination uintptr) error {
	if destination == 0 {
		return fmt.Errorf("hotpatch: invalid mid hook destination")
	}

	code, destSlot, trampSlot := midStub()
	if code == nil {
		return errors.New("hotpatch: mid hooks are not supported on " + runtime.GOARCH)
	}

	stub, err := a.Allocate(len(code))
	if err != nil {
		return newError(BadAllocation, target, err)
	}

	buf := stub.Bytes()
	copy(buf, code)
	binary.LittleEndian.PutUint64(buf[destSlot:], uint64(destination))

	err = m.hook.setup(a, target, stub.Address(), 0, func(tramp uintptr) {
		binary.LittleEndian.PutUint64(buf[trampSlot:], uint64(tramp))
	})
	if err != nil {
		stub.Free()
		return newError(BadInlineHook, target, err)
	}

	m.stub = stub
	m.destination = destination
	return nil
}

// Reset removes the hook. Calling Reset on an unarmed hook does nothing.
func (m *MidHook) Reset() {
	m.hook.Reset()
	if m.stub != nil {
		m.stub.Free()
		m.stub = nil
	}
}

// Assign resets m and moves other's hook into it, leaving other unarmed.
func (m *MidHook) Assign(other *MidHook) {
	if m == other {
		return
	}
	m.Reset()
	m.hook.Assign(&other.hook)
	m.stub, other.stub = other.stub, nil
	m.destination, other.destination = other.destination, 0
}

// Armed reports whether the hook is installed.
func (m *MidHook) Armed() bool {
	return m.hook.Armed()
}

// Target returns the hooked address.
func (m *MidHook) Target() uintptr {
	return m.hook.Target()
}

// Destination returns the callback address.
func (m *MidHook) Destination() uintptr {
	return m.destination
}

// Trampoline returns the address of the relocated original instructions.
func (m *MidHook) Trampoline() uintptr {
	return m.hook.Trampoline()
}
