package hotpatch

import (
	"errors"
	"fmt"
)

// ErrorKind classifies hook failures. Kinds are errors themselves, so
// errors.Is(err, hotpatch.FailedToDecodeInstruction) works on any error
// returned by this package.
type ErrorKind int

const (
	// BadAllocation means no trampoline or stub memory could be reserved.
	// The allocator's error is wrapped.
	BadAllocation ErrorKind = iota + 1
	FailedToDecodeInstruction
	// ShortJumpInTrampoline means a short branch could not be carried into
	// a trampoline that is out of rel32 range of the target.
	ShortJumpInTrampoline
	UnsupportedInstructionInTrampoline
	IPRelativeInstructionOutOfRange
	// BadInlineHook means the inline hook under a mid hook failed. The
	// inline hook's error is wrapped.
	BadInlineHook
)

var kindNames = map[ErrorKind]string{
	BadAllocation:                      "bad allocation",
	FailedToDecodeInstruction:          "failed to decode instruction",
	ShortJumpInTrampoline:              "short jump in trampoline",
	UnsupportedInstructionInTrampoline: "unsupported instruction in trampoline",
	IPRelativeInstructionOutOfRange:    "IP-relative instruction out of range",
	BadInlineHook:                      "bad inline hook",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

func (k ErrorKind) Error() string {
	return k.String()
}

// Error is returned by hook constructors.
type Error struct {
	Kind ErrorKind
	// Addr is the address of the offending instruction when there is one.
	Addr uintptr
	Err  error
}

func (e *Error) Error() string {
	msg := "hotpatch: " + e.Kind.String()
	if e.Addr != 0 {
		msg += fmt.Sprintf(" at %#x", e.Addr)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind ErrorKind, addr uintptr, err error) *Error {
	return &Error{Kind: kind, Addr: addr, Err: err}
}

// Allocator errors.
var (
	ErrBadVirtualAlloc = errors.New("hotpatch: virtual allocation failed")
	ErrNoMemoryInRange = errors.New("hotpatch: no memory in range")
)
