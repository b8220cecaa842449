//go:build !amd64

package hotpatch

import (
	"errors"
	"runtime"
)

const maxHookDistance = 0x7fffff00

type trampolinePlan struct {
	alloc    *Allocation
	code     []byte
	patch    []byte
	ipMap    []ipMapping
	backJump int
}

func planTrampoline(a *Allocator, target, destination uintptr, limit int) (*trampolinePlan, error) {
	return nil, errors.New("hotpatch: unsupported architecture " + runtime.GOARCH)
}
