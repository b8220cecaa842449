package hotpatch

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pboyd/hotpatch/internal/vm"
	"github.com/pkg/errors"
)

// codeMu serializes every read-modify-write of patched code, so two hooks
// never decode or restore the same bytes at once.
var codeMu sync.Mutex

// unprotect makes the pages under [addr, addr+size) writable. The returned
// func puts the old protection back.
func unprotect(addr uintptr, size int) (func(), error) {
	prev, err := vm.Process.Protect(addr, uintptr(size), vm.AccessRWX)
	if err != nil {
		return nil, errors.WithMessagef(err, "make %#x writable", addr)
	}
	return func() {
		vm.Process.Protect(addr, uintptr(size), prev)
		vm.FlushInstructionCache(addr, uintptr(size))
	}, nil
}

// writeCode copies b over the code at addr. When b fits inside one aligned
// 8-byte word it is written with a single atomic store, so a thread that
// cannot be frozen sees either the old bytes or the new ones.
func writeCode(addr uintptr, b []byte) {
	word := vm.AlignDown(addr, 8)
	if addr+uintptr(len(b)) <= word+8 {
		p := (*uint64)(unsafe.Pointer(word))

		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], atomic.LoadUint64(p))
		copy(buf[addr-word:], b)
		atomic.StoreUint64(p, binary.LittleEndian.Uint64(buf[:]))
		return
	}

	copy(vm.Bytes(addr, uintptr(len(b))), b)
}
