package hotpatch

import (
	"fmt"
	"reflect"
	"unsafe"
)

// checkReplacement validates that destination can stand in for target. With
// method set, the first parameter of each is a receiver and only needs to be a
// pointer.
func checkReplacement(target, destination any, method bool) (tv, dv reflect.Value, err error) {
	tv = reflect.ValueOf(target)
	if tv.Kind() != reflect.Func {
		return tv, dv, fmt.Errorf("hotpatch: target is not a function, kind: %v", tv.Kind())
	}
	dv = reflect.ValueOf(destination)
	if dv.Kind() != reflect.Func {
		return tv, dv, fmt.Errorf("hotpatch: destination is not a function, kind: %v", dv.Kind())
	}
	if tv.IsNil() || dv.IsNil() {
		return tv, dv, fmt.Errorf("hotpatch: nil function")
	}

	skip := 0
	if method {
		for _, v := range []reflect.Value{tv, dv} {
			if v.Type().NumIn() == 0 || v.Type().In(0).Kind() != reflect.Pointer {
				return tv, dv, fmt.Errorf("hotpatch: %v is not a method with a pointer receiver", v.Type())
			}
		}
		skip = 1
	}

	if !funcsAreEqual(tv, dv, skip) {
		return tv, dv, fmt.Errorf("hotpatch: function signatures do not match: %w", diffFuncs(tv, dv).Error())
	}
	return tv, dv, nil
}

// funcsAreEqual compares the signatures of a and b, ignoring the first skip
// parameters.
func funcsAreEqual(a, b reflect.Value, skip int) bool {
	at := a.Type()
	bt := b.Type()
	if at.NumIn() != bt.NumIn() || at.NumOut() != bt.NumOut() || at.IsVariadic() != bt.IsVariadic() {
		return false
	}

	for i := skip; i < at.NumIn(); i++ {
		if at.In(i) != bt.In(i) {
			return false
		}
	}

	for i := 0; i < at.NumOut(); i++ {
		if at.Out(i) != bt.Out(i) {
			return false
		}
	}

	return true
}

// funcSlice returns the machine code of fn, up to the start of the next
// function in the binary.
func funcSlice(fn reflect.Value) ([]byte, error) {
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("not a function, kind: %v", fn.Kind())
	}

	entry := fn.Pointer()

	info := findfunc(entry)
	if info._func == nil || info.datap == nil {
		return nil, fmt.Errorf("no function at %#x", entry)
	}

	// To find the length, look at the offsets of every function and find
	// the one that comes immediately after this one.
	funcOffset := uint32(entry - info.datap.text)
	length := uint32(info.datap.etext - entry)

	for _, ft := range info.datap.ftab {
		// Does this function come before the one we're looking for?
		if ft.entryoff <= funcOffset {
			continue
		}

		// Is the distance between these two functions less than what we've seen before?
		testLength := ft.entryoff - funcOffset
		if testLength < length {
			length = testLength
		}
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(entry)), length), nil
}
