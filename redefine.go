package hotpatch

import (
	"fmt"
	"reflect"
	"sync"
)

// Redefined Go functions, by entry address.
var redefined = struct {
	sync.RWMutex
	hooks map[uintptr]*InlineHook
}{hooks: map[uintptr]*InlineHook{}}

// Func redefines fn with newFn until Restore is called. An error is returned
// if fn or newFn are not functions or if their signatures do not match.
// Redefining fn again replaces the previous definition.
//
// Note that if fn has been inlined this will silently fail. If possible, add a
// noinline directive to work-around this problem:
//
//	//go:noinline
//	func myfunc() {
//		...
//	}
func Func(fn, newFn any) error {
	return redefine(fn, newFn, false)
}

// Method is Func for method expressions. The receivers may be different
// pointer types, as long as newMethod only uses what the two have in common.
func Method(method, newMethod any) error {
	return redefine(method, newMethod, true)
}

func redefine(fn, newFn any, method bool) error {
	fv, nv, err := checkReplacement(fn, newFn, method)
	if err != nil {
		return err
	}

	code, err := funcSlice(fv)
	if err != nil {
		return err
	}

	redefined.Lock()
	defer redefined.Unlock()

	entry := fv.Pointer()
	if old, ok := redefined.hooks[entry]; ok {
		old.Reset()
		delete(redefined.hooks, entry)
	}

	h := &InlineHook{}
	if err := h.setup(GlobalAllocator(), entry, nv.Pointer(), len(code), nil); err != nil {
		return err
	}
	redefined.hooks[entry] = h
	return nil
}

// Restore undoes Func or Method for fn.
func Restore(fn any) error {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return fmt.Errorf("hotpatch: not a function, kind: %v", fv.Kind())
	}

	redefined.Lock()
	defer redefined.Unlock()

	h, ok := redefined.hooks[fv.Pointer()]
	if !ok {
		return fmt.Errorf("hotpatch: %v has not been redefined", fv.Type())
	}
	h.Reset()
	delete(redefined.hooks, fv.Pointer())
	return nil
}

// OriginalFunc returns a function with the behavior fn had before it was
// redefined, or fn itself when it has not been. The result must not be used
// after fn is restored.
func OriginalFunc[T any](fn T) T {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		var zero T
		return zero
	}

	redefined.RLock()
	defer redefined.RUnlock()

	h, ok := redefined.hooks[fv.Pointer()]
	if !ok {
		return fn
	}
	return Original[T](h)
}
