package hotpatch

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pboyd/hotpatch/internal/native"
	"github.com/pboyd/hotpatch/internal/vm"
	"github.com/sirupsen/logrus"
)

// ipMapping pairs an instruction offset in the target with the offset of its
// copy in the trampoline.
type ipMapping struct {
	from int
	to   int
}

// InlineHook redirects a function to another by overwriting its first
// instructions with a jump. The overwritten instructions are kept, relocated,
// in a trampoline that continues into the rest of the original function, so
// the original behavior stays callable.
//
// The zero value is an unarmed hook. An InlineHook must not be copied.
type InlineHook struct {
	// mu guards the trampoline against Reset while the original is called.
	mu sync.RWMutex

	target      uintptr
	destination uintptr
	trampoline  *Allocation
	original    []byte
	ipMap       []ipMapping
	backJump    int
}

// CreateInline hooks the machine code at target so that it jumps to
// destination instead. Calling the trampoline, through Original or Call,
// runs the original code.
//
// Either the hook is fully installed or target is left untouched.
//
// When target is Go code, a goroutine whose stack grows while it runs the
// first instructions through the trampoline restarts the target at its entry
// and so passes through destination a second time.
func CreateInline(target, destination uintptr, opts ...Option) (*InlineHook, error) {
	o := buildOptions(opts)

	h := &InlineHook{}
	if err := h.setup(o.allocator, target, destination, 0, nil); err != nil {
		return nil, err
	}
	return h, nil
}

// CreateInlineFunc hooks the Go function target with destination. Both must
// be functions of the same type and destination must not be a closure that
// captures variables. As with any inline hook, calls the compiler inlined
// into their callers are not affected, so mark target with
// //go:noinline.
func CreateInlineFunc(target, destination any, opts ...Option) (*InlineHook, error) {
	tv, dv, err := checkReplacement(target, destination, false)
	if err != nil {
		return nil, err
	}

	code, err := funcSlice(tv)
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)

	h := &InlineHook{}
	if err := h.setup(o.allocator, tv.Pointer(), dv.Pointer(), len(code), nil); err != nil {
		return nil, err
	}
	return h, nil
}

// setup arms the hook. limit, when positive, is the most bytes of target the
// patch may cover. beforeArm is called with the trampoline address once the
// trampoline is written but before target jumps to it.
func (h *InlineHook) setup(a *Allocator, target, destination uintptr, limit int, beforeArm func(trampoline uintptr)) error {
	if target == 0 || destination == 0 {
		return fmt.Errorf("hotpatch: invalid hook %#x -> %#x", target, destination)
	}

	codeMu.Lock()
	defer codeMu.Unlock()

	plan, err := planTrampoline(a, target, destination, limit)
	if err != nil {
		return err
	}

	tramp := plan.alloc.Address()
	copy(plan.alloc.Bytes(), plan.code)

	restore, err := unprotect(target, len(plan.patch))
	if err != nil {
		plan.alloc.Free()
		return err
	}

	original := make([]byte, len(plan.patch))
	copy(original, vm.Bytes(target, uintptr(len(plan.patch))))

	if beforeArm != nil {
		beforeArm(tramp)
	}

	ipMap := plan.ipMap
	ExecuteWhileFrozen(func() {
		writeCode(target, plan.patch)
	}, func(t *FrozenThread) {
		for _, m := range ipMap {
			if t.FixIP(target+uintptr(m.from), tramp+uintptr(m.to)) {
				return
			}
		}
	})
	restore()

	h.target = target
	h.destination = destination
	h.trampoline = plan.alloc
	h.original = original
	h.ipMap = ipMap
	h.backJump = plan.backJump

	logger.WithFields(logrus.Fields{
		"target":      fmt.Sprintf("%#x", target),
		"destination": fmt.Sprintf("%#x", destination),
		"trampoline":  fmt.Sprintf("%#x", tramp),
		"size":        len(original),
	}).Debug("hotpatch: inline hook created")

	return nil
}

// Reset removes the hook and restores the target's original bytes. Threads
// stopped inside the trampoline are moved back to the equivalent place in
// the target. Reset waits for calls made through Call to return. Calling
// Reset on an unarmed hook does nothing.
func (h *InlineHook) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reset()
}

func (h *InlineHook) reset() {
	if h.trampoline == nil {
		return
	}

	codeMu.Lock()
	defer codeMu.Unlock()

	restore, err := unprotect(h.target, len(h.original))
	if err != nil {
		logger.WithError(err).WithField("target", fmt.Sprintf("%#x", h.target)).Error("hotpatch: unable to remove inline hook")
		return
	}

	target := h.target
	tramp := h.trampoline.Address()
	ipMap := h.ipMap
	back := tramp + uintptr(h.backJump)
	resume := target + uintptr(len(h.original))
	original := h.original

	ExecuteWhileFrozen(func() {
		writeCode(target, original)
	}, func(t *FrozenThread) {
		if t.FixIP(back, resume) {
			return
		}
		for _, m := range ipMap {
			if t.FixIP(tramp+uintptr(m.to), target+uintptr(m.from)) {
				return
			}
		}
	})
	restore()

	h.trampoline.Free()
	h.trampoline = nil
	h.original = nil
	h.ipMap = nil
	h.backJump = 0

	logger.WithField("target", fmt.Sprintf("%#x", target)).Debug("hotpatch: inline hook removed")
}

// lockPair locks a and b in address order.
func lockPair(a, b *sync.RWMutex) (unlock func()) {
	if uintptr(unsafe.Pointer(b)) < uintptr(unsafe.Pointer(a)) {
		a, b = b, a
	}
	a.Lock()
	b.Lock()
	return func() {
		b.Unlock()
		a.Unlock()
	}
}

// Assign resets h and moves other's hook into it, leaving other unarmed.
func (h *InlineHook) Assign(other *InlineHook) {
	if h == other {
		return
	}

	unlock := lockPair(&h.mu, &other.mu)
	defer unlock()
	h.reset()

	h.target, other.target = other.target, 0
	h.destination, other.destination = other.destination, 0
	h.trampoline, other.trampoline = other.trampoline, nil
	h.original, other.original = other.original, nil
	h.ipMap, other.ipMap = other.ipMap, nil
	h.backJump, other.backJump = other.backJump, 0
}

// Armed reports whether the hook is installed.
func (h *InlineHook) Armed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.trampoline != nil
}

// Target returns the hooked address.
func (h *InlineHook) Target() uintptr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.target
}

// Destination returns the address the target jumps to.
func (h *InlineHook) Destination() uintptr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.destination
}

// Trampoline returns the address that runs the original code, or zero when
// the hook is not armed.
func (h *InlineHook) Trampoline() uintptr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.trampolineAddr()
}

func (h *InlineHook) trampolineAddr() uintptr {
	if h.trampoline == nil {
		return 0
	}
	return h.trampoline.Address()
}

// Original returns the original function behind h as a func of type T, which
// must be the type of the hooked Go function. The returned func must not be
// called after h is reset; use Call when Reset may run concurrently.
//
// If h is not armed the zero value of T is returned.
func Original[T any](h *InlineHook) T {
	tramp := h.Trampoline()
	if tramp == 0 {
		var zero T
		return zero
	}
	return native.Func[T](tramp)
}

// Call calls fn with the original function behind h while holding off Reset.
// When h has been reset, fn gets the unhooked target itself. Call returns
// false without calling fn when h never hooked anything.
func Call[T any](h *InlineHook, fn func(original T)) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	addr := h.trampolineAddr()
	if addr == 0 {
		addr = h.target
	}
	if addr == 0 {
		return false
	}

	fn(native.Func[T](addr))
	return true
}
