package hotpatch

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pboyd/hotpatch/internal/native"
	"github.com/pboyd/malloc"
)

// itabHeaderWords is the number of words in front of the method table of an
// itab: the interface type, the concrete type and the hash.
const itabHeaderWords = 3

// vmtTable is a private copy of an itab. It is shared by a VmtHook and its
// VmHooks and freed when the last of them lets go.
type vmtTable struct {
	refs  atomic.Int32
	words []uintptr
}

var tableArena struct {
	mu    sync.Mutex
	arena *malloc.Arena
}

func newVmtTable(tab unsafe.Pointer, methods int) (*vmtTable, error) {
	tableArena.mu.Lock()
	defer tableArena.mu.Unlock()

	if tableArena.arena == nil {
		tableArena.arena = malloc.NewArena(64 << 10)
		if tableArena.arena == nil {
			return nil, errors.New("hotpatch: unable to initialize arena")
		}
	}

	n := itabHeaderWords + methods
	words, err := malloc.MallocSlice[uintptr](tableArena.arena, n)
	if err != nil {
		return nil, err
	}
	copy(words, unsafe.Slice((*uintptr)(tab), n))

	t := &vmtTable{words: words}
	t.refs.Store(1)
	return t, nil
}

func (t *vmtTable) itab() unsafe.Pointer {
	return unsafe.Pointer(&t.words[0])
}

func (t *vmtTable) slot(index int) *uintptr {
	return &t.words[itabHeaderWords+index]
}

func (t *vmtTable) acquire() *vmtTable {
	t.refs.Add(1)
	return t
}

func (t *vmtTable) release() {
	if t.refs.Add(-1) != 0 {
		return
	}

	tableArena.mu.Lock()
	defer tableArena.mu.Unlock()
	malloc.FreeSlice(tableArena.arena, t.words)
	t.words = nil
}

// tabWord returns the itab word of the interface value at obj.
func tabWord(obj unsafe.Pointer) *unsafe.Pointer {
	return (*unsafe.Pointer)(obj)
}

// itabType returns the concrete type recorded in an itab.
func itabType(tab unsafe.Pointer) uintptr {
	return *(*uintptr)(unsafe.Add(tab, unsafe.Sizeof(uintptr(0))))
}

// VmtHook replaces the method table of interface values. Each hooked value
// gets a private copy of its itab, so methods can be swapped for that value
// alone. The copy keeps the concrete type, so reflection and conversion to
// other interface types keep working.
//
// Go compares itab pointers for a few operations, which the copy never
// matches:
//   - a hooked value no longer compares equal to an unhooked value holding
//     the same pointer
//   - asserting a hooked value to a concrete type, directly or in a type
//     switch, fails; convert it to any first, as in any(v).(*T)
type VmtHook[I any] struct {
	mu      sync.Mutex
	iface   reflect.Type
	table   *vmtTable
	objects map[*I]unsafe.Pointer
}

// CreateVmt copies the itab of *obj and points *obj at the copy. I must be a
// non-empty interface type.
func CreateVmt[I any](obj *I) (*VmtHook[I], error) {
	it := reflect.TypeFor[I]()
	if it.Kind() != reflect.Interface || it.NumMethod() == 0 {
		return nil, fmt.Errorf("hotpatch: %v is not an interface with methods", it)
	}
	if obj == nil {
		return nil, errors.New("hotpatch: nil object")
	}

	tab := atomic.LoadPointer(tabWord(unsafe.Pointer(obj)))
	if tab == nil {
		return nil, errors.New("hotpatch: nil interface value")
	}

	table, err := newVmtTable(tab, it.NumMethod())
	if err != nil {
		return nil, newError(BadAllocation, 0, err)
	}

	h := &VmtHook[I]{
		iface:   it,
		table:   table,
		objects: map[*I]unsafe.Pointer{},
	}
	if err := h.Apply(obj); err != nil {
		table.release()
		return nil, err
	}
	return h, nil
}

// Apply points another interface value at the hooked method table. It must
// hold the same concrete type as the value the hook was created from.
func (h *VmtHook[I]) Apply(obj *I) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.table == nil {
		return errors.New("hotpatch: vmt hook has been reset")
	}

	word := tabWord(unsafe.Pointer(obj))
	tab := atomic.LoadPointer(word)
	switch {
	case tab == h.table.itab():
		return nil
	case tab == nil:
		return errors.New("hotpatch: nil interface value")
	case itabType(tab) != itabType(h.table.itab()):
		return errors.New("hotpatch: object has a different concrete type")
	}

	h.objects[obj] = tab
	copyTab := h.table.itab()
	ExecuteWhileFrozen(func() {
		atomic.StorePointer(word, copyTab)
	}, nil)
	return nil
}

// Remove restores the original method table of obj.
func (h *VmtHook[I]) Remove(obj *I) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.remove(obj)
}

func (h *VmtHook[I]) remove(obj *I) {
	original, ok := h.objects[obj]
	if !ok {
		return
	}
	delete(h.objects, obj)

	word := tabWord(unsafe.Pointer(obj))
	copyTab := h.table.itab()
	ExecuteWhileFrozen(func() {
		// The value may have been reassigned since.
		atomic.CompareAndSwapPointer(word, copyTab, original)
	}, nil)
}

// HookMethod replaces method index of the interface, in the order of
// reflect.Type.Method, with fn. fn takes the receiver as its first argument,
// as a pointer to the concrete type or an unsafe.Pointer, followed by the
// method's arguments.
func (h *VmtHook[I]) HookMethod(index int, fn any) (*VmHook, error) {
	if index < 0 || index >= h.iface.NumMethod() {
		return nil, fmt.Errorf("hotpatch: method index %d out of range", index)
	}

	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func || fv.IsNil() {
		return nil, fmt.Errorf("hotpatch: not a function, kind: %v", fv.Kind())
	}
	if err := checkMethodSignature(h.iface.Method(index), fv.Type()); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.table == nil {
		return nil, errors.New("hotpatch: vmt hook has been reset")
	}

	slot := h.table.slot(index)
	vm := &VmHook{
		table:    h.table.acquire(),
		slot:     slot,
		original: atomic.LoadUintptr(slot),
	}
	atomic.StoreUintptr(slot, fv.Pointer())
	return vm, nil
}

// HookMethodByName is HookMethod for the method called name.
func (h *VmtHook[I]) HookMethodByName(name string, fn any) (*VmHook, error) {
	m, ok := h.iface.MethodByName(name)
	if !ok {
		return nil, fmt.Errorf("hotpatch: %v has no method %s", h.iface, name)
	}
	return h.HookMethod(m.Index, fn)
}

// Reset restores every value that still uses the hooked method table.
func (h *VmtHook[I]) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.table == nil {
		return
	}
	for obj := range h.objects {
		h.remove(obj)
	}
	h.table.release()
	h.table = nil
}

func checkMethodSignature(m reflect.Method, ft reflect.Type) error {
	mt := m.Type
	if ft.NumIn() != mt.NumIn()+1 || ft.NumOut() != mt.NumOut() || ft.IsVariadic() != mt.IsVariadic() {
		return fmt.Errorf("hotpatch: function does not match method %s %v", m.Name, mt)
	}
	if k := ft.In(0).Kind(); k != reflect.Pointer && k != reflect.UnsafePointer {
		return fmt.Errorf("hotpatch: receiver must be a pointer, got %v", ft.In(0))
	}
	for i := 0; i < mt.NumIn(); i++ {
		if ft.In(i+1) != mt.In(i) {
			return fmt.Errorf("hotpatch: argument %d: %v != %v", i, ft.In(i+1), mt.In(i))
		}
	}
	for i := 0; i < mt.NumOut(); i++ {
		if ft.Out(i) != mt.Out(i) {
			return fmt.Errorf("hotpatch: output %d: %v != %v", i, ft.Out(i), mt.Out(i))
		}
	}
	return nil
}

// VmHook is one replaced method of a VmtHook.
type VmHook struct {
	mu       sync.Mutex
	table    *vmtTable
	slot     *uintptr
	original uintptr
}

// Original returns the address of the replaced method.
func (vm *VmHook) Original() uintptr {
	return vm.original
}

// Reset puts the original method back. Only this slot is touched.
func (vm *VmHook) Reset() {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.table == nil {
		return
	}
	atomic.StoreUintptr(vm.slot, vm.original)
	vm.table.release()
	vm.table = nil
	vm.slot = nil
}

// OriginalMethod returns the replaced method as a func of type F, which
// takes the receiver first like the hook function.
func OriginalMethod[F any](vm *VmHook) F {
	return native.Func[F](vm.original)
}
