//go:build amd64 && (linux || windows)

package hotpatch

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/pboyd/hotpatch/internal/native"
	"github.com/pboyd/hotpatch/internal/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadCode(t *testing.T, code ...byte) uintptr {
	t.Helper()

	c, err := native.Load(code)
	require.NoError(t, err)
	t.Cleanup(func() { c.Free() })
	return c.Addr()
}

// noNearSpace can allocate anywhere but never finds memory near an address.
type noNearSpace struct {
	vm.Space
}

func (noNearSpace) Query(addr uintptr) (vm.Region, error) {
	return vm.Region{}, errors.New("query disabled")
}

var (
	// add rax, 1000; ret
	add1000 = []byte{0x48, 0x05, 0xe8, 0x03, 0x00, 0x00, 0xc3}
	// loop: sub rax, 1; jg loop; add rax, 10; ret
	loopCode = []byte{0x48, 0x83, 0xe8, 0x01, 0x7f, 0xfa, 0x48, 0x83, 0xc0, 0x0a, 0xc3}
	// test rax, rax; jle neg; mov eax, 1; ret; neg: mov rax, -1; ret
	signCode = []byte{
		0x48, 0x85, 0xc0, 0x7e, 0x06,
		0xb8, 0x01, 0x00, 0x00, 0x00, 0xc3,
		0x48, 0xc7, 0xc0, 0xff, 0xff, 0xff, 0xff, 0xc3,
	}
	// mov rax, [rip+1]; ret; dq 0x1122334455667788
	ripCode = []byte{
		0x48, 0x8b, 0x05, 0x01, 0x00, 0x00, 0x00, 0xc3,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
	}
	// add rax, 1 (x4); ret
	add4Code = []byte{
		0x48, 0x83, 0xc0, 0x01, 0x48, 0x83, 0xc0, 0x01,
		0x48, 0x83, 0xc0, 0x01, 0x48, 0x83, 0xc0, 0x01,
		0xc3,
	}
)

func TestInlineHookBranchInsidePrologue(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	target := loadCode(t, loopCode...)
	dest := loadCode(t, add1000...)
	f := native.Func[func(int) int](target)

	assert.Equal(10, f(3))
	assert.Equal(7, f(-2))

	h, err := CreateInline(target, dest)
	require.NoError(err)
	defer h.Reset()

	assert.Equal(1003, f(3))
	assert.LessOrEqual(distance(h.Trampoline(), target), uintptr(maxHookDistance))

	orig := Original[func(int) int](h)
	assert.Equal(10, orig(3))
	assert.Equal(10, orig(1))
	assert.Equal(7, orig(-2))

	h.Reset()
	assert.Equal(10, f(3))
	assert.False(h.Armed())
}

func TestInlineHookBranchOutsidePrologue(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	target := loadCode(t, signCode...)
	dest := loadCode(t, add1000...)
	f := native.Func[func(int) int](target)

	h, err := CreateInline(target, dest)
	require.NoError(err)
	defer h.Reset()

	assert.Equal(1005, f(5))

	orig := Original[func(int) int](h)
	assert.Equal(1, orig(5))
	assert.Equal(-1, orig(-3))
	assert.Equal(-1, orig(0))
}

func TestInlineHookRIPRelative(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// xor eax, eax; ret
	target := loadCode(t, ripCode...)
	dest := loadCode(t, 0x31, 0xc0, 0xc3)
	f := native.Func[func() uint64](target)
	require.Equal(uint64(0x1122334455667788), f())

	h, err := CreateInline(target, dest)
	require.NoError(err)
	defer h.Reset()

	assert.Equal(uint64(0), f())
	assert.Equal(uint64(0x1122334455667788), Original[func() uint64](h)())
}

func TestInlineHookFar(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	a := newAllocator(noNearSpace{vm.Process})
	defer a.Close()

	target := loadCode(t, add4Code...)
	// add rax, 100; ret
	dest := loadCode(t, 0x48, 0x83, 0xc0, 0x64, 0xc3)
	f := native.Func[func(int) int](target)

	h, err := CreateInline(target, dest, WithAllocator(a))
	require.NoError(err)
	defer h.Reset()

	patched := vm.Bytes(target, 16)
	assert.Equal([]byte{0xff, 0x25, 0, 0, 0, 0}, patched[:6])
	assert.Equal(uint64(dest), binary.LittleEndian.Uint64(patched[6:]))
	assert.Equal([]byte{0x90, 0x90}, patched[14:16])

	assert.Equal(101, f(1))
	assert.Equal(5, Original[func(int) int](h)(1))

	h.Reset()
	assert.Equal(add4Code, vm.Bytes(target, uintptr(len(add4Code))))
}

func TestInlineHookRestoresBytes(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	target := loadCode(t, signCode...)
	dest := loadCode(t, add1000...)

	h, err := CreateInline(target, dest)
	require.NoError(err)

	assert.Equal(byte(0xe9), vm.Bytes(target, 1)[0])
	assert.True(h.Armed())
	assert.Equal(target, h.Target())
	assert.Equal(dest, h.Destination())

	h.Reset()
	h.Reset()
	assert.Equal(signCode, vm.Bytes(target, uintptr(len(signCode))))
	assert.Zero(h.Trampoline())
	assert.Equal(target, h.Target())
}

func TestInlineHookErrors(t *testing.T) {
	dest := loadCode(t, add1000...)

	tests := []struct {
		name string
		code []byte
		opts func() []Option
		kind ErrorKind
	}{
		{
			name: "loop",
			// loop $; nop x3; ret
			code: []byte{0xe2, 0xfe, 0x90, 0x90, 0x90, 0xc3},
			kind: UnsupportedInstructionInTrampoline,
		},
		{
			name: "branch into an instruction",
			// jmp +1; add rax, 1; ret
			code: []byte{0xeb, 0x01, 0x48, 0x83, 0xc0, 0x01, 0xc3},
			kind: UnsupportedInstructionInTrampoline,
		},
		{
			name: "no memory near external reference",
			code: signCode,
			opts: func() []Option { return []Option{WithAllocator(newAllocator(noNearSpace{vm.Process}))} },
			kind: BadAllocation,
		},
		{
			name: "short jump in far trampoline",
			// add rax, 1 (x3); jle +0x10; ret...
			code: append([]byte{
				0x48, 0x83, 0xc0, 0x01, 0x48, 0x83, 0xc0, 0x01,
				0x48, 0x83, 0xc0, 0x01, 0x7e, 0x10,
			}, repeat(0xc3, 20)...),
			opts: func() []Option { return []Option{WithAllocator(newAllocator(noNearSpace{vm.Process}))} },
			kind: ShortJumpInTrampoline,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := loadCode(t, tt.code...)

			var opts []Option
			if tt.opts != nil {
				opts = tt.opts()
			}

			h, err := CreateInline(target, dest, opts...)
			require.Error(t, err)
			assert.Nil(t, h)
			assert.ErrorIs(t, err, tt.kind)

			var herr *Error
			require.ErrorAs(t, err, &herr)
			assert.Equal(t, tt.kind, herr.Kind)

			assert.Equal(t, tt.code, vm.Bytes(target, uintptr(len(tt.code))), "target must be untouched")
		})
	}

	t.Run("no memory in range wraps allocator error", func(t *testing.T) {
		target := loadCode(t, signCode...)
		_, err := CreateInline(target, dest, WithAllocator(newAllocator(noNearSpace{vm.Process})))
		assert.ErrorIs(t, err, ErrNoMemoryInRange)
	})

	t.Run("zero address", func(t *testing.T) {
		_, err := CreateInline(0, dest)
		assert.Error(t, err)
	})
}

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestRelocateWidensShortBranches(t *testing.T) {
	const (
		target = uintptr(0x10000000)
		tramp  = uintptr(0x10100000)
	)

	t.Run("external", func(t *testing.T) {
		assert := assert.New(t)
		require := require.New(t)

		p, err := decodePrologue(target, signCode, 5)
		require.NoError(err)
		assert.Equal(5, p.consumed)
		assert.Equal(9, p.relocLen)
		assert.Equal([]uintptr{target + 11}, p.references())

		buf := make([]byte, p.relocLen)
		require.NoError(p.relocate(buf, tramp))

		assert.Equal(signCode[:3], buf[:3])
		assert.Equal([]byte{0x0f, 0x8e}, buf[3:5])
		disp := int32(binary.LittleEndian.Uint32(buf[5:]))
		assert.Equal(int64(target+11)-int64(tramp+9), int64(disp))

		assert.Equal([]ipMapping{{0, 0}, {3, 3}}, p.ipMap())
	})

	t.Run("internal", func(t *testing.T) {
		assert := assert.New(t)
		require := require.New(t)

		p, err := decodePrologue(target, loopCode, 5)
		require.NoError(err)
		assert.Equal(6, p.consumed)
		assert.Empty(p.references())

		buf := make([]byte, p.relocLen)
		require.NoError(p.relocate(buf, tramp))

		assert.Equal(loopCode[:4], buf[:4])
		assert.Equal([]byte{0x0f, 0x8f}, buf[4:6])
		assert.Equal(int32(-10), int32(binary.LittleEndian.Uint32(buf[6:])))
	})

	t.Run("rip relative", func(t *testing.T) {
		assert := assert.New(t)
		require := require.New(t)

		p, err := decodePrologue(target, ripCode, 5)
		require.NoError(err)
		assert.Equal(7, p.consumed)

		buf := make([]byte, p.relocLen)
		require.NoError(p.relocate(buf, tramp))

		assert.Equal(ripCode[:3], buf[:3])
		disp := int32(binary.LittleEndian.Uint32(buf[3:]))
		assert.Equal(int64(target+8)-int64(tramp+7), int64(disp))
	})

	t.Run("out of range", func(t *testing.T) {
		p, err := decodePrologue(target, ripCode, 5)
		require.NoError(t, err)

		buf := make([]byte, p.relocLen)
		err = p.relocate(buf, target+0x100000000)
		assert.ErrorIs(t, err, IPRelativeInstructionOutOfRange)
	})
}

//go:noinline
func add(a, b int) int {
	return a + b
}

var addHook InlineHook

func addDoubled(a, b int) int {
	var sum int
	Call(&addHook, func(orig func(int, int) int) {
		sum = orig(a*2, b*2)
	})
	return sum
}

func TestCreateInlineFunc(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	assert.Equal(5, add(2, 3))

	h, err := CreateInlineFunc(add, addDoubled)
	require.NoError(err)
	addHook.Assign(h)
	defer addHook.Reset()

	assert.False(h.Armed())
	assert.True(addHook.Armed())
	assert.Equal(14, add(3, 4))

	addHook.Reset()
	assert.Equal(11, add(5, 6))

	called := Call(&addHook, func(orig func(int, int) int) {
		assert.Equal(7, orig(3, 4))
	})
	assert.True(called, "a reset hook calls the target")

	var never InlineHook
	assert.False(Call(&never, func(func(int, int) int) {}))
	assert.Nil(Original[func(int, int) int](&never))
}

//go:noinline
func scramble(x int) int {
	return x ^ 0x5a
}

var composeHooks [3]InlineHook

func scramblePlusOne(x int) int {
	return Original[func(int) int](&composeHooks[0])(x) + 1
}

func scrambleTimesTen(x int) int {
	return Original[func(int) int](&composeHooks[1])(x) * 10
}

func scrambleMinusThree(x int) int {
	return Original[func(int) int](&composeHooks[2])(x) - 3
}

func TestInlineHookComposition(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	base := scramble(2)
	require.Equal(88, base)

	for i, dest := range []func(int) int{scramblePlusOne, scrambleTimesTen, scrambleMinusThree} {
		h, err := CreateInlineFunc(scramble, dest)
		require.NoError(err)
		composeHooks[i].Assign(h)
	}
	defer func() {
		for i := len(composeHooks) - 1; i >= 0; i-- {
			composeHooks[i].Reset()
		}
	}()

	assert.Equal((base+1)*10-3, scramble(2))

	composeHooks[2].Reset()
	assert.Equal((base+1)*10, scramble(2))

	composeHooks[1].Reset()
	assert.Equal(base+1, scramble(2))

	composeHooks[0].Reset()
	assert.Equal(base, scramble(2))
}

func TestCreateInlineFuncErrors(t *testing.T) {
	t.Run("not a function", func(t *testing.T) {
		for _, args := range [][2]any{
			{"not a function", add},
			{add, 42},
			{[]int{1, 2, 3}, map[string]int{}},
			{nil, add},
			{add, nil},
		} {
			_, err := CreateInlineFunc(args[0], args[1])
			assert.Error(t, err)
		}
	})

	t.Run("signature mismatch", func(t *testing.T) {
		for _, dest := range []any{
			func(a int) int { return a },
			func(a, b int) (int, error) { return 0, nil },
			func(a, b string) int { return 0 },
			func(a, b int) string { return "" },
			func(a int, b ...int) int { return 0 },
		} {
			_, err := CreateInlineFunc(add, dest)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "signatures do not match")
		}
		assert.Equal(t, 5, add(2, 3))
	})
}

func TestDecodePrologueTruncated(t *testing.T) {
	for _, code := range [][]byte{
		{0x90, 0x0f},
		{0x90, 0x90},
	} {
		_, err := decodePrologue(0x10000000, code, 5)
		assert.ErrorIs(t, err, FailedToDecodeInstruction, "% x", code)
	}
}
