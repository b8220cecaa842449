package x86

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		code     []byte
		length   int
		relative bool
		offset   int
		size     int
		value    int64
		branch   Branch
	}{
		{name: "add rax, 42", code: []byte{0x48, 0x83, 0xc0, 0x2a}, length: 4},
		{name: "ret", code: []byte{0xc3}, length: 1},
		{name: "jmp rel32", code: []byte{0xe9, 0x10, 0x00, 0x00, 0x00}, length: 5, relative: true, offset: 1, size: 4, value: 0x10, branch: BranchJump},
		{name: "jmp rel8", code: []byte{0xeb, 0xfe}, length: 2, relative: true, offset: 1, size: 1, value: -2, branch: BranchJump},
		{name: "jg rel8", code: []byte{0x7f, 0xfa}, length: 2, relative: true, offset: 1, size: 1, value: -6, branch: BranchCond},
		{name: "jne rel32", code: []byte{0x0f, 0x85, 0x00, 0x01, 0x00, 0x00}, length: 6, relative: true, offset: 2, size: 4, value: 0x100, branch: BranchCond},
		{name: "call rel32", code: []byte{0xe8, 0xfb, 0xff, 0xff, 0xff}, length: 5, relative: true, offset: 1, size: 4, value: -5, branch: BranchCall},
		{name: "jrcxz", code: []byte{0xe3, 0x04}, length: 2, relative: true, offset: 1, size: 1, value: 4, branch: BranchLoop},
		{name: "loop", code: []byte{0xe2, 0xfe}, length: 2, relative: true, offset: 1, size: 1, value: -2, branch: BranchLoop},
		// lea rax, [rip+0x1234]
		{name: "lea rip", code: []byte{0x48, 0x8d, 0x05, 0x34, 0x12, 0x00, 0x00}, length: 7, relative: true, offset: 3, size: 4, value: 0x1234},
		// mov rax, [rip-0x10]
		{name: "mov rip", code: []byte{0x48, 0x8b, 0x05, 0xf0, 0xff, 0xff, 0xff}, length: 7, relative: true, offset: 3, size: 4, value: -0x10},
		// cmp dword [rip+0x20], 0x20: the immediate follows the displacement
		{name: "cmp rip imm", code: []byte{0x83, 0x3d, 0x20, 0x00, 0x00, 0x00, 0x20}, length: 7, relative: true, offset: 2, size: 4, value: 0x20},
		// mov rax, [rsp+8]
		{name: "mov rsp", code: []byte{0x48, 0x8b, 0x44, 0x24, 0x08}, length: 5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			ins, err := Decode(tc.code)
			require.NoError(t, err)
			assert.Equal(tc.length, ins.Len)
			assert.Equal(tc.relative, ins.Relative)
			assert.Equal(tc.branch, ins.Branch)
			if tc.relative {
				assert.Equal(tc.offset, ins.OperandOffset)
				assert.Equal(tc.size, ins.OperandSize)
				assert.Equal(tc.value, ins.OperandValue)
			}
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, code := range [][]byte{
		{0x0f},
		{0x48},
		{},
	} {
		_, err := Decode(code)
		assert.Error(t, err, "% x", code)
	}
}

func TestTarget(t *testing.T) {
	ins, err := Decode([]byte{0x7f, 0xfa})
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1000-4), ins.Target(0x1000))
	assert.True(t, ins.Short())
}
