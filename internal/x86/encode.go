package x86

import (
	"encoding/binary"
	"math"
)

const (
	OpcodeJMPRel8  = 0xeb
	OpcodeJMPRel32 = 0xe9
	OpcodeCALLRel  = 0xe8
	OpcodeNOP      = 0x90
	OpcodeINT3     = 0xcc

	// JmpRelSize is the size of JMP rel32.
	JmpRelSize = 5
	// JmpAbsSize is the size of JMP [RIP+0] followed by its 8-byte target.
	JmpAbsSize = 14
)

// Rel32 returns the displacement from next, the address following the
// instruction, to target, and whether it fits in 32 bits.
func Rel32(next, target uintptr) (int32, bool) {
	d := int64(target) - int64(next)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, false
	}
	return int32(d), true
}

// Reachable reports whether a rel32 jump at from can reach to.
func Reachable(from, to uintptr) bool {
	_, ok := Rel32(from+JmpRelSize, to)
	return ok
}

// JmpRel writes JMP rel32 into buf, which will execute from address from.
func JmpRel(buf []byte, from, to uintptr) bool {
	d, ok := Rel32(from+JmpRelSize, to)
	if !ok {
		return false
	}
	buf[0] = OpcodeJMPRel32
	binary.LittleEndian.PutUint32(buf[1:], uint32(d))
	return true
}

// JmpAbs writes JMP [RIP+0] followed by the absolute address to.
func JmpAbs(buf []byte, to uintptr) {
	buf[0] = 0xff
	buf[1] = 0x25
	binary.LittleEndian.PutUint32(buf[2:], 0)
	binary.LittleEndian.PutUint64(buf[6:], uint64(to))
}

// Nops fills buf with single byte NOPs.
func Nops(buf []byte) {
	for i := range buf {
		buf[i] = OpcodeNOP
	}
}

// WidenedLen returns the length of a short branch once widened to rel32:
// Jcc grows by 4 bytes (0F 8x), JMP by 3 (E9).
func WidenedLen(ins *Instruction) int {
	if ins.Branch == BranchCond {
		return ins.Len + 4
	}
	return ins.Len + 3
}

// Widen writes the rel32 form of the short branch src into buf and returns
// the offset of its displacement. Any prefixes are kept.
func Widen(buf, src []byte, ins *Instruction) int {
	opcode := ins.OperandOffset - 1
	n := copy(buf, src[:opcode])

	if ins.Branch == BranchCond {
		buf[n] = 0x0f
		buf[n+1] = 0x80 | (src[opcode] & 0x0f)
		return n + 2
	}

	buf[n] = OpcodeJMPRel32
	return n + 1
}
