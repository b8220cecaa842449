// Package x86 decodes and encodes the handful of amd64 instructions the hook
// engine needs to reason about.
package x86

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstructionLen is the architectural limit on one instruction.
const MaxInstructionLen = 15

// Branch classifies relative control transfers.
type Branch uint8

const (
	BranchNone Branch = iota
	BranchJump        // JMP rel
	BranchCond        // Jcc rel
	BranchCall        // CALL rel
	BranchLoop        // JRCXZ, LOOP and friends: rel8 only
)

// Instruction is one decoded instruction.
type Instruction struct {
	Len int
	Op  x86asm.Op

	// Relative is set when the instruction carries a displacement from the
	// address of the next instruction, either a branch target or a
	// RIP-relative memory operand.
	Relative      bool
	OperandOffset int
	OperandSize   int
	OperandValue  int64

	Branch Branch

	inst x86asm.Inst
}

// Target returns the absolute address the relative operand refers to, given
// the address the instruction was decoded from.
func (i *Instruction) Target(pc uintptr) uintptr {
	return pc + uintptr(i.Len) + uintptr(i.OperandValue)
}

// Short reports whether the instruction is a branch with an 8-bit
// displacement.
func (i *Instruction) Short() bool {
	return i.Branch != BranchNone && i.OperandSize == 1
}

func (i *Instruction) String() string {
	return i.inst.String()
}

// Decode decodes the instruction at the start of code.
func Decode(code []byte) (Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, err
	}
	// Truncated input decodes without an error but with no opcode.
	if inst.Op == 0 {
		return Instruction{}, fmt.Errorf("unable to decode % x", code[:min(len(code), MaxInstructionLen)])
	}

	ins := Instruction{
		Len:    inst.Len,
		Op:     inst.Op,
		Branch: branchKind(inst),
		inst:   inst,
	}

	switch {
	case inst.PCRel != 0:
		ins.Relative = true
		ins.OperandOffset = inst.PCRelOff
		ins.OperandSize = inst.PCRel
	case ins.Branch != BranchNone:
		// Branch displacements always end the instruction.
		rel := int64(inst.Args[0].(x86asm.Rel))
		ins.Relative = true
		ins.OperandSize = 4
		if inst.Len >= 2 && int64(int8(code[inst.Len-1])) == rel && (inst.Len < 5 || readSigned(code[inst.Len-4:], 4) != rel) {
			ins.OperandSize = 1
		}
		ins.OperandOffset = inst.Len - ins.OperandSize
	case hasRIPOperand(inst):
		off, err := ripDisplacementOffset(code, inst)
		if err != nil {
			return Instruction{}, err
		}
		ins.Relative = true
		ins.OperandOffset = off
		ins.OperandSize = 4
	}

	if ins.Relative {
		if ins.OperandOffset+ins.OperandSize > ins.Len {
			return Instruction{}, fmt.Errorf("relative operand at offset %d overruns %d byte instruction", ins.OperandOffset, ins.Len)
		}
		ins.OperandValue = readSigned(code[ins.OperandOffset:], ins.OperandSize)
	}

	return ins, nil
}

func branchKind(inst x86asm.Inst) Branch {
	if _, ok := inst.Args[0].(x86asm.Rel); !ok {
		return BranchNone
	}

	switch inst.Op {
	case x86asm.JMP:
		return BranchJump
	case x86asm.CALL:
		return BranchCall
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS:
		return BranchCond
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return BranchLoop
	}
	return BranchNone
}

func hasRIPOperand(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

func ripDisplacement(inst x86asm.Inst) int64 {
	for _, arg := range inst.Args {
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return mem.Disp
		}
	}
	return 0
}

// ripDisplacementOffset finds the disp32 of a RIP-relative memory operand.
// The decoder reports the value but not its position, and an immediate may
// follow it, so every candidate position holding the value is confirmed by
// changing it and decoding again.
func ripDisplacementOffset(code []byte, inst x86asm.Inst) (int, error) {
	disp := ripDisplacement(inst)

	var probe [MaxInstructionLen]byte
	for off := inst.Len - 4; off > 0; off-- {
		if int64(int32(binary.LittleEndian.Uint32(code[off:]))) != disp {
			continue
		}

		n := copy(probe[:], code[:inst.Len])
		changed := int32(disp) ^ 0x01020304
		binary.LittleEndian.PutUint32(probe[off:], uint32(changed))

		check, err := x86asm.Decode(probe[:n], 64)
		if err != nil || check.Len != inst.Len || ripDisplacement(check) != int64(changed) {
			continue
		}
		return off, nil
	}

	return 0, fmt.Errorf("unable to locate RIP-relative displacement in %s", inst)
}

func readSigned(b []byte, size int) int64 {
	switch size {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	}
	return int64(binary.LittleEndian.Uint64(b))
}
