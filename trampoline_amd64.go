package hotpatch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pboyd/hotpatch/internal/vm"
	"github.com/pboyd/hotpatch/internal/x86"
)

// maxHookDistance is how far a trampoline may be from the code it serves.
// It stays a little under the rel32 limit to leave room for the trampoline
// itself.
const maxHookDistance = 0x7fffff00

// instruction is one instruction of a prologue, with where it lands in the
// trampoline.
type instruction struct {
	x86.Instruction

	offset    int
	newOffset int
	newLen    int

	// abs is the address a relative operand refers to.
	abs uintptr
	// internal is the index of the instruction a branch lands on when it
	// stays inside the prologue, or -1.
	internal int
}

// external reports whether the instruction refers to memory outside the
// prologue.
func (in *instruction) external() bool {
	return in.Relative && in.internal < 0
}

// prologue is the run of instructions at the start of a target that a patch
// overwrites.
type prologue struct {
	target   uintptr
	src      []byte
	insns    []instruction
	consumed int
	relocLen int
}

// decodePrologue decodes whole instructions from code, which holds the bytes
// at target, until at least minLen bytes are covered.
func decodePrologue(target uintptr, code []byte, minLen int) (*prologue, error) {
	p := &prologue{target: target}

	off := 0
	for off < minLen {
		ins, err := x86.Decode(code[off:])
		if err != nil {
			return nil, newError(FailedToDecodeInstruction, target+uintptr(off), err)
		}

		in := instruction{Instruction: ins, offset: off, internal: -1}
		if ins.Relative {
			in.abs = ins.Target(target + uintptr(off))
		}
		p.insns = append(p.insns, in)
		off += ins.Len
	}
	p.consumed = off
	p.src = append([]byte(nil), code[:off]...)

	newOffset := 0
	for i := range p.insns {
		in := &p.insns[i]
		in.newOffset = newOffset
		in.newLen = in.Len

		if in.Relative {
			addr := target + uintptr(in.offset)

			if in.Branch == x86.BranchLoop {
				return nil, newError(UnsupportedInstructionInTrampoline, addr, fmt.Errorf("%s has no rel32 form", &in.Instruction))
			}

			if in.Branch != x86.BranchNone && in.abs >= target && in.abs < target+uintptr(off) {
				in.internal = p.indexAt(int(in.abs - target))
				if in.internal < 0 {
					return nil, newError(UnsupportedInstructionInTrampoline, addr, errors.New("branch into the middle of an instruction"))
				}
			}

			switch {
			case in.Short():
				in.newLen = x86.WidenedLen(&in.Instruction)
			case in.OperandSize != 4:
				return nil, newError(UnsupportedInstructionInTrampoline, addr, fmt.Errorf("%d byte relative operand", in.OperandSize))
			}
		}

		newOffset += in.newLen
	}
	p.relocLen = newOffset

	return p, nil
}

// indexAt returns the index of the instruction starting at offset, or -1.
func (p *prologue) indexAt(offset int) int {
	for i := range p.insns {
		if p.insns[i].offset == offset {
			return i
		}
	}
	return -1
}

// references returns the addresses outside the prologue that relocated
// instructions must still reach.
func (p *prologue) references() []uintptr {
	var refs []uintptr
	for i := range p.insns {
		if p.insns[i].external() {
			refs = append(refs, p.insns[i].abs)
		}
	}
	return refs
}

// relocate writes the prologue into buf as it must appear at tramp: relative
// operands are recomputed, short branches widened and branches within the
// prologue pointed at their copies.
func (p *prologue) relocate(buf []byte, tramp uintptr) error {
	for i := range p.insns {
		in := &p.insns[i]
		out := buf[in.newOffset : in.newOffset+in.newLen]
		src := p.src[in.offset : in.offset+in.Len]

		if !in.Relative {
			copy(out, src)
			continue
		}

		dispOffset := in.OperandOffset
		if in.Short() {
			dispOffset = x86.Widen(out, src, &in.Instruction)
		} else {
			copy(out, src)
		}

		abs := in.abs
		if in.internal >= 0 {
			abs = tramp + uintptr(p.insns[in.internal].newOffset)
		}

		disp, ok := x86.Rel32(tramp+uintptr(in.newOffset+in.newLen), abs)
		if !ok {
			return newError(IPRelativeInstructionOutOfRange, p.target+uintptr(in.offset), nil)
		}
		binary.LittleEndian.PutUint32(out[dispOffset:], uint32(disp))
	}
	return nil
}

// ipMap pairs the offset of each prologue instruction with the offset of its
// copy in the trampoline.
func (p *prologue) ipMap() []ipMapping {
	m := make([]ipMapping, len(p.insns))
	for i := range p.insns {
		m[i] = ipMapping{from: p.insns[i].offset, to: p.insns[i].newOffset}
	}
	return m
}

// trampolinePlan is everything needed to arm a hook, computed before any
// thread is stopped.
type trampolinePlan struct {
	alloc    *Allocation
	code     []byte
	patch    []byte
	ipMap    []ipMapping
	backJump int
}

// maxPrologueRead covers the longest prologue that can be consumed: a
// 14-byte absolute jump plus one maximum length instruction.
const maxPrologueRead = x86.JmpAbsSize + x86.MaxInstructionLen

// planTrampoline builds a trampoline for target. It first tries a trampoline
// within rel32 range, patched with JMP rel32. When nothing is free in range
// and the prologue refers to nothing outside itself, it falls back to a
// trampoline anywhere, with absolute jumps both ways. limit, when positive,
// is the most bytes the patch may cover.
func planTrampoline(a *Allocator, target, destination uintptr, limit int) (*trampolinePlan, error) {
	code := vm.Bytes(target, maxPrologueRead)

	p, err := decodePrologue(target, code, x86.JmpRelSize)
	if err != nil {
		return nil, err
	}
	if err := checkLimit(p, limit); err != nil {
		return nil, err
	}

	desired := append([]uintptr{target}, p.references()...)
	size := p.relocLen + x86.JmpRelSize + x86.JmpAbsSize

	alloc, err := a.AllocateNear(desired, size, maxHookDistance)
	if err == nil {
		plan, err := p.nearPlan(alloc, destination)
		if err != nil {
			alloc.Free()
			return nil, err
		}
		return plan, nil
	}
	if !errors.Is(err, ErrNoMemoryInRange) || len(desired) > 1 {
		return nil, newError(BadAllocation, target, err)
	}

	p, err = decodePrologue(target, code, x86.JmpAbsSize)
	if err != nil {
		return nil, err
	}
	if err := checkLimit(p, limit); err != nil {
		return nil, err
	}
	for i := range p.insns {
		in := &p.insns[i]
		if !in.external() {
			continue
		}
		if in.Short() {
			return nil, newError(ShortJumpInTrampoline, target+uintptr(in.offset), nil)
		}
		return nil, newError(IPRelativeInstructionOutOfRange, target+uintptr(in.offset), nil)
	}

	alloc, err = a.Allocate(p.relocLen + x86.JmpAbsSize)
	if err != nil {
		return nil, newError(BadAllocation, target, err)
	}
	plan, err := p.farPlan(alloc, destination)
	if err != nil {
		alloc.Free()
		return nil, err
	}
	return plan, nil
}

func checkLimit(p *prologue, limit int) error {
	if limit > 0 && p.consumed > limit {
		return newError(UnsupportedInstructionInTrampoline, p.target,
			fmt.Errorf("patch needs %d bytes but the function has %d", p.consumed, limit))
	}
	return nil
}

func newTrampolineBuffer(size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = x86.OpcodeINT3
	}
	return buf
}

// nearPlan lays out the trampoline as
//
//	relocated prologue
//	JMP target+consumed
//	JMP destination (rel32 when in range, otherwise JMP [RIP+0])
//
// and patches the target with a JMP rel32 to the last jump, padded with
// NOPs.
func (p *prologue) nearPlan(alloc *Allocation, destination uintptr) (*trampolinePlan, error) {
	tramp := alloc.Address()
	buf := newTrampolineBuffer(alloc.Size())

	if err := p.relocate(buf, tramp); err != nil {
		return nil, err
	}

	back := p.relocLen
	if !x86.JmpRel(buf[back:], tramp+uintptr(back), p.target+uintptr(p.consumed)) {
		return nil, newError(IPRelativeInstructionOutOfRange, p.target, errors.New("trampoline cannot jump back to the target"))
	}

	stub := back + x86.JmpRelSize
	if !x86.JmpRel(buf[stub:], tramp+uintptr(stub), destination) {
		x86.JmpAbs(buf[stub:], destination)
	}

	patch := make([]byte, p.consumed)
	if !x86.JmpRel(patch, p.target, tramp+uintptr(stub)) {
		return nil, newError(IPRelativeInstructionOutOfRange, p.target, errors.New("target cannot reach the trampoline"))
	}
	x86.Nops(patch[x86.JmpRelSize:])

	return &trampolinePlan{
		alloc:    alloc,
		code:     buf,
		patch:    patch,
		ipMap:    p.ipMap(),
		backJump: back,
	}, nil
}

// farPlan lays out the trampoline as the relocated prologue followed by
// JMP [RIP+0] back to the target, and patches the target with JMP [RIP+0]
// straight to destination.
func (p *prologue) farPlan(alloc *Allocation, destination uintptr) (*trampolinePlan, error) {
	tramp := alloc.Address()
	buf := newTrampolineBuffer(alloc.Size())

	if err := p.relocate(buf, tramp); err != nil {
		return nil, err
	}

	back := p.relocLen
	x86.JmpAbs(buf[back:], p.target+uintptr(p.consumed))

	patch := make([]byte, p.consumed)
	x86.JmpAbs(patch, destination)
	x86.Nops(patch[x86.JmpAbsSize:])

	return &trampolinePlan{
		alloc:    alloc,
		code:     buf,
		patch:    patch,
		ipMap:    p.ipMap(),
		backJump: back,
	}, nil
}
