package hotpatch

import (
	"encoding/binary"
	"runtime"
)

// emitter appends machine code.
type emitter struct {
	buf []byte
}

func (e *emitter) emit(b ...byte) {
	e.buf = append(e.buf, b...)
}

func (e *emitter) emit32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// ripSlot emits a FF /n [RIP+disp32] instruction whose displacement is
// filled in once the slot's offset is known. It returns the offset of the
// displacement.
func (e *emitter) ripSlot(modrm byte) int {
	e.emit(0xff, modrm)
	off := len(e.buf)
	e.emit32(0)
	return off
}

func (e *emitter) xmm(opcode byte, i int) {
	e.emit(0xf3)
	if i >= 8 {
		e.emit(0x44)
	}
	// [rsp+disp32]
	e.emit(0x0f, opcode, 0x84|byte(i&7)<<3, 0x24)
	e.emit32(uint32(i * 16))
}

// stackSlot emits OP qword [rsp+disp32], imm32 where ext selects the
// operation: 0 for add, 5 for sub.
func (e *emitter) stackSlot(ext byte, disp, imm uint32) {
	e.emit(0x48, 0x81, 0x84|ext<<3, 0x24)
	e.emit32(disp)
	e.emit32(imm)
}

const (
	xmmSaveSize = 16 * 16
	// rspSlot is where the pushed RSP lands below the saved XMM registers.
	rspSlot = xmmSaveSize + 16*8
	// redZoneSize is the area below RSP that System V leaf code may use
	// without moving RSP.
	redZoneSize = 0x80
)

// midStub returns the mid hook stub for the running OS, and the offsets of
// its destination and trampoline address slots.
//
// The stub pushes the general purpose registers and RFLAGS, stores XMM0-15
// below them so the stack holds a Context, and calls the destination with a
// pointer to it using the platform C calling convention. It then reloads
// everything from the Context and jumps to the trampoline. Outside Windows
// the red zone is stepped over first, and Context.RSP still holds the RSP of
// the hooked code.
func midStub() (code []byte, destSlot, trampSlot int) {
	var e emitter
	redZone := runtime.GOOS != "windows"

	if redZone {
		e.emit(0x48, 0x8d, 0x64, 0x24, 0x80) // lea rsp, [rsp-0x80]
	}
	e.emit(0x54, 0x55, 0x50, 0x53, 0x51, 0x52, 0x56, 0x57) // push rsp, rbp, rax, rbx, rcx, rdx, rsi, rdi
	for r := byte(0); r < 8; r++ {
		e.emit(0x41, 0x50+r) // push r8-r15
	}
	e.emit(0x9c) // pushfq

	e.emit(0x48, 0x81, 0xec) // sub rsp, 0x100
	e.emit32(xmmSaveSize)
	for i := 0; i < 16; i++ {
		e.xmm(0x7f, i) // movdqu [rsp+i*16], xmmI
	}
	if redZone {
		e.stackSlot(0, rspSlot, redZoneSize) // add qword [rsp+rspSlot], 0x80
	}

	if runtime.GOOS == "windows" {
		e.emit(0x48, 0x89, 0xe1) // mov rcx, rsp
	} else {
		e.emit(0x48, 0x89, 0xe7) // mov rdi, rsp
	}
	e.emit(0x48, 0x89, 0xe3)       // mov rbx, rsp
	e.emit(0x48, 0x83, 0xec, 0x30) // sub rsp, 0x30 (shadow space)
	e.emit(0x48, 0x83, 0xe4, 0xf0) // and rsp, -16
	callDisp := e.ripSlot(0x15)    // call [rip+destination]
	e.emit(0x48, 0x89, 0xdc)       // mov rsp, rbx

	for i := 0; i < 16; i++ {
		e.xmm(0x6f, i) // movdqu xmmI, [rsp+i*16]
	}
	if redZone {
		e.stackSlot(5, rspSlot, redZoneSize) // sub qword [rsp+rspSlot], 0x80
	}
	e.emit(0x48, 0x81, 0xc4) // add rsp, 0x100
	e.emit32(xmmSaveSize)

	e.emit(0x9d) // popfq
	for r := byte(7); ; r-- {
		e.emit(0x41, 0x58+r) // pop r15-r8
		if r == 0 {
			break
		}
	}
	e.emit(0x5f, 0x5e, 0x5a, 0x59, 0x5b, 0x58, 0x5d, 0x5c) // pop rdi, rsi, rdx, rcx, rbx, rax, rbp, rsp
	if redZone {
		e.emit(0x48, 0x8d, 0xa4, 0x24) // lea rsp, [rsp+0x80]
		e.emit32(redZoneSize)
	}
	jmpDisp := e.ripSlot(0x25) // jmp [rip+trampoline]

	for len(e.buf)%8 != 0 {
		e.emit(0xcc)
	}
	destSlot = len(e.buf)
	e.emit(make([]byte, 8)...)
	trampSlot = len(e.buf)
	e.emit(make([]byte, 8)...)

	binary.LittleEndian.PutUint32(e.buf[callDisp:], uint32(destSlot-(callDisp+4)))
	binary.LittleEndian.PutUint32(e.buf[jmpDisp:], uint32(trampSlot-(jmpDisp+4)))

	return e.buf, destSlot, trampSlot
}
