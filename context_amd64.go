package hotpatch

// XMM is one 128-bit vector register.
type XMM struct {
	Lo uint64
	Hi uint64
}

// Context is the register state a mid hook callback receives. Changes to it
// take effect when the hooked code continues. Writing RSP moves the stack the
// hooked code resumes on.
type Context struct {
	XMM [16]XMM

	RFLAGS uint64
	R15    uint64
	R14    uint64
	R13    uint64
	R12    uint64
	R11    uint64
	R10    uint64
	R9     uint64
	R8     uint64
	RDI    uint64
	RSI    uint64
	RDX    uint64
	RCX    uint64
	RBX    uint64
	RAX    uint64
	RBP    uint64
	RSP    uint64
}
