package hotpatch

import "unsafe"

// funcInfo mirrors runtime.funcInfo.
type funcInfo struct {
	_func unsafe.Pointer
	datap *moduledata
}

// moduledata mirrors the leading fields of runtime.moduledata, which the
// linker writes for every module. Only text, etext and ftab are read; the
// fields before them must match the runtime's layout exactly.
type moduledata struct {
	pcHeader     unsafe.Pointer
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext uintptr
}

type functab struct {
	entryoff uint32 // relative to moduledata.text
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo
