// Package hotpatch hooks machine code at runtime.
//
// An InlineHook overwrites the first instructions of a function with a jump
// to a replacement and keeps the overwritten instructions, relocated, in a
// trampoline so the original can still be called. A MidHook does the same at
// any instruction and hands the callback every register. A VmtHook gives an
// interface value its own copy of its method table so single methods can be
// replaced for that value alone. Func, Method and Restore wrap inline hooks
// for Go functions.
//
// Code is patched while the other threads of the process are suspended and
// moved out of the bytes being rewritten. Only Windows lets a process
// suspend its own threads; elsewhere patches are written with a single
// atomic store when they fit in one aligned word.
//
// Limitations:
//   - Hooks need amd64, on Linux or Windows
//   - Relies on internal Go APIs that can break at any time
//   - Silently fails to hook inlined functions
//   - A goroutine whose stack grows inside a trampoline re-enters the hook
//   - Values hooked with a VmtHook fail concrete type assertions and no
//     longer compare equal to unhooked values; any(v).(*T) still works
package hotpatch
