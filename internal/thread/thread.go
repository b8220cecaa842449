// Package thread enumerates, suspends and resumes the threads of the current
// process and reads or writes their saved registers.
package thread

import "github.com/pkg/errors"

// ID identifies an OS thread.
type ID uint64

// Handle refers to a suspended thread until it is resumed.
type Handle uintptr

// ErrUnsupported is returned by Suspend where the OS cannot suspend threads
// of the calling process.
var ErrUnsupported = errors.New("thread: suspending threads of the current process is not supported")

// Controller is the set of thread primitives the freeze protocol needs.
type Controller interface {
	// Current returns the calling thread.
	Current() ID
	// Threads appends every thread of the process to dst[:0].
	Threads(dst []ID) ([]ID, error)
	Suspend(id ID) (Handle, error)
	// Resume resumes a thread and releases its handle.
	Resume(h Handle) error
	GetContext(h Handle, ctx *Context) error
	SetContext(h Handle, ctx *Context) error
}

// Default returns the controller for the running OS. Anything the controller
// needs to load is loaded here, before any thread is suspended.
func Default() Controller {
	return newController()
}
