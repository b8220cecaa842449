package hotpatch

import (
	"runtime"
	"sync"

	"github.com/pboyd/hotpatch/internal/thread"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FrozenThread is a thread stopped by ExecuteWhileFrozen.
type FrozenThread struct {
	ctx thread.Context

	ID     uint64
	handle thread.Handle
	// hasContext is false when the registers could not be read; such
	// threads are resumed but never visited.
	hasContext bool
	dirty      bool
}

// IP returns the thread's saved instruction pointer.
func (t *FrozenThread) IP() uintptr {
	return t.ctx.IP()
}

// SetIP changes where the thread resumes.
func (t *FrozenThread) SetIP(ip uintptr) {
	t.ctx.SetIP(ip)
	t.dirty = true
}

// FixIP moves the thread to newIP if it is stopped at oldIP.
func (t *FrozenThread) FixIP(oldIP, newIP uintptr) bool {
	if t.IP() != oldIP {
		return false
	}
	t.SetIP(newIP)
	return true
}

var (
	freezeMu sync.Mutex
	threads  = thread.Default()
)

// freezeStats is reported after the threads are running again.
type freezeStats struct {
	passes    int
	suspended int
	skipped   int
	overflow  bool
	err       error

	// The first Suspend failure, kept as returned so nothing is allocated
	// while threads are stopped.
	suspendErr error
	suspendID  thread.ID
}

// ExecuteWhileFrozen suspends every other thread of the process, calls visit
// for each of them, runs run and resumes them.
//
// Suspension repeats until a pass over the thread list finds nothing new to
// suspend. Only the threads suspended here are resumed. A thread that cannot
// be suspended, or whose registers cannot be read, is skipped. Changes a
// visitor makes to a thread's IP are written back before run is called.
//
// Neither callback may allocate, log or take a lock another thread might
// hold: any of those can deadlock against a suspended thread.
//
// On Linux no thread can be suspended, so run executes while the other
// threads keep going and visit is never called.
func ExecuteWhileFrozen(run func(), visit func(*FrozenThread)) {
	freezeMu.Lock()
	defer freezeMu.Unlock()

	stats := executeWhileFrozen(threads, run, visit)

	fields := logrus.Fields{
		"passes":    stats.passes,
		"suspended": stats.suspended,
		"skipped":   stats.skipped,
	}
	if stats.err != nil {
		logger.WithFields(fields).WithError(errors.Wrap(stats.err, "list threads")).Warn("hotpatch: unable to list threads")
	} else if stats.skipped > 0 || stats.overflow {
		entry := logger.WithFields(fields)
		if stats.suspendErr != nil {
			entry = entry.WithError(errors.Wrapf(stats.suspendErr, "suspend thread %d", stats.suspendID))
		}
		entry.Warn("hotpatch: some threads kept running during the patch")
	} else {
		logger.WithFields(fields).Debug("hotpatch: threads frozen")
	}
}

func executeWhileFrozen(ctl thread.Controller, run func(), visit func(*FrozenThread)) freezeStats {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var stats freezeStats

	self := ctl.Current()
	ids, err := ctl.Threads(nil)
	if err != nil {
		stats.err = err
	}

	// Everything used while threads are suspended is allocated up front.
	room := 2*len(ids) + 64
	frozen := make([]FrozenThread, 0, room)
	failed := make([]thread.ID, 0, room)
	scratch := make([]thread.ID, 0, room)

	for {
		stats.passes++
		if stats.passes > 1 {
			ids, err = ctl.Threads(scratch)
			if err != nil && stats.err == nil {
				stats.err = err
			}
			scratch = ids
		}

		suspended := 0
		for _, id := range ids {
			if id == self || isFrozen(frozen, id) || containsID(failed, id) {
				continue
			}
			if len(frozen) == cap(frozen) || len(failed) == cap(failed) {
				stats.overflow = true
				continue
			}

			h, err := ctl.Suspend(id)
			if err != nil {
				if stats.suspendErr == nil {
					stats.suspendErr = err
					stats.suspendID = id
				}
				failed = append(failed, id)
				continue
			}
			suspended++

			frozen = append(frozen, FrozenThread{ID: uint64(id), handle: h})
			t := &frozen[len(frozen)-1]
			if ctl.GetContext(h, &t.ctx) != nil {
				continue
			}
			t.hasContext = true

			if visit != nil {
				visit(t)
			}
			if t.dirty && ctl.SetContext(h, &t.ctx) != nil {
				t.dirty = false
			}
		}

		if suspended == 0 {
			break
		}
	}

	if run != nil {
		run()
	}

	for i := range frozen {
		ctl.Resume(frozen[i].handle)
	}

	stats.suspended = len(frozen)
	stats.skipped = len(failed)
	return stats
}

func isFrozen(frozen []FrozenThread, id thread.ID) bool {
	for i := range frozen {
		if frozen[i].ID == uint64(id) {
			return true
		}
	}
	return false
}

func containsID(ids []thread.ID, id thread.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
