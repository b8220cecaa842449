//go:build linux

package thread

import (
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Linux offers no way to stop a thread of the calling process and read its
// registers (ptrace refuses threads of the tracer's own thread group), so
// Suspend always fails and the freeze protocol skips every thread.
type osController struct{}

func newController() Controller {
	return osController{}
}

func (osController) Current() ID {
	return ID(unix.Gettid())
}

func (osController) Threads(dst []ID) ([]ID, error) {
	dst = dst[:0]

	tasks, err := procfs.AllThreads(os.Getpid())
	if err != nil {
		return dst, errors.Wrap(err, "list threads")
	}

	for _, t := range tasks {
		dst = append(dst, ID(t.PID))
	}
	return dst, nil
}

func (osController) Suspend(id ID) (Handle, error) {
	return 0, ErrUnsupported
}

func (osController) Resume(h Handle) error {
	return ErrUnsupported
}

func (osController) GetContext(h Handle, ctx *Context) error {
	return ErrUnsupported
}

func (osController) SetContext(h Handle, ctx *Context) error {
	return ErrUnsupported
}
