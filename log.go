package hotpatch

import (
	"io"

	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = discardLogger()

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// SetLogger sets the logger used for hook and allocator events. Nothing is
// logged by default. Passing nil restores the default. SetLogger is not safe
// to call while hooks are being created or reset.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		l = discardLogger()
	}
	logger = l
}
