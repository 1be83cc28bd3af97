package testhelper

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

// NewDiscardingLogger creates a logger that discards everything. It logs at debug level so that
// the fields of debug messages are evaluated by the tests, too.
func NewDiscardingLogger(tb testing.TB) *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// NewDiscardingLogEntry creates a logrus entry that discards everything.
func NewDiscardingLogEntry(tb testing.TB) *logrus.Entry {
	return logrus.NewEntry(NewDiscardingLogger(tb))
}
