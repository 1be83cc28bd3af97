// Package dontpanic provides function wrappers which make sure that a panic is reported to Sentry
// and logged instead of crashing the process with a stack trace on the protocol's stderr.
package dontpanic

import (
	"fmt"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/gitledger/internal/log"
)

var logger = log.Default()

// Try will wrap the provided function with a panic recovery. If a panic occurs, the recovered
// value is sent to Sentry, logged as an error and returned as error.
func Try(fn func() error) (returnedErr error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		err, ok := recovered.(error)
		if !ok {
			err = fmt.Errorf("%v", recovered)
		}
		returnedErr = fmt.Errorf("dontpanic: recovered: %w", err)

		entry := logger.WithError(err)
		if id := sentry.CaptureException(err); id != nil && *id != "" {
			entry = entry.WithField("sentry_id", *id)
		}
		entry.Error("dontpanic: recovered from panic")
	}()

	return fn()
}
