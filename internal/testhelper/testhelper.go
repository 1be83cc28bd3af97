package testhelper

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"gitlab.com/gitlab-org/labkit/correlation"
	"go.uber.org/goleak"
)

// RunOption is an option that can be passed to Run.
type RunOption func(*runConfig)

type runConfig struct {
	setup                  func() error
	disableGoroutineChecks bool
}

// WithSetup allows the caller of Run to pass a setup function that will be called before the
// tests are run.
func WithSetup(setup func() error) RunOption {
	return func(cfg *runConfig) {
		cfg.setup = setup
	}
}

// WithDisabledGoroutineChecker disables checking for leaked Goroutines after tests have run.
func WithDisabledGoroutineChecker() RunOption {
	return func(cfg *runConfig) {
		cfg.disableGoroutineChecks = true
	}
}

// Run sets up required testing state and executes the given test suite. It can optionally receive a
// variable number of RunOptions.
func Run(m *testing.M, opts ...RunOption) {
	// Run tests in a separate function such that we can use deferred statements and still
	// (indirectly) call `os.Exit()` in case the test setup failed.
	code, err := func() (int, error) {
		var cfg runConfig
		for _, opt := range opts {
			opt(&cfg)
		}

		if cfg.setup != nil {
			if err := cfg.setup(); err != nil {
				return 1, fmt.Errorf("error calling setup function: %w", err)
			}
		}

		code := m.Run()

		if !cfg.disableGoroutineChecks && code == 0 {
			if err := mustHaveNoGoroutines(); err != nil {
				return 1, err
			}
		}

		return code, nil
	}()
	if err != nil {
		fmt.Printf("%s\n", err)
	}
	os.Exit(code)
}

func mustHaveNoGoroutines() error {
	if err := goleak.Find(
		// The OpenCensus stats worker is started by the gocloud drivers and never stopped.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	); err != nil {
		return fmt.Errorf("goroutines have leaked: %w", err)
	}
	return nil
}

// ContextOpt returns a new context instance with the new additions to it.
type ContextOpt func(context.Context) (context.Context, func())

// ContextWithTimeout allows to set provided timeout to the context.
func ContextWithTimeout(duration time.Duration) ContextOpt {
	return func(ctx context.Context) (context.Context, func()) {
		return context.WithTimeout(ctx, duration)
	}
}

// ContextWithCorrelation injects the correlation ID into the context.
func ContextWithCorrelation(correlationID string) ContextOpt {
	return func(ctx context.Context) (context.Context, func()) {
		return correlation.ContextWithCorrelation(ctx, correlationID), func() {}
	}
}

// Context returns a cancellable context.
func Context(opts ...ContextOpt) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	cancels := make([]func(), len(opts)+1)
	cancels[0] = cancel
	for i, opt := range opts {
		ctx, cancel = opt(ctx)
		cancels[i+1] = cancel
	}

	return ctx, func() {
		for i := len(cancels) - 1; i >= 0; i-- {
			cancels[i]()
		}
	}
}

// TempDir returns a temporary directory which is removed when the test finishes.
func TempDir(tb testing.TB) string {
	tb.Helper()
	return tb.TempDir()
}
