// Package faultstore provides a blob store which injects failures, for testing how callers behave
// when the blob store misbehaves.
package faultstore

import (
	"context"
	"errors"
	"sync"

	"gitlab.com/gitlab-org/gitledger/internal/blobstore"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
)

// ErrInjectedFault is returned by injected failures.
var ErrInjectedFault = errors.New("injected fault")

// Store wraps a blobstore.Store and fails calls according to its configuration. It is safe for
// concurrent use.
type Store struct {
	blobstore.Store

	mu sync.Mutex
	// failPutAfter makes every Put after the given number of successful ones fail with
	// ErrInjectedFault. Negative values disable the fault.
	failPutAfter int
	// transientPuts is the number of Put calls which fail with a transient error before
	// calls are forwarded.
	transientPuts int
	// transientGets is the number of Get calls which fail with a transient error before
	// calls are forwarded.
	transientGets int

	puts int
	gets int
}

// New returns a Store forwarding to store without injecting any faults.
func New(store blobstore.Store) *Store {
	return &Store{Store: store, failPutAfter: -1}
}

// FailPutAfter makes every Put after n successful ones fail permanently.
func (s *Store) FailPutAfter(n int) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPutAfter = n
	return s
}

// TransientPuts makes the next n Put calls fail with a transient error.
func (s *Store) TransientPuts(n int) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transientPuts = n
	return s
}

// TransientGets makes the next n Get calls fail with a transient error.
func (s *Store) TransientGets(n int) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transientGets = n
	return s
}

// Puts returns the number of Put calls which have been forwarded successfully.
func (s *Store) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// Gets returns the number of Get calls which have been forwarded.
func (s *Store) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// Put stores data unless a fault is injected.
func (s *Store) Put(ctx context.Context, data []byte) (blobstore.Key, error) {
	s.mu.Lock()
	if s.transientPuts > 0 {
		s.transientPuts--
		s.mu.Unlock()
		return "", commonerr.NewTransientError("faultstore put", ErrInjectedFault)
	}
	if s.failPutAfter >= 0 && s.puts >= s.failPutAfter {
		s.mu.Unlock()
		return "", ErrInjectedFault
	}
	s.puts++
	s.mu.Unlock()

	return s.Store.Put(ctx, data)
}

// Get reads data unless a fault is injected.
func (s *Store) Get(ctx context.Context, key blobstore.Key) ([]byte, error) {
	s.mu.Lock()
	if s.transientGets > 0 {
		s.transientGets--
		s.mu.Unlock()
		return nil, commonerr.NewTransientError("faultstore get", ErrInjectedFault)
	}
	s.gets++
	s.mu.Unlock()

	return s.Store.Get(ctx, key)
}
