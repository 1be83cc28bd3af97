package main

import (
	"context"
	"io"

	"gitlab.com/gitlab-org/gitledger/internal/session"
)

const (
	cloneCmdName = "clone"
	pullCmdName  = "pull"
	pushCmdName  = "push"
)

func runClone(ctx context.Context, s *session.Session, stdin io.Reader, stdout io.Writer) error {
	return s.Helper(stdin, stdout).Advertise(ctx)
}

func runPull(ctx context.Context, s *session.Session, stdin io.Reader, stdout io.Writer) error {
	return s.Helper(stdin, stdout).Fetch(ctx)
}

func runPush(ctx context.Context, s *session.Session, stdin io.Reader, stdout io.Writer) error {
	return s.Helper(stdin, stdout).Push(ctx)
}
