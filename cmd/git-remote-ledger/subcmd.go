package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gitlab.com/gitlab-org/gitledger/internal/config"
	"gitlab.com/gitlab-org/gitledger/internal/session"
)

type subcmd interface {
	FlagSet() *pflag.FlagSet
	Exec(ctx context.Context, flags *pflag.FlagSet, cfg config.Cfg, logger logrus.FieldLogger, stdin io.Reader, stdout io.Writer) error
}

const paramUser = "user"

var subcommands = map[string]subcmd{
	syncCmdName:  newRemoteSubcommand(syncCmdName, "Load the remote and print a summary of its contents.", runSync),
	cloneCmdName: newRemoteSubcommand(cloneCmdName, "Print the references of the remote.", runClone),
	pullCmdName:  newRemoteSubcommand(pullCmdName, "Run the fetch protocol on stdin and stdout.", runPull),
	pushCmdName:  newRemoteSubcommand(pushCmdName, "Run the push protocol on stdin and stdout.", runPush),
}

// subCommand parses the subcommand's flags and runs it.
func subCommand(ctx context.Context, cfg config.Cfg, logger logrus.FieldLogger, cmd subcmd, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := cmd.FlagSet()
	flags.SetOutput(stderr)

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	return cmd.Exec(ctx, flags, cfg, logger, stdin, stdout)
}

type unexpectedPositionalArgsError struct{ Command string }

func (err unexpectedPositionalArgsError) Error() string {
	return fmt.Sprintf("%s doesn't accept positional arguments besides the address", err.Command)
}

func (err unexpectedPositionalArgsError) Unwrap() error { return errUsage }

type remoteFunc func(ctx context.Context, s *session.Session, stdin io.Reader, stdout io.Writer) error

// remoteSubcommand opens a session for the address passed as its only argument and runs fn.
type remoteSubcommand struct {
	name        string
	description string
	fn          remoteFunc
	user        string
}

func newRemoteSubcommand(name, description string, fn remoteFunc) *remoteSubcommand {
	return &remoteSubcommand{name: name, description: description, fn: fn}
}

func (cmd *remoteSubcommand) FlagSet() *pflag.FlagSet {
	cmd.user = ""

	fs := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	fs.StringVar(&cmd.user, paramUser, "", "account expected to sign ledger transactions")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s %s <address> [flags]\n\nDescription:\n\t%s\n\nFlags:\n",
			progname, cmd.name, cmd.description)
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *remoteSubcommand) Exec(ctx context.Context, flags *pflag.FlagSet, cfg config.Cfg, logger logrus.FieldLogger, stdin io.Reader, stdout io.Writer) error {
	switch {
	case flags.NArg() == 0:
		return fmt.Errorf("%w: %s requires the remote address", errUsage, cmd.name)
	case flags.NArg() > 1:
		return unexpectedPositionalArgsError{Command: cmd.name}
	}

	if cmd.user != "" {
		cfg.Ledger.Account = cmd.user
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, progname+"."+cmd.name)
	defer span.Finish()

	s, err := session.Open(ctx, cfg, repositoryAddress(flags.Arg(0)), logger.WithField("subcommand", cmd.name))
	if err != nil {
		return err
	}
	defer closeSession(s, logger)

	return cmd.fn(ctx, s, stdin, stdout)
}
