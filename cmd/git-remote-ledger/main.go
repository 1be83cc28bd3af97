// Command git-remote-ledger is a git remote helper storing objects in a blob store and references
// in a ledger. Git runs it as
//
//	git-remote-ledger <remote-name> <url>
//
// for remotes with a "ledger::<address>" URL. The subcommands sync, clone, pull and push expose
// single steps of the protocol for scripting and debugging.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gitlab.com/gitlab-org/gitledger/internal/config"
	"gitlab.com/gitlab-org/gitledger/internal/dontpanic"
	"gitlab.com/gitlab-org/gitledger/internal/log"
	"gitlab.com/gitlab-org/gitledger/internal/session"
	"gitlab.com/gitlab-org/gitledger/internal/version"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/tracing"
)

const (
	progname = "git-remote-ledger"
	// addressPrefix is the transport prefix git keeps in front of the address in some
	// invocations.
	addressPrefix = "ledger::"

	sentryFlushTimeout = 2 * time.Second
)

var errUsage = errors.New("invalid usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes the command and returns its exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet(progname, pflag.ContinueOnError)
	flags.SetOutput(stderr)
	// Flags following the subcommand belong to it.
	flags.SetInterspersed(false)
	showVersion := flags.Bool("version", false, "Print version and exit")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "Usage:\n  %s <remote-name> [<url>]\n  %s <subcommand> <address> [flags]\n\n", progname, progname)
		fmt.Fprintf(stderr, "Subcommands:\n  %s\n\nFlags:\n", strings.Join(subcommandNames(), ", "))
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *showVersion {
		fmt.Fprintln(stdout, version.GetVersionString())
		return 0
	}

	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	cfg, err := config.LoadFromEnv()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: configuration error: %v\n", progname, err)
		return 1
	}

	restoreLogging, err := configureLogging(cfg.Logging, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s: configure logging: %v\n", progname, err)
		return 1
	}
	defer restoreLogging()

	reportingEnabled, err := configureSentry(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "%s: configure sentry: %v\n", progname, err)
		return 1
	}
	if reportingEnabled {
		defer sentry.Flush(sentryFlushTimeout)
	}

	defer tracing.Initialize(tracing.WithServiceName(progname)).Close()

	ctx := correlation.ContextWithCorrelation(context.Background(), correlation.SafeRandomID())
	logger := log.Default().WithField("correlation_id", correlation.ExtractFromContext(ctx))

	err = dontpanic.Try(func() error {
		return dispatch(ctx, cfg, logger, flags.Args(), stdin, stdout, stderr)
	})
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "%s: %v\n", progname, err)
		return 2
	default:
		if reportingEnabled {
			sentry.CaptureException(err)
		}
		logger.WithError(err).Error("command failed")
		fmt.Fprintf(stderr, "%s: %v\n", progname, err)
		return 1
	}
}

func dispatch(ctx context.Context, cfg config.Cfg, logger logrus.FieldLogger, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if cmd, ok := subcommands[args[0]]; ok {
		return subCommand(ctx, cfg, logger, cmd, args[1:], stdin, stdout, stderr)
	}

	// git passes the URL as second argument. It is missing when the remote name is the URL.
	var url string
	switch len(args) {
	case 1:
		url = args[0]
	case 2:
		url = args[1]
	default:
		return fmt.Errorf("%w: expected <remote-name> [<url>], got %d arguments", errUsage, len(args))
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, progname+".serve")
	defer span.Finish()

	s, err := session.Open(ctx, cfg, repositoryAddress(url), logger.WithField("remote", args[0]))
	if err != nil {
		return err
	}
	defer closeSession(s, logger)

	return s.Helper(stdin, stdout).Serve(ctx)
}

// repositoryAddress strips the transport prefix from a remote URL.
func repositoryAddress(url string) string {
	return strings.TrimPrefix(url, addressPrefix)
}

func closeSession(s *session.Session, logger logrus.FieldLogger) {
	if err := s.Close(); err != nil {
		logger.WithError(err).Warn("closing session failed")
	}
}

func configureLogging(cfg config.Logging, stderr io.Writer) (func(), error) {
	log.Configure(log.Loggers, cfg.Format, cfg.Level)

	restore := func() {
		for _, l := range log.Loggers {
			l.SetOutput(stderr)
		}
	}
	restore()

	if cfg.File == "" {
		return restore, nil
	}

	closer, err := log.RedirectToFile(log.Loggers, cfg.File)
	if err != nil {
		return nil, err
	}

	return func() {
		restore()
		_ = closer.Close()
	}, nil
}

func configureSentry(cfg config.Logging) (bool, error) {
	if cfg.SentryDSN == "" {
		return false, nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:     cfg.SentryDSN,
		Release: "v" + version.GetVersion(),
	}); err != nil {
		return false, err
	}

	return true, nil
}

func subcommandNames() []string {
	names := make([]string, 0, len(subcommands))
	for name := range subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
