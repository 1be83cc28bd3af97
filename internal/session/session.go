// Package session builds the components serving one invocation of git-remote-ledger against one
// remote repository, and tears them down again when the invocation ends.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitledger/internal/blobstore"
	"gitlab.com/gitlab-org/gitledger/internal/config"
	"gitlab.com/gitlab-org/gitledger/internal/git"
	"gitlab.com/gitlab-org/gitledger/internal/ledger"
	"gitlab.com/gitlab-org/gitledger/internal/ledger/sqlledger"
	"gitlab.com/gitlab-org/gitledger/internal/objectmap"
	"gitlab.com/gitlab-org/gitledger/internal/remotehelper"
	"gitlab.com/gitlab-org/gitledger/internal/snapshot"
	"gitlab.com/gitlab-org/gitledger/internal/syncer"
)

// ErrAccountMismatch is returned when the configured key does not belong to the configured
// account.
var ErrAccountMismatch = errors.New("signing key does not belong to the configured account")

// Session holds the components serving a single remote repository.
type Session struct {
	cfg        config.Cfg
	repository string
	logger     logrus.FieldLogger
	registry   *prometheus.Registry

	Store     *blobstore.RetryingStore
	Ledger    *ledger.Client
	Snapshots *snapshot.Manager
	Objects   *objectmap.Map
	Syncer    *syncer.Syncer

	closers []func() error
}

// Open creates all components for the repository from the configuration. The ledger is
// migrated if it is backed by a database. The caller must call Close once done.
func Open(ctx context.Context, cfg config.Cfg, repository string, logger logrus.FieldLogger) (_ *Session, returnedErr error) {
	if repository == "" {
		return nil, errors.New("open session: empty repository address")
	}

	s := &Session{
		cfg:        cfg,
		repository: repository,
		logger:     logger.WithField("repository", repository),
		registry:   prometheus.NewRegistry(),
	}
	defer func() {
		if returnedErr != nil {
			_ = s.Close()
		}
	}()

	store, err := blobstore.Open(ctx, cfg.Blobstore.URL)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, store.Close)

	signer, err := s.signer()
	if err != nil {
		return nil, err
	}

	backend, err := s.openLedger(ctx)
	if err != nil {
		return nil, err
	}

	policy := cfg.Retry.Policy()

	s.Store = blobstore.NewRetryingStore(store, policy, s.logger)
	s.Ledger = ledger.NewClient(backend, signer, policy, s.logger)
	s.Snapshots = snapshot.NewManager(s.Store, s.Ledger, s.logger)

	s.Objects, err = objectmap.New(s.Store, s.Snapshots, cfg.Cache.Objects, s.logger)
	if err != nil {
		return nil, fmt.Errorf("create object map: %w", err)
	}

	s.Syncer = syncer.New(s.Store, s.Objects, s.Snapshots, s.Ledger, cfg.Upload.Concurrency, s.logger)

	for _, collector := range []prometheus.Collector{s.Store, s.Ledger, s.Objects, s.Syncer} {
		if err := s.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"account":   signer.Account(),
		"ledger":    redact(cfg.Ledger.URL),
		"blobstore": redact(cfg.Blobstore.URL),
	}).Debug("session opened")

	return s, nil
}

func (s *Session) signer() (ledger.Signer, error) {
	var signer *ledger.KeySigner
	var err error
	if s.cfg.Ledger.KeyFile != "" {
		signer, err = ledger.LoadKeySigner(s.cfg.Ledger.KeyFile)
	} else {
		signer, err = ledger.GenerateKeySigner()
	}
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	if account := s.cfg.Ledger.Account; account != "" && account != signer.Account() {
		return nil, fmt.Errorf("%w: key of %s, configured %s", ErrAccountMismatch, signer.Account(), account)
	}

	return signer, nil
}

func (s *Session) openLedger(ctx context.Context) (ledger.Ledger, error) {
	if s.cfg.Ledger.URL == config.MemoryLedgerURL {
		return ledger.NewMemoryLedger(), nil
	}

	db, dialect, err := sqlledger.OpenDB(ctx, s.cfg.Ledger.URL)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, db.Close)

	if err := s.migrate(db, dialect); err != nil {
		return nil, err
	}

	sqlLedger, err := sqlledger.New(db, s.repository)
	if err != nil {
		return nil, err
	}
	return sqlLedger, nil
}

func (s *Session) migrate(db *sql.DB, dialect sqlledger.Dialect) error {
	n, err := sqlledger.Migrate(db, dialect)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.WithFields(logrus.Fields{
			"dialect":    dialect,
			"migrations": n,
		}).Info("ledger schema migrated")
	}
	return nil
}

// Head returns the target of the symbolic HEAD reference.
func (s *Session) Head() git.ReferenceName {
	return git.ReferenceName(s.cfg.Head)
}

// Registry returns the registry all components report their metrics to.
func (s *Session) Registry() *prometheus.Registry {
	return s.registry
}

// Helper returns a remote helper speaking the protocol on in and out.
func (s *Session) Helper(in io.Reader, out io.Writer) *remotehelper.Helper {
	return remotehelper.New(in, out, s.Ledger, s.Objects, s.Syncer, s.Head(), s.logger)
}

// Close writes the metrics if configured and releases all resources in reverse order of their
// acquisition. It returns the first error encountered.
func (s *Session) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if path := s.cfg.Prometheus.Textfile; path != "" && s.Syncer != nil {
		if err := prometheus.WriteToTextfile(path, s.registry); err != nil {
			record(fmt.Errorf("write metrics: %w", err))
		}
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		record(s.closers[i]())
	}
	s.closers = nil

	return firstErr
}

// redact removes credentials from URLs before they are logged.
func redact(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "<unparsable>"
	}
	if _, hasPassword := parsed.User.Password(); !hasPassword {
		return rawURL
	}
	return parsed.Redacted()
}
