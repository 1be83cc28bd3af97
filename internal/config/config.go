// Package config loads the configuration of git-remote-ledger. Values are read from a TOML file
// first and can be overridden by GITLEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"gitlab.com/gitlab-org/gitledger/internal/git"
	"gitlab.com/gitlab-org/gitledger/internal/helper"
)

const (
	// EnvPrefix is the prefix of all environment variables overriding the configuration.
	EnvPrefix = "gitledger"
	// ConfigFileEnv names the environment variable holding the path of the configuration file.
	ConfigFileEnv = "GITLEDGER_CONFIG"

	// MemoryLedgerURL selects the process-local ledger.
	MemoryLedgerURL = "memory://"
	// DefaultHead is the target of the symbolic HEAD reference.
	DefaultHead = "refs/heads/master"
	// DefaultUploadConcurrency bounds the number of concurrent blob store uploads.
	DefaultUploadConcurrency = 8
	// DefaultCachedObjects is the number of verified object records kept in memory.
	DefaultCachedObjects = 1024
)

// Cfg is a container for all configuration of a session.
type Cfg struct {
	Head       string     `toml:"head" split_words:"true"`
	Ledger     Ledger     `toml:"ledger" envconfig:"ledger"`
	Blobstore  Blobstore  `toml:"blobstore" envconfig:"blobstore"`
	Upload     Upload     `toml:"upload" envconfig:"upload"`
	Retry      Retry      `toml:"retry" envconfig:"retry"`
	Cache      Cache      `toml:"cache" envconfig:"cache"`
	Logging    Logging    `toml:"logging" envconfig:"logging"`
	Prometheus Prometheus `toml:"prometheus" envconfig:"prometheus"`
}

// Ledger configures where references and snapshots are recorded and which account signs the
// transactions.
type Ledger struct {
	URL string `toml:"url" split_words:"true"`
	// Account is the account the key in KeyFile is expected to belong to. It is only checked
	// when set.
	Account string `toml:"account" split_words:"true"`
	// KeyFile holds the hex encoded ed25519 seed of the account. A throwaway key is generated
	// when it is unset, which only makes sense for the memory ledger.
	KeyFile string `toml:"key_file" split_words:"true"`
}

// Blobstore configures where object records and snapshots are stored.
type Blobstore struct {
	URL string `toml:"url" split_words:"true"`
}

// Upload configures pushes.
type Upload struct {
	Concurrency int `toml:"concurrency" split_words:"true"`
}

// Retry configures how transient failures are retried.
type Retry struct {
	Attempts uint     `toml:"attempts" split_words:"true"`
	Delay    Duration `toml:"delay" split_words:"true"`
	MaxDelay Duration `toml:"max_delay" split_words:"true"`
}

// Policy returns the retry policy described by the configuration.
func (r Retry) Policy() helper.RetryPolicy {
	return helper.RetryPolicy{
		Attempts: r.Attempts,
		Delay:    r.Delay.Duration(),
		MaxDelay: r.MaxDelay.Duration(),
	}
}

// Cache configures the object record cache.
type Cache struct {
	// Objects is the number of verified records kept in memory. Zero selects
	// DefaultCachedObjects, a negative value disables the cache.
	Objects int `toml:"objects" split_words:"true"`
}

// Logging contains the logging configuration.
type Logging struct {
	Format string `toml:"format" split_words:"true"`
	Level  string `toml:"level" split_words:"true"`
	// File makes the logs go to the given file instead of stderr.
	File      string `toml:"file" split_words:"true"`
	SentryDSN string `toml:"sentry_dsn" split_words:"true"`
}

// Prometheus configures where metrics are written when the session ends.
type Prometheus struct {
	Textfile string `toml:"textfile" split_words:"true"`
}

// Duration is a time.Duration which is written as a string like "250ms" in TOML and in the
// environment.
type Duration time.Duration

// Duration returns the value as time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Load initializes the configuration from the TOML document in file and the environment. The
// result has its defaults set but is not validated.
func Load(file io.Reader) (Cfg, error) {
	var cfg Cfg

	if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
		return Cfg{}, fmt.Errorf("load toml: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Cfg{}, fmt.Errorf("envconfig: %w", err)
	}

	cfg.setDefaults()

	return cfg, nil
}

// LoadFromEnv loads the configuration from the file named by GITLEDGER_CONFIG. Without that
// variable only the environment and the defaults are used.
func LoadFromEnv() (Cfg, error) {
	path := os.Getenv(ConfigFileEnv)
	if path == "" {
		return Load(strings.NewReader(""))
	}

	file, err := os.Open(path)
	if err != nil {
		return Cfg{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	return Load(file)
}

func (cfg *Cfg) setDefaults() {
	if cfg.Head == "" {
		cfg.Head = DefaultHead
	}
	if cfg.Ledger.URL == "" {
		cfg.Ledger.URL = MemoryLedgerURL
	}
	if cfg.Blobstore.URL == "" {
		cfg.Blobstore.URL = "mem://"
	}
	if cfg.Upload.Concurrency == 0 {
		cfg.Upload.Concurrency = DefaultUploadConcurrency
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = helper.DefaultRetryPolicy.Attempts
	}
	if cfg.Retry.Delay == 0 {
		cfg.Retry.Delay = Duration(helper.DefaultRetryPolicy.Delay)
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = Duration(helper.DefaultRetryPolicy.MaxDelay)
	}
	if cfg.Cache.Objects == 0 {
		cfg.Cache.Objects = DefaultCachedObjects
	}
}

// Validate checks the configuration for values which cannot work.
func (cfg *Cfg) Validate() error {
	for _, run := range []func() error{
		cfg.validateHead,
		cfg.validateLedger,
		cfg.validateUpload,
		cfg.validateRetry,
		cfg.validateLogging,
	} {
		if err := run(); err != nil {
			return err
		}
	}

	return nil
}

func (cfg *Cfg) validateHead() error {
	if err := git.ValidateReferenceName(cfg.Head); err != nil {
		return fmt.Errorf("head: %w", err)
	}
	return nil
}

func (cfg *Cfg) validateLedger() error {
	switch {
	case cfg.Ledger.URL == MemoryLedgerURL:
	case strings.HasPrefix(cfg.Ledger.URL, "sqlite://"),
		strings.HasPrefix(cfg.Ledger.URL, "postgres://"),
		strings.HasPrefix(cfg.Ledger.URL, "postgresql://"):
		if cfg.Ledger.KeyFile == "" {
			return errors.New("ledger: key_file is required for a shared ledger")
		}
	default:
		return fmt.Errorf("ledger: unsupported url %q", cfg.Ledger.URL)
	}
	return nil
}

func (cfg *Cfg) validateUpload() error {
	if cfg.Upload.Concurrency < 0 {
		return fmt.Errorf("upload: concurrency must not be negative, got %d", cfg.Upload.Concurrency)
	}
	return nil
}

func (cfg *Cfg) validateRetry() error {
	if cfg.Retry.Delay < 0 || cfg.Retry.MaxDelay < 0 {
		return errors.New("retry: delays must not be negative")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.Delay {
		return fmt.Errorf("retry: max_delay %s is shorter than delay %s", cfg.Retry.MaxDelay.Duration(), cfg.Retry.Delay.Duration())
	}
	return nil
}

func (cfg *Cfg) validateLogging() error {
	switch cfg.Logging.Format {
	case "", "json", "text":
		return nil
	default:
		return fmt.Errorf("logging: invalid format %q", cfg.Logging.Format)
	}
}
