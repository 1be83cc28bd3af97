package sqlledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/ledger/sqlledger/migrations"
)

// Dialect names the SQL database flavour. The values are the driver names registered with
// database/sql, which are also the dialect names sql-migrate understands.
type Dialect string

const (
	// Postgres is served by github.com/lib/pq.
	Postgres = Dialect("postgres")
	// SQLite is served by github.com/mattn/go-sqlite3.
	SQLite = Dialect("sqlite3")
)

// OpenDB opens the database a ledger url points to: `sqlite://<path>` or a lib/pq
// `postgres://` or `postgresql://` url. The connection is verified before it is returned.
func OpenDB(ctx context.Context, url string) (*sql.DB, Dialect, error) {
	var dialect Dialect
	var dsn string

	switch {
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			return nil, "", fmt.Errorf("open ledger database: sqlite url without path")
		}
		dialect = SQLite
		dsn = "file:" + path + "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=1"
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		dialect = Postgres
		dsn = url
	default:
		return nil, "", fmt.Errorf("open ledger database: unsupported url %q", url)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open ledger database: %w", err)
	}

	if dialect == SQLite {
		// SQLite serializes writers anyway. A single connection keeps transactions from
		// running into SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := db.PingContext(ctx); err != nil {
			errChan <- fmt.Errorf("send ping: %w", err)
		} else {
			errChan <- nil
		}
	}()

	select {
	// lib/pq does not honour context cancellation while dialing, see
	// https://github.com/lib/pq/issues/620.
	case <-ctx.Done():
		db.Close()
		return nil, "", ctx.Err()
	case err := <-errChan:
		if err != nil {
			db.Close()
			return nil, "", fmt.Errorf("open ledger database: %w", err)
		}
	}

	return db, dialect, nil
}

// Migrate applies all pending schema migrations.
func Migrate(db *sql.DB, dialect Dialect) (int, error) {
	migrationSet := migrate.MigrationSet{
		TableName: migrations.MigrationTableName,
	}

	migrationSource := &migrate.MemoryMigrationSource{
		Migrations: migrations.All(),
	}

	n, err := migrationSet.Exec(db, string(dialect), migrationSource, migrate.Up)
	if err != nil {
		return n, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return n, nil
}

// classify marks database errors that may go away on their own as transient.
func classify(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// transaction rollback (serialization failures, deadlocks), connection exceptions and
		// insufficient resources
		case "40", "08", "53":
			return commonerr.NewTransientError(op, err)
		}
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return commonerr.NewTransientError(op, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return commonerr.NewTransientError(op, err)
	}

	return err
}
