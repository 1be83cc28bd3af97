package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20260901120000_ledger_state",
		Up: []string{
			`CREATE TABLE ledger_repositories (
	repository TEXT PRIMARY KEY,
	height BIGINT NOT NULL
)`,
			`CREATE TABLE ledger_accounts (
	repository TEXT NOT NULL,
	account TEXT NOT NULL,
	nonce BIGINT NOT NULL,
	PRIMARY KEY (repository, account)
)`,
			`CREATE TABLE ledger_snapshots (
	repository TEXT NOT NULL,
	idx BIGINT NOT NULL,
	storage_key TEXT NOT NULL,
	PRIMARY KEY (repository, idx)
)`,
			`CREATE TABLE ledger_refs (
	repository TEXT NOT NULL,
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (repository, name)
)`,
		},
		Down: []string{
			"DROP TABLE ledger_refs",
			"DROP TABLE ledger_snapshots",
			"DROP TABLE ledger_accounts",
			"DROP TABLE ledger_repositories",
		},
	}

	allMigrations = append(allMigrations, m)
}
