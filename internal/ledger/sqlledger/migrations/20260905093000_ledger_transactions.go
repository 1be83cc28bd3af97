package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20260905093000_ledger_transactions",
		Up: []string{
			`CREATE TABLE ledger_transactions (
	id TEXT PRIMARY KEY,
	repository TEXT NOT NULL,
	height BIGINT NOT NULL,
	account TEXT NOT NULL,
	nonce BIGINT NOT NULL,
	payload TEXT NOT NULL,
	signature TEXT NOT NULL,
	status TEXT NOT NULL
)`,
			`CREATE UNIQUE INDEX ledger_transactions_height_idx ON ledger_transactions (repository, height)`,
		},
		Down: []string{
			"DROP INDEX ledger_transactions_height_idx",
			"DROP TABLE ledger_transactions",
		},
	}

	allMigrations = append(allMigrations, m)
}
