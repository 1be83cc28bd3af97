package ledger_test

import (
	"testing"

	"gitlab.com/gitlab-org/gitledger/internal/ledger"
	"gitlab.com/gitlab-org/gitledger/internal/ledger/ledgertest"
)

func TestMemoryLedger(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Ledger {
		return ledger.NewMemoryLedger()
	})
}
