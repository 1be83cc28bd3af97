package snapshot

import (
	"testing"

	"gitlab.com/gitlab-org/gitledger/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}
