package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/gitledger/internal/session"
)

const syncCmdName = "sync"

// runSync loads every snapshot of the remote and prints what it contains.
func runSync(ctx context.Context, s *session.Session, _ io.Reader, stdout io.Writer) error {
	snapshots, err := s.Ledger.SnapshotKeys(ctx)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}

	objects, err := s.Objects.Len(ctx)
	if err != nil {
		return fmt.Errorf("load objects: %w", err)
	}

	refs, err := s.Ledger.ListRefs(ctx)
	if err != nil {
		return fmt.Errorf("list references: %w", err)
	}

	summary := tablewriter.NewWriter(stdout)
	summary.SetHeader([]string{"Snapshots", "Objects", "References"})
	summary.Append([]string{strconv.Itoa(len(snapshots)), strconv.Itoa(objects), strconv.Itoa(len(refs))})
	summary.Render()

	if len(refs) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(stdout)
	table.SetHeader([]string{"Reference", "Object"})
	for _, ref := range refs {
		table.Append([]string{ref.Name.String(), ref.Target})
	}
	table.Render()

	return nil
}
