package sqlitestore_test

import (
	"context"
	"testing"

	"configline/internal/snapshot/snapshottest"
	"configline/internal/snapshot/sqlitestore"
)

func TestContract(t *testing.T) {
	s, err := sqlitestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	snapshottest.Run(t, s)

	if err := s.Truncate(context.Background()); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if all, _ := s.ListSnapshots(context.Background()); len(all) != 0 {
		t.Fatalf("snapshots after truncate: %d", len(all))
	}
}
