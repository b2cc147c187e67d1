package redisstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"configline/internal/snapshot/redisstore"
	"configline/internal/snapshot/snapshottest"
)

func TestContract(t *testing.T) {
	addr := os.Getenv("CONFIGLINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONFIGLINE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := redisstore.Open(ctx, redisstore.Options{Addr: addr, Prefix: fmt.Sprintf("configline-test-%d:", time.Now().UnixNano())})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	t.Cleanup(func() { _ = s.Truncate(context.Background()) })
	snapshottest.Run(t, s)
}
