package store

import (
	"os"
	"testing"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "hyperion_store_test_*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	tmpFile.Close()
	path := tmpFile.Name()
	t.Cleanup(func() { os.Remove(path) })
	return path
}

func TestOpenRunsMigrationsAndVerifies(t *testing.T) {
	path := tempDBPath(t)

	st, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if err := st.VerifySchema(); err != nil {
		t.Fatalf("verify schema: %v", err)
	}
}

func TestOpenIsIdempotentAcrossReopens(t *testing.T) {
	path := tempDBPath(t)

	st1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := st1.Close(); err != nil {
		t.Fatalf("close first store: %v", err)
	}

	st2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer st2.Close()

	if err := st2.VerifySchema(); err != nil {
		t.Fatalf("verify schema after reopen: %v", err)
	}

	var count int
	if err := st2.Read.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected each embedded migration recorded exactly once, got %d rows", count)
	}
}

func TestWriteHandleIsSingleConnection(t *testing.T) {
	path := tempDBPath(t)
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if stats := st.Write.Stats(); stats.MaxOpenConnections != 1 {
		t.Fatalf("expected the write handle capped at 1 connection, got %d", stats.MaxOpenConnections)
	}
}

func TestWalCheckpointSucceeds(t *testing.T) {
	path := tempDBPath(t)
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if _, err := st.Write.Exec(`INSERT INTO change_queue (status, payload, updated_at, created_at) VALUES ('pending', '{}', 0, 0)`); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	if _, err := st.WalCheckpoint(); err != nil {
		t.Fatalf("wal checkpoint: %v", err)
	}
}
