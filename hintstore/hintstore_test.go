package hintstore

import (
	"path/filepath"
	"testing"
)

func testStore(t *testing.T, s Store) {
	t.Helper()

	if _, ok := s.Hint(1); ok {
		t.Fatal("Hint on an empty store should report ok=false")
	}

	if err := s.SetHint(1, 4096); err != nil {
		t.Fatalf("SetHint: %v", err)
	}
	got, ok := s.Hint(1)
	if !ok || got != 4096 {
		t.Fatalf("Hint(1) = %d, %v; want 4096, true", got, ok)
	}

	if err := s.SetHint(1, 8192); err != nil {
		t.Fatalf("SetHint overwrite: %v", err)
	}
	got, ok = s.Hint(1)
	if !ok || got != 8192 {
		t.Fatalf("Hint(1) after overwrite = %d, %v; want 8192, true", got, ok)
	}

	if _, ok := s.Hint(2); ok {
		t.Fatal("Hint on an unrelated entry hash should report ok=false")
	}

	// entry_hash is stored as its raw 64-bit pattern; a hash with the top
	// bit set must still round trip correctly.
	const big uint64 = 0xffffffffffffffff
	if err := s.SetHint(big, -1); err != nil {
		t.Fatalf("SetHint with high entry hash: %v", err)
	}
	got, ok = s.Hint(big)
	if !ok || got != -1 {
		t.Fatalf("Hint(big) = %d, %v; want -1, true", got, ok)
	}
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	testStore(t, s)
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hints.sqlite")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	testStore(t, s)
}

func TestOpenSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := OpenSQLiteStore(SQLiteOptions{}); err == nil {
		t.Fatal("OpenSQLiteStore with no Path should fail eagerly")
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hints.sqlite")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.SetHint(42, 1234); err != nil {
		t.Fatalf("SetHint: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen NewSQLiteStore: %v", err)
	}
	defer reopened.Close()
	got, ok := reopened.Hint(42)
	if !ok || got != 1234 {
		t.Fatalf("Hint(42) after reopen = %d, %v; want 1234, true", got, ok)
	}
}
