package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"simplecache.dev/fileops"
)

const testDir = "/cache"

func normalFilename(hash uint64, file int) string {
	return filepath.Join(testDir, fmt.Sprintf("%016x_%d", hash, file))
}

func TestDeleteEntrySet(t *testing.T) {
	ops := fileops.NewMem()
	hashes := []uint64{1, 2, 3}
	for _, h := range hashes {
		if _, err := ops.Create(normalFilename(h, 0)); err != nil {
			t.Fatal(err)
		}
		if _, err := ops.Create(normalFilename(h, 1)); err != nil {
			t.Fatal(err)
		}
	}

	if err := DeleteEntrySet(context.Background(), testDir, ops, hashes); err != nil {
		t.Fatalf("DeleteEntrySet: %v", err)
	}

	for _, h := range hashes {
		if _, err := ops.Open(normalFilename(h, 0)); !fileops.IsNotFound(err) {
			t.Fatalf("hash %d file 0 still present after DeleteEntrySet", h)
		}
		if _, err := ops.Open(normalFilename(h, 1)); !fileops.IsNotFound(err) {
			t.Fatalf("hash %d file 1 still present after DeleteEntrySet", h)
		}
	}
}

func TestTruncateEntrySet(t *testing.T) {
	ops := fileops.NewMem()
	hashes := []uint64{1, 2}
	for _, h := range hashes {
		f, err := ops.Create(normalFilename(h, 0))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.WriteAt([]byte("some payload bytes"), 0); err != nil {
			t.Fatal(err)
		}
	}

	if err := TruncateEntrySet(context.Background(), testDir, ops, hashes); err != nil {
		t.Fatalf("TruncateEntrySet: %v", err)
	}

	for _, h := range hashes {
		f, err := ops.Open(normalFilename(h, 0))
		if err != nil {
			t.Fatalf("hash %d: %v", h, err)
		}
		size, err := f.Size()
		if err != nil {
			t.Fatal(err)
		}
		if size != 0 {
			t.Fatalf("hash %d: size = %d, want 0", h, size)
		}
	}
}

func TestSweepLeftoverDoomed(t *testing.T) {
	ops := fileops.NewMem()
	live := []string{
		filepath.Join(testDir, "0000000000000001_0"),
		filepath.Join(testDir, "0000000000000001_1"),
	}
	leftover := []string{
		filepath.Join(testDir, "todelete_1_0000000000000002_0"),
		filepath.Join(testDir, "todelete_1_0000000000000002_1"),
		filepath.Join(testDir, "todelete_3_0000000000000003_s"),
	}
	for _, name := range append(append([]string{}, live...), leftover...) {
		if _, err := ops.Create(name); err != nil {
			t.Fatal(err)
		}
	}

	if err := SweepLeftoverDoomed(testDir, ops); err != nil {
		t.Fatalf("SweepLeftoverDoomed: %v", err)
	}

	for _, name := range live {
		if _, err := ops.Open(name); err != nil {
			t.Fatalf("live file %s was removed by sweep: %v", name, err)
		}
	}
	for _, name := range leftover {
		if _, err := ops.Open(name); !fileops.IsNotFound(err) {
			t.Fatalf("leftover file %s survived sweep", name)
		}
	}
}

func TestSweepLeftoverDoomedEmptyDir(t *testing.T) {
	ops := fileops.NewMem()
	if err := SweepLeftoverDoomed(testDir, ops); err != nil {
		t.Fatalf("SweepLeftoverDoomed on empty dir: %v", err)
	}
}
