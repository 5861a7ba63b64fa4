package sparseindex

import (
	"bytes"
	"testing"

	"simplecache.dev/entryformat"
	"simplecache.dev/fileops"
)

func newSparseFile(t *testing.T, key string) (fileops.File, *Index) {
	t.Helper()
	ops := fileops.NewMem()
	f, err := ops.Create("s")
	if err != nil {
		t.Fatal(err)
	}
	idx, err := Initialize(f, key)
	if err != nil {
		t.Fatal(err)
	}
	return f, idx
}

func TestWriteThenReadExactRange(t *testing.T) {
	f, idx := newSparseFile(t, "k")

	if _, err := idx.Write(f, 100, []byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 11)
	n, err := idx.Read(f, 100, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 11 || string(buf) != "hello world" {
		t.Fatalf("Read = %q (%d), want %q", buf, n, "hello world")
	}
}

func TestReadStopsAtGap(t *testing.T) {
	f, idx := newSparseFile(t, "k")
	if _, err := idx.Write(f, 0, []byte("AAAA")); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Write(f, 100, []byte("BBBB")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 50)
	n, err := idx.Read(f, 0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4 {
		t.Fatalf("short read at gap = %d, want 4", n)
	}
}

func TestOverlappingWriteInvalidatesPartialCRC(t *testing.T) {
	f, idx := newSparseFile(t, "k")
	if _, err := idx.Write(f, 0, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if got := idx.Ranges()[0].DataCRC32; got == 0 {
		t.Fatal("whole-range write should compute a nonzero crc")
	}

	// Partial overwrite: must invalidate the crc (set to 0) since the
	// stored checksum no longer covers the whole range.
	if _, err := idx.Write(f, 2, []byte("XY")); err != nil {
		t.Fatal(err)
	}
	if got := idx.Ranges()[0].DataCRC32; got != 0 {
		t.Fatalf("partial overwrite crc = %x, want invalidated (0)", got)
	}

	buf := make([]byte, 10)
	n, err := idx.Read(f, 0, buf)
	if err != nil {
		t.Fatalf("Read after partial overwrite: %v", err)
	}
	if n != 10 || string(buf) != "01XY456789" {
		t.Fatalf("Read = %q, want %q", buf, "01XY456789")
	}
}

func TestFullRangeOverwriteRecomputesCRC(t *testing.T) {
	f, idx := newSparseFile(t, "k")
	if _, err := idx.Write(f, 0, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Write(f, 0, []byte("bbbb")); err != nil {
		t.Fatal(err)
	}
	want := entryformat.CRC32([]byte("bbbb"))
	if got := idx.Ranges()[0].DataCRC32; got != want {
		t.Fatalf("full overwrite crc = %x, want %x", got, want)
	}

	buf := make([]byte, 4)
	if _, err := idx.Read(f, 0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "bbbb" {
		t.Fatalf("Read = %q, want bbbb", buf)
	}
}

func TestWriteFillsGapBetweenExistingRanges(t *testing.T) {
	f, idx := newSparseFile(t, "k")
	if _, err := idx.Write(f, 0, []byte("AA")); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Write(f, 10, []byte("BB")); err != nil {
		t.Fatal(err)
	}

	appended, err := idx.Write(f, 0, []byte("0123456789XX"))
	if err != nil {
		t.Fatalf("Write spanning gap: %v", err)
	}
	if appended != 8 {
		t.Fatalf("appended = %d, want 8 (the gap bytes, not the overwritten ones)", appended)
	}

	buf := make([]byte, 12)
	n, err := idx.Read(f, 0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 12 || string(buf) != "0123456789XX" {
		t.Fatalf("Read = %q (%d)", buf, n)
	}
	// Writes never merge adjacent ranges; the gap fill becomes its own
	// range alongside the two it now sits between.
	if len(idx.Ranges()) != 3 {
		t.Fatalf("expected 3 contiguous ranges (two rewritten, one gap-filled), got %d", len(idx.Ranges()))
	}
}

func TestAvailableRange(t *testing.T) {
	f, idx := newSparseFile(t, "k")
	if _, err := idx.Write(f, 10, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}

	start, avail := idx.AvailableRange(0, 30)
	if start != 10 || avail != 10 {
		t.Fatalf("AvailableRange(0,30) = (%d,%d), want (10,10)", start, avail)
	}

	start, avail = idx.AvailableRange(15, 3)
	if start != 15 || avail != 3 {
		t.Fatalf("AvailableRange(15,3) = (%d,%d), want (15,3)", start, avail)
	}

	start, avail = idx.AvailableRange(25, 5)
	if avail != 0 {
		t.Fatalf("AvailableRange(25,5) = (%d,%d), want avail 0", start, avail)
	}
}

func TestScanRebuildsIndexFromDisk(t *testing.T) {
	f, idx := newSparseFile(t, "thekey")
	if _, err := idx.Write(f, 0, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Write(f, 100, []byte("world")); err != nil {
		t.Fatal(err)
	}

	rebuilt, err := Scan(f, len("thekey"))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rebuilt.Ranges()) != 2 {
		t.Fatalf("Scan found %d ranges, want 2", len(rebuilt.Ranges()))
	}
	if rebuilt.DataSize() != 10 {
		t.Fatalf("Scan DataSize = %d, want 10", rebuilt.DataSize())
	}

	buf := make([]byte, 5)
	if _, err := rebuilt.Read(f, 100, buf); err != nil {
		t.Fatalf("Read after Scan: %v", err)
	}
	if !bytes.Equal(buf, []byte("world")) {
		t.Fatalf("Read after Scan = %q", buf)
	}
}

func TestTruncateClearsRanges(t *testing.T) {
	f, idx := newSparseFile(t, "k")
	if _, err := idx.Write(f, 0, []byte("data")); err != nil {
		t.Fatal(err)
	}
	headerAndKey := int64(entryformat.HeaderSize) + 1
	if err := idx.Truncate(f, headerAndKey); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if len(idx.Ranges()) != 0 {
		t.Fatal("expected no ranges after truncate")
	}
	if idx.TailOffset() != headerAndKey {
		t.Fatalf("TailOffset after truncate = %d, want %d", idx.TailOffset(), headerAndKey)
	}
}

func TestScanRejectsBadMagic(t *testing.T) {
	ops := fileops.NewMem()
	f, _ := ops.Create("bad")
	f.WriteAt(make([]byte, entryformat.HeaderSize), 0)
	if _, err := Scan(f, 0); err == nil {
		t.Fatal("expected Scan to reject a zeroed (non-magic) header")
	}
}
