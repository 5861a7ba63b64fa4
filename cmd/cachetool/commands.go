package main

import (
	"flag"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"simplecache.dev/batch"
	"simplecache.dev/entryformat"
	"simplecache.dev/filetracker"
	"simplecache.dev/fileops"
	"simplecache.dev/syncentry"
)

// fileLimit bounds how many subfiles a single cachetool invocation keeps
// open at once; one entry never needs more than three (two normal files
// plus the sparse file), so this is generous headroom, not a real cap.
const fileLimit = 8

// resolveKeyHash fills in whichever of key/hash the operator left blank:
// a missing key gets a random demo value, and a missing hash is derived
// from the key the way a real caller's index would compute one.
func resolveKeyHash(key *string, hash *uint64Flag) (string, uint64) {
	if *key == "" && !hash.set {
		*key = "demo-" + uuid.NewString()
	}
	if !hash.set {
		hash.val = xxhash.Sum64String(*key)
	}
	return *key, hash.val
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	dir, key, hash := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("-dir is required")
	}
	k, h := resolveKeyHash(key, hash)

	ops := fileops.NewLocal(*dir)
	tracker := filetracker.New(fileLimit)
	entry, stat, err := syncentry.Create(*dir, ops, tracker, k, h)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	result := entry.Close(stat, []syncentry.CRCRecord{
		{StreamIndex: 0, HasCRC32: true, DataCRC32: entryformat.CRC32(nil)},
		{StreamIndex: 1, HasCRC32: true, DataCRC32: entryformat.CRC32(nil)},
	}, nil)

	fmt.Printf("created key=%q hash=%016x trailer_prefetch_hint=%d\n", k, h, result.EstimatedTrailerPrefetchSize)
	return nil
}

func runWrite(args []string) error {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	dir, key, hash := commonFlags(fs)
	stream := fs.Int("stream", 0, "stream index (0, 1, or 2)")
	data := fs.String("data", "", "bytes to write, taken verbatim from the flag value")
	offset := fs.Int64("offset", 0, "byte offset within the stream")
	truncate := fs.Bool("truncate", true, "shrink the stream to offset+len(data) after writing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" || !hash.set {
		return fmt.Errorf("-dir and -hash are required")
	}
	k, h := resolveKeyHash(key, hash)

	ops := fileops.NewLocal(*dir)
	tracker := filetracker.New(fileLimit)
	entry, stat, _, _, err := syncentry.OpenOrCreate(*dir, ops, tracker, k, h, syncentry.IndexMiss, false, syncentry.TrailerPrefetchSize)
	if err != nil {
		return fmt.Errorf("open-or-create: %w", err)
	}

	buf := []byte(*data)
	n, werr := entry.WriteData(&stat, *stream, *offset, buf, *truncate, false, nil)
	if werr != nil {
		entry.CloseFiles()
		return fmt.Errorf("write: %w", werr)
	}

	crc := entryformat.CRC32(buf)
	result := entry.Close(stat, []syncentry.CRCRecord{
		{StreamIndex: *stream, HasCRC32: true, DataCRC32: crc},
	}, stream0DataFor(*stream, buf))

	fmt.Printf("wrote %d bytes to stream %d, new size %d, trailer_prefetch_hint=%d\n",
		n, *stream, stat.DataSize[*stream], result.EstimatedTrailerPrefetchSize)
	return nil
}

// stream0DataFor returns the buffer Close should fold into stream 0's
// payload and trailing key hash, which is only meaningful when stream 0
// itself was the one just written.
func stream0DataFor(stream int, buf []byte) []byte {
	if stream != 0 {
		return nil
	}
	return buf
}

func runRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	dir, key, hash := commonFlags(fs)
	stream := fs.Int("stream", 0, "stream index (0, 1, or 2)")
	offset := fs.Int64("offset", 0, "byte offset within the stream")
	length := fs.Int("len", 4096, "maximum bytes to read")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" || !hash.set {
		return fmt.Errorf("-dir and -hash are required")
	}
	k, h := resolveKeyHash(key, hash)

	ops := fileops.NewLocal(*dir)
	tracker := filetracker.New(fileLimit)
	entry, stat, sp, err := syncentry.Open(*dir, ops, tracker, k, k != "", h, syncentry.TrailerPrefetchSize)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer entry.CloseFiles()

	buf := make([]byte, *length)
	var n int
	if *stream == 0 {
		// Stream 0 is not read through ReadData; Open already returned it.
		if *offset >= 0 && *offset < int64(len(sp[0].Data)) {
			n = copy(buf, sp[0].Data[*offset:])
		}
	} else {
		var rerr error
		n, rerr = entry.ReadData(&stat, *stream, *offset, buf, nil, false)
		if rerr != nil {
			return fmt.Errorf("read: %w", rerr)
		}
	}

	fmt.Printf("read %d bytes from stream %d: %q\n", n, *stream, buf[:n])
	return nil
}

func runDoom(args []string) error {
	fs := flag.NewFlagSet("doom", flag.ExitOnError)
	dir, key, hash := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" || !hash.set {
		return fmt.Errorf("-dir and -hash are required")
	}
	k, h := resolveKeyHash(key, hash)

	ops := fileops.NewLocal(*dir)
	tracker := filetracker.New(fileLimit)
	entry, _, _, err := syncentry.Open(*dir, ops, tracker, k, k != "", h, syncentry.TrailerPrefetchSize)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if err := entry.Doom(); err != nil {
		entry.CloseFiles()
		return fmt.Errorf("doom: %w", err)
	}
	entry.CloseFiles()

	fmt.Printf("doomed hash=%016x\n", h)
	return nil
}

func runSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	dir := fs.String("dir", "", "cache directory (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("-dir is required")
	}

	ops := fileops.NewLocal(*dir)
	if err := batch.SweepLeftoverDoomed(*dir, ops); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Printf("swept leftover doomed files in %s\n", *dir)
	return nil
}
