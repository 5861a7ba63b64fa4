// Package syncentry implements the synchronous half of a single cache
// entry: the state machine that lays streams out within up to three
// on-disk subfiles, maintains header/footer/CRC invariants, and performs
// the open/create/read/write/doom/close protocol described by the
// on-disk format in entryformat. It talks to the filesystem only through
// fileops, borrows file descriptors only through filetracker, and
// delegates the sparse stream entirely to sparseindex. Every exported
// method here is meant to run to completion on a single goroutine; an
// async façade above this package is responsible for serializing calls
// to a given Entry and for fanning different entries out across threads.
package syncentry

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"simplecache.dev/entryformat"
	"simplecache.dev/filetracker"
	"simplecache.dev/fileops"
	"simplecache.dev/sparseindex"
)

// Sentinel errors surfaced to callers, matching the taxonomy in the
// on-disk format's error handling design: transient I/O and integrity
// failures both doom the entry, semantic precondition failures do not.
var (
	ErrFailed                = errors.New("syncentry: failed")
	ErrFileExists            = errors.New("syncentry: file already exists")
	ErrCacheReadFailure      = errors.New("syncentry: cache read failure")
	ErrCacheWriteFailure     = errors.New("syncentry: cache write failure")
	ErrCacheChecksumReadFail = errors.New("syncentry: checksum read failure")
	ErrCacheChecksumMismatch = errors.New("syncentry: checksum mismatch")
)

// FullPrefetchSize is the file-size threshold at or below which Open
// prefetches the entire file in one read instead of just a trailer.
// TrailerPrefetchSize is a default trailer hint a caller with no better
// one can pass as Open's trailerPrefetchSize; Open itself never falls back
// to it, and with a hint of 0 it prefetches only files no larger than
// FullPrefetchSize. Both mirror Chromium's field-trial
// tunable full/trailer prefetch sizes; here they are plain package
// variables a caller can override before opening entries.
var (
	FullPrefetchSize    int64 = 16 * 1024
	TrailerPrefetchSize int64 = 4 * 1024
)

const normalFileCount = 2 // file 0 (streams 0+1) and file 1 (stream 2)

// Stat mirrors Chromium's SimpleEntryStat: the sizes and timestamps an
// entry carries in memory, source of truth until Close commits them to
// disk via footers.
type Stat struct {
	DataSize       [3]int64
	SparseDataSize int64
	LastUsed       time.Time
	LastModified   time.Time
}

// layout derives the pure offset arithmetic for the current stat, given
// the entry's key length.
func (s Stat) layout(keyLength int) entryformat.Layout {
	return entryformat.Layout{KeyLength: keyLength, DataSize: s.DataSize}
}

// StreamPrefetch holds a stream's payload pulled into memory during
// Open, plus the CRC32 actually computed over it, so a caller that
// trusts the prefetch doesn't need to re-read the stream to checksum it
// later.
type StreamPrefetch struct {
	Data  []byte
	CRC32 uint32
}

// Entry is one open cache entry: its identity (key, hash, doom
// generation), the bookkeeping the state machine needs to lazily create
// or validate its subfiles, and the sparse index if the sparse file has
// ever been opened.
type Entry struct {
	dir     string
	ops     fileops.FileOps
	tracker *filetracker.Tracker

	key      string
	keyKnown bool
	fileKey  filetracker.EntryFileKey

	trailerPrefetchSize         int64
	computedTrailerPrefetchSize int64

	emptyFileOmitted        [normalFileCount]bool
	headerAndKeyCheckNeeded [normalFileCount]bool

	sparseOpen bool
	sparseIdx  *sparseindex.Index

	haveOpenFiles bool
	initialized   bool
}

func newEntry(dir string, ops fileops.FileOps, tracker *filetracker.Tracker, entryHash uint64, trailerPrefetchSize int64) *Entry {
	return &Entry{
		dir:                 dir,
		ops:                 ops,
		tracker:             tracker,
		fileKey:             filetracker.EntryFileKey{EntryHash: entryHash},
		trailerPrefetchSize: trailerPrefetchSize,
	}
}

// Key returns the entry's key. It is only valid once the entry is known
// (always true after Create; true after Open unless the header read
// itself failed).
func (e *Entry) Key() string { return e.key }

// EntryHash returns the 64-bit hash fixing this entry's on-disk names.
func (e *Entry) EntryHash() uint64 { return e.fileKey.EntryHash }

// IsDoomed reports whether this entry has been doomed, i.e. its files
// have been renamed to the todelete_<gen>_ form.
func (e *Entry) IsDoomed() bool { return e.fileKey.DoomGeneration != 0 }

// ComputedTrailerPrefetchSize is the exact trailer byte count Open
// actually needed to read stream 0's footer, payload and key hash; a
// caller feeds this back as trailerPrefetchSize on the next Open of the
// same entry to make prefetch self-tuning.
func (e *Entry) ComputedTrailerPrefetchSize() int64 { return e.computedTrailerPrefetchSize }

// FilenameForSubfile implements filetracker.Owner: it derives the
// on-disk path for subfile from the entry's *current* doom generation,
// so a file reopened by the tracker after a Doom targets the renamed
// file rather than the stale pre-doom name.
func (e *Entry) FilenameForSubfile(subfile filetracker.SubFile) string {
	return filepath.Join(e.dir, filenameFor(e.fileKey, fileIndexForSubfile(subfile)))
}

func fileIndexForSubfile(subfile filetracker.SubFile) entryformat.FileIndex {
	return entryformat.FileIndex(subfile)
}

func subfileForFileIndex(file entryformat.FileIndex) filetracker.SubFile {
	return filetracker.SubFile(file)
}

// canOmitEmptyFile reports whether file may legitimately not exist on
// disk when its stream is empty. Only file 1 (stream 2) may be omitted;
// file 0 always carries streams 0 and 1, at least one of which is always
// present (even if both are empty, file 0's header+footers still exist).
func canOmitEmptyFile(file entryformat.FileIndex) bool {
	return file == entryformat.FileNormal1
}

// filenameFor derives the ASCII on-disk basename for one of an entry's
// subfiles, honoring the doomed-rename convention once doom_generation
// is nonzero.
func filenameFor(key filetracker.EntryFileKey, file entryformat.FileIndex) string {
	base := baseFilename(key.EntryHash, file)
	if key.DoomGeneration != 0 {
		return fmt.Sprintf("todelete_%d_%s", key.DoomGeneration, base)
	}
	return base
}

func baseFilename(entryHash uint64, file entryformat.FileIndex) string {
	if file == entryformat.FileSparse {
		return fmt.Sprintf("%016x_s", entryHash)
	}
	return fmt.Sprintf("%016x_%d", entryHash, int(file))
}
