package syncentry

import (
	"fmt"
	"time"

	"simplecache.dev/entryformat"
	"simplecache.dev/filetracker"
	"simplecache.dev/fileops"
	"simplecache.dev/sparseindex"
)

// ensureSparseFileOpen lazily creates and registers the sparse subfile the
// first time sparse data is ever written to this entry.
func (e *Entry) ensureSparseFileOpen() error {
	if e.sparseOpen {
		return nil
	}
	path := e.FilenameForSubfile(filetracker.SubFileSparse)
	f, err := fileops.CreateWithRecovery(e.ops, path, e.dir)
	if err != nil {
		return fmt.Errorf("%w: create sparse file: %v", ErrFailed, err)
	}
	idx, ierr := sparseindex.Initialize(f, e.key)
	if ierr != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrFailed, ierr)
	}
	e.tracker.Register(e, filetracker.SubFileSparse, e.fileKey, f)
	e.sparseOpen = true
	e.sparseIdx = idx
	return nil
}

func (e *Entry) headerAndKeySize() int64 {
	return int64(entryformat.HeaderSize) + int64(len(e.key))
}

// WriteSparseData writes buf at logical offset offset into the sparse
// stream, creating the sparse file on first use. If the entry's sparse
// data would exceed maxSparseDataSize (ignored when <= 0), the whole
// sparse stream is truncated to empty first, matching the caller's cache
// eviction policy of dropping everything rather than partially trimming.
func (e *Entry) WriteSparseData(stat *Stat, offset int64, buf []byte, maxSparseDataSize int64) (int, error) {
	if err := e.ensureSparseFileOpen(); err != nil {
		e.Doom()
		return 0, err
	}

	handle, herr := e.tracker.Acquire(e, filetracker.SubFileSparse, e.fileKey.EntryHash, e.ops)
	if herr != nil || !handle.IsOK() {
		e.Doom()
		return 0, fmt.Errorf("%w: acquire sparse file: %v", ErrCacheWriteFailure, herr)
	}
	defer handle.Release()

	if maxSparseDataSize > 0 && stat.SparseDataSize+int64(len(buf)) > maxSparseDataSize {
		if err := e.sparseIdx.Truncate(handle.File(), e.headerAndKeySize()); err != nil {
			e.Doom()
			return 0, fmt.Errorf("%w: truncate sparse file: %v", ErrCacheWriteFailure, err)
		}
		stat.SparseDataSize = 0
	}

	appended, werr := e.sparseIdx.Write(handle.File(), offset, buf)
	if werr != nil {
		e.Doom()
		return 0, fmt.Errorf("%w: %v", ErrCacheWriteFailure, werr)
	}
	stat.SparseDataSize += appended

	now := time.Now()
	stat.LastUsed = now
	stat.LastModified = now
	return len(buf), nil
}

// ReadSparseData reads into buf starting at logical offset offset,
// stopping at the first gap in coverage; a short read (including zero
// bytes when no sparse file has ever been opened) is a valid success.
func (e *Entry) ReadSparseData(stat *Stat, offset int64, buf []byte) (int, error) {
	if !e.sparseOpen {
		return 0, nil
	}

	handle, herr := e.tracker.Acquire(e, filetracker.SubFileSparse, e.fileKey.EntryHash, e.ops)
	if herr != nil || !handle.IsOK() {
		return 0, fmt.Errorf("%w: acquire sparse file: %v", ErrCacheReadFailure, herr)
	}
	defer handle.Release()

	n, rerr := e.sparseIdx.Read(handle.File(), offset, buf)
	if rerr != nil {
		e.Doom()
		return n, fmt.Errorf("%w: %v", ErrCacheReadFailure, rerr)
	}
	stat.LastUsed = time.Now()
	return n, nil
}

// GetAvailableRange reports the longest contiguous run of sparse coverage
// beginning at or after offset and ending by offset+length.
func (e *Entry) GetAvailableRange(offset, length int64) (start, avail int64) {
	if e.sparseIdx == nil {
		return offset, 0
	}
	return e.sparseIdx.AvailableRange(offset, length)
}
