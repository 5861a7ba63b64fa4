package syncentry

import (
	"path/filepath"

	"simplecache.dev/entryformat"
	"simplecache.dev/filetracker"
	"simplecache.dev/fileops"
)

// CRCRecord carries one stream's final size and checksum into Close.
// HasCRC32 is false when the caller never touched that stream this
// session (e.g. a stream that was only ever read, never written) and so
// never computed a checksum for it; Close then writes a footer with no
// checksum flag set.
type CRCRecord struct {
	StreamIndex int
	DataCRC32   uint32
	HasCRC32    bool
}

// CloseResult reports bookkeeping a caller may want to thread into the
// next Open of the same entry.
type CloseResult struct {
	EstimatedTrailerPrefetchSize int64
}

// Close commits stream 0's payload (already buffered in memory as
// stream0Data, since stream 0 is always written as a whole rather than
// incrementally) and every stream's footer to disk, then releases all of
// the entry's open subfiles. A write or footer failure dooms the entry
// rather than aborting Close outright, mirroring the "best effort, then
// mark broken" discipline the rest of the package uses for I/O errors.
func (e *Entry) Close(stat Stat, crcRecords []CRCRecord, stream0Data []byte) CloseResult {
	var result CloseResult
	layout := stat.layout(len(e.key))

	for idx := range crcRecords {
		rec := &crcRecords[idx]
		fi := entryformat.FileIndexForStream(rec.StreamIndex)
		if e.emptyFileOmitted[fi] {
			continue
		}

		handle, herr := e.tracker.Acquire(e, subfileForFileIndex(fi), e.fileKey.EntryHash, e.ops)
		if herr != nil || !handle.IsOK() {
			e.Doom()
			continue
		}

		if rec.StreamIndex == 0 {
			stream0Offset := layout.OffsetInFile(0, 0)
			if _, err := handle.File().WriteAt(stream0Data[:stat.DataSize[0]], stream0Offset); err != nil {
				e.Doom()
			}
			keyHash := entryformat.KeySHA256(e.key)
			if _, err := handle.File().WriteAt(keyHash[:], stream0Offset+stat.DataSize[0]); err != nil {
				e.Doom()
			}
			if !rec.HasCRC32 {
				rec.DataCRC32 = entryformat.CRC32(stream0Data[:stat.DataSize[0]])
				rec.HasCRC32 = true
			}
			result.EstimatedTrailerPrefetchSize = stat.DataSize[0] + int64(entryformat.KeyHashSize) + int64(entryformat.FooterSize)
		}

		footer := entryformat.Footer{
			StreamSize: uint32(stat.DataSize[rec.StreamIndex]),
			FinalMagic: entryformat.FinalMagic,
			DataCRC32:  rec.DataCRC32,
		}
		if rec.HasCRC32 {
			footer.Flags |= entryformat.FlagHasCRC32
		}
		if rec.StreamIndex == 0 {
			footer.Flags |= entryformat.FlagHasKeySHA256
		}

		eofOffset := layout.EOFOffsetInFile(rec.StreamIndex)
		if rec.StreamIndex == 0 {
			if err := handle.File().SetLength(eofOffset); err != nil {
				e.Doom()
				handle.Release()
				continue
			}
		}
		if _, err := handle.File().WriteAt(footer.Marshal(), eofOffset); err != nil {
			e.Doom()
		}
		handle.Release()
	}

	for i := 0; i < normalFileCount; i++ {
		fi := entryformat.FileIndex(i)
		if e.emptyFileOmitted[i] {
			continue
		}
		if e.headerAndKeyCheckNeeded[i] {
			handle, herr := e.tracker.Acquire(e, subfileForFileIndex(fi), e.fileKey.EntryHash, e.ops)
			if herr != nil || !handle.IsOK() {
				e.Doom()
			} else {
				if err := e.checkHeaderAndKey(fi, handle.File()); err != nil {
					e.Doom()
				}
				handle.Release()
			}
		}
		e.closeFile(fi)
	}

	if e.sparseOpen {
		e.closeSparseFile()
	}

	e.haveOpenFiles = false
	return result
}

// closeFile releases one normal subfile's tracked handle. A doomed entry
// also deletes the subfile outright, since a doomed entry's files exist
// only to be reaped and there is no reason to leave them for the sweep
// pass to find. An omitted file was never opened, so there is nothing
// to release; it simply clears its own omitted bit so a subsequent
// reinitialization of the same Entry value starts clean.
func (e *Entry) closeFile(file entryformat.FileIndex) {
	if e.emptyFileOmitted[file] {
		e.emptyFileOmitted[file] = false
		return
	}
	if e.fileKey.DoomGeneration != 0 {
		e.ops.Delete(e.FilenameForSubfile(subfileForFileIndex(file)))
	}
	e.tracker.Close(e, subfileForFileIndex(file), e.fileKey.EntryHash)
}

func (e *Entry) closeSparseFile() {
	if e.fileKey.DoomGeneration != 0 {
		e.ops.Delete(e.FilenameForSubfile(filetracker.SubFileSparse))
	}
	e.tracker.Close(e, filetracker.SubFileSparse, e.fileKey.EntryHash)
	e.sparseOpen = false
	e.sparseIdx = nil
}

// CloseFiles releases every subfile the entry currently has open without
// writing anything, used on an initialization failure where there is
// nothing worth committing.
func (e *Entry) CloseFiles() {
	if !e.haveOpenFiles {
		return
	}
	for i := 0; i < normalFileCount; i++ {
		e.closeFile(entryformat.FileIndex(i))
	}
	if e.sparseOpen {
		e.closeSparseFile()
	}
	e.haveOpenFiles = false
}

// DeleteEntryFiles removes every live-named subfile (normal and sparse)
// that could exist for entryHash, used when dooming an entry whose files
// were never opened (so no rename ever happened) and when a caller wants
// to forcibly evict a hash it knows only by its index record.
func DeleteEntryFiles(dir string, ops fileops.FileOps, entryHash uint64) error {
	var firstErr error
	key := filetracker.EntryFileKey{EntryHash: entryHash}
	for i := 0; i < normalFileCount; i++ {
		path := filepath.Join(dir, filenameFor(key, entryformat.FileIndex(i)))
		if err := ops.Delete(path); err != nil && !fileops.IsNotFound(err) && firstErr == nil {
			firstErr = err
		}
	}
	sparsePath := filepath.Join(dir, filenameFor(key, entryformat.FileSparse))
	if err := ops.Delete(sparsePath); err != nil && !fileops.IsNotFound(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// TruncateEntryFiles truncates every existing subfile for entryHash to
// zero length rather than deleting it, used by the eviction path when a
// backend prefers to reclaim space immediately without waiting for the
// unlink to be reflected in disk usage accounting.
func TruncateEntryFiles(dir string, ops fileops.FileOps, entryHash uint64) error {
	var firstErr error
	key := filetracker.EntryFileKey{EntryHash: entryHash}
	paths := []string{
		filepath.Join(dir, filenameFor(key, entryformat.FileNormal0)),
		filepath.Join(dir, filenameFor(key, entryformat.FileNormal1)),
		filepath.Join(dir, filenameFor(key, entryformat.FileSparse)),
	}
	for _, path := range paths {
		f, err := ops.Open(path)
		if err != nil {
			if !fileops.IsNotFound(err) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		// Punching a hole over the whole file is a best-effort immediate
		// reclaim on platforms that support it; SetLength(0) below runs
		// regardless, since punch support is filesystem-dependent and a
		// truncate to zero is what actually guarantees the space is freed.
		if size, serr := f.Size(); serr == nil && size > 0 {
			fileops.TryPunchHole(f, 0, size)
		}
		if err := f.SetLength(0); err != nil && firstErr == nil {
			firstErr = err
		}
		f.Close()
	}
	return firstErr
}
