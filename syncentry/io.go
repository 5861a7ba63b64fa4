package syncentry

import (
	"fmt"
	"time"

	"simplecache.dev/entryformat"
)

// ReadData reads buf_len bytes of stream streamIndex (1 or 2; stream 0's
// payload is always served from the prefetch returned by Open) at offset.
// crc, if non-nil, has the bytes actually read folded into it in place,
// for a caller maintaining a running checksum across sequential reads.
// If verifyEOF is true and the read reaches the stream's recorded end,
// the footer is read back and compared against *crc.
func (e *Entry) ReadData(stat *Stat, streamIndex int, offset int64, buf []byte, crc *uint32, verifyEOF bool) (int, error) {
	if streamIndex != 1 && streamIndex != 2 {
		return 0, fmt.Errorf("%w: ReadData on stream %d", ErrFailed, streamIndex)
	}
	if len(buf) == 0 {
		return 0, nil
	}
	fi := entryformat.FileIndexForStream(streamIndex)
	if e.emptyFileOmitted[fi] {
		return 0, fmt.Errorf("%w: stream %d has no backing file", ErrCacheReadFailure, streamIndex)
	}

	if e.headerAndKeyCheckNeeded[fi] {
		if err := e.verifyPendingHeader(fi); err != nil {
			e.Doom()
			return 0, err
		}
	}

	handle, herr := e.tracker.Acquire(e, subfileForFileIndex(fi), e.fileKey.EntryHash, e.ops)
	if herr != nil || !handle.IsOK() {
		return 0, fmt.Errorf("%w: acquire file: %v", ErrCacheReadFailure, herr)
	}
	defer handle.Release()

	layout := stat.layout(len(e.key))
	fileOffset := layout.OffsetInFile(offset, streamIndex)
	n, rerr := handle.File().ReadAt(buf, fileOffset)
	if rerr != nil {
		return n, fmt.Errorf("%w: %v", ErrCacheReadFailure, rerr)
	}
	stat.LastUsed = time.Now()

	if crc != nil {
		*crc = entryformat.UpdateCRC32(*crc, buf[:n])
	}

	if verifyEOF && offset+int64(n) >= stat.DataSize[streamIndex] {
		footer, ferr := getEOFRecordData(handle.File(), nil, int(fi), layout.EOFOffsetInFile(streamIndex))
		if ferr != nil {
			e.Doom()
			return n, ferr
		}
		if crc != nil && footer.HasCRC32() && footer.DataCRC32 != *crc {
			e.Doom()
			return n, ErrCacheChecksumMismatch
		}
	}

	return n, nil
}

// verifyPendingHeader performs a deferred header/key check, acquiring and
// releasing its own handle.
func (e *Entry) verifyPendingHeader(fi entryformat.FileIndex) error {
	handle, herr := e.tracker.Acquire(e, subfileForFileIndex(fi), e.fileKey.EntryHash, e.ops)
	if herr != nil || !handle.IsOK() {
		return fmt.Errorf("%w: acquire file: %v", ErrFailed, herr)
	}
	defer handle.Release()
	return e.checkHeaderAndKey(fi, handle.File())
}

// WriteData writes buf at offset in stream streamIndex (0, 1 or 2). doomed
// tells WriteData not to resurrect an entry whose backing file was
// omitted because it was already doomed by the time the write arrived.
// truncate forces the stream to end exactly at offset+len(buf); a
// zero-length write that does not extend the stream also cuts it to end
// at offset; otherwise the stream only ever grows. crc, if non-nil, is
// updated in place over the bytes written.
func (e *Entry) WriteData(stat *Stat, streamIndex int, offset int64, buf []byte, truncate bool, doomed bool, crc *uint32) (int, error) {
	if streamIndex < 0 || streamIndex > 2 {
		return 0, fmt.Errorf("%w: WriteData on stream %d", ErrFailed, streamIndex)
	}
	fi := entryformat.FileIndexForStream(streamIndex)

	if e.emptyFileOmitted[fi] {
		if doomed {
			return 0, ErrCacheWriteFailure
		}
		ok, cerr := e.maybeCreateFile(fi, true)
		if cerr != nil || !ok {
			e.Doom()
			return 0, fmt.Errorf("%w: create file: %v", ErrCacheWriteFailure, cerr)
		}
		if err := e.initializeCreatedFile(fi); err != nil {
			e.Doom()
			return 0, fmt.Errorf("%w: init file: %v", ErrCacheWriteFailure, err)
		}
	}

	if e.headerAndKeyCheckNeeded[fi] {
		if err := e.verifyPendingHeader(fi); err != nil {
			e.Doom()
			return 0, err
		}
	}

	handle, herr := e.tracker.Acquire(e, subfileForFileIndex(fi), e.fileKey.EntryHash, e.ops)
	if herr != nil || !handle.IsOK() {
		e.Doom()
		return 0, fmt.Errorf("%w: acquire file: %v", ErrCacheWriteFailure, herr)
	}
	defer handle.Release()

	layout := stat.layout(len(e.key))
	fileOffset := layout.OffsetInFile(offset, streamIndex)
	extending := offset+int64(len(buf)) > stat.DataSize[streamIndex]

	if extending {
		if err := handle.File().SetLength(layout.EOFOffsetInFile(streamIndex)); err != nil {
			e.Doom()
			return 0, fmt.Errorf("%w: extend: %v", ErrCacheWriteFailure, err)
		}
	}

	var n int
	if len(buf) > 0 {
		var werr error
		n, werr = handle.File().WriteAt(buf, fileOffset)
		if werr != nil {
			e.Doom()
			return n, fmt.Errorf("%w: %v", ErrCacheWriteFailure, werr)
		}
	}

	newSize := offset + int64(len(buf))
	switch {
	case truncate || (!extending && len(buf) == 0):
		if err := handle.File().SetLength(layout.OffsetInFile(newSize, streamIndex)); err != nil {
			e.Doom()
			return n, fmt.Errorf("%w: shrink: %v", ErrCacheWriteFailure, err)
		}
		stat.DataSize[streamIndex] = newSize
	case len(buf) > 0 && newSize > stat.DataSize[streamIndex]:
		stat.DataSize[streamIndex] = newSize
	}

	now := time.Now()
	stat.LastUsed = now
	stat.LastModified = now

	if crc != nil && n > 0 {
		*crc = entryformat.UpdateCRC32(*crc, buf[:n])
	}

	return n, nil
}

// CheckEOFRecord is a pure integrity probe: it reads streamIndex's footer
// and, if hasCRC is true, compares it against expectedCRC. It performs no
// payload I/O and does not doom the entry on mismatch; the caller decides
// what a failed probe means for a resumed read.
func (e *Entry) CheckEOFRecord(stat Stat, streamIndex int, expectedCRC uint32, hasCRC bool) error {
	fi := entryformat.FileIndexForStream(streamIndex)
	if e.emptyFileOmitted[fi] {
		return fmt.Errorf("%w: stream %d has no backing file", ErrCacheReadFailure, streamIndex)
	}
	handle, herr := e.tracker.Acquire(e, subfileForFileIndex(fi), e.fileKey.EntryHash, e.ops)
	if herr != nil || !handle.IsOK() {
		return fmt.Errorf("%w: acquire file: %v", ErrCacheChecksumReadFail, herr)
	}
	defer handle.Release()

	layout := stat.layout(len(e.key))
	footer, ferr := getEOFRecordData(handle.File(), nil, int(fi), layout.EOFOffsetInFile(streamIndex))
	if ferr != nil {
		return ferr
	}
	if hasCRC && footer.HasCRC32() && footer.DataCRC32 != expectedCRC {
		return ErrCacheChecksumMismatch
	}
	return nil
}
