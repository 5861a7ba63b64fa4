package syncentry

import (
	"bytes"
	"fmt"
	"path/filepath"
	"time"

	"simplecache.dev/entryformat"
	"simplecache.dev/fileops"
	"simplecache.dev/filetracker"
	"simplecache.dev/prefetch"
	"simplecache.dev/sparseindex"
)

// Open opens an existing cache entry identified by entryHash. key may be
// empty with keyKnown false when the caller reached this entry through
// an iterator rather than a key lookup; in that case the key is read out
// of file 0's header and returned via the entry's Key method.
// trailerPrefetchSize is the caller's hint (typically the previous
// Close's EstimatedTrailerPrefetchSize or the previous Open's
// ComputedTrailerPrefetchSize) for how much trailer to pull in one read;
// 0 means no hint.
func Open(dir string, ops fileops.FileOps, tracker *filetracker.Tracker, key string, keyKnown bool, entryHash uint64, trailerPrefetchSize int64) (*Entry, Stat, [2]StreamPrefetch, error) {
	e := newEntry(dir, ops, tracker, entryHash, trailerPrefetchSize)
	e.key = key
	e.keyKnown = keyKnown

	stat, sp, err := e.initializeForOpen()
	if err != nil {
		e.Doom()
		e.CloseFiles()
		return nil, Stat{}, [2]StreamPrefetch{}, err
	}
	return e, stat, sp, nil
}

func (e *Entry) initializeForOpen() (stat Stat, sp [2]StreamPrefetch, err error) {
	fileSize, lastUsed, lastModified, err := e.openFiles()
	if err != nil {
		return stat, sp, fmt.Errorf("%w: open files: %v", ErrFailed, err)
	}
	stat.LastUsed = lastUsed
	stat.LastModified = lastModified

	for i := 0; i < normalFileCount; i++ {
		fi := entryformat.FileIndex(i)
		if e.emptyFileOmitted[i] {
			continue
		}

		if !e.keyKnown {
			// Opened via the iterator interface: we don't know the key yet,
			// so we must read and validate the header right now instead of
			// deferring it, since SimpleEntryImpl needs GetKey() to work
			// immediately.
			handle, herr := e.tracker.Acquire(e, subfileForFileIndex(fi), e.fileKey.EntryHash, e.ops)
			if herr != nil || !handle.IsOK() {
				return stat, sp, ErrFailed
			}
			cerr := e.checkHeaderAndKey(fi, handle.File())
			handle.Release()
			if cerr != nil {
				return stat, sp, cerr
			}
		} else {
			e.headerAndKeyCheckNeeded[i] = true
		}

		if i == int(entryformat.FileNormal0) {
			handle, herr := e.tracker.Acquire(e, subfileForFileIndex(fi), e.fileKey.EntryHash, e.ops)
			if herr != nil || !handle.IsOK() {
				return stat, sp, ErrFailed
			}
			p0, p1, rerr := e.readAndValidateStream0AndMaybe1(handle.File(), fileSize[i], &stat)
			handle.Release()
			if rerr != nil {
				return stat, sp, rerr
			}
			sp[0], sp[1] = p0, p1
			continue
		}

		// File 1 carries stream 2 alone; its size can be read straight off
		// the file length, then confirmed against its own footer.
		stream2Size := fileSize[i] - int64(entryformat.HeaderSize) - int64(len(e.key)) - int64(entryformat.FooterSize)
		validationFailed := stream2Size < 0
		if stream2Size > 0 {
			handle, herr := e.tracker.Acquire(e, subfileForFileIndex(fi), e.fileKey.EntryHash, e.ops)
			if herr != nil || !handle.IsOK() {
				return stat, sp, ErrFailed
			}
			layout := entryformat.Layout{KeyLength: len(e.key), DataSize: [3]int64{0, 0, stream2Size}}
			_, ferr := getEOFRecordData(handle.File(), nil, i, layout.EOFOffsetInFile(2))
			handle.Release()
			if ferr != nil {
				validationFailed = true
			}
		}
		if validationFailed {
			// Stream 2 is broken; treat it as empty so it gets deleted
			// below. This preserves the rest of the entry (stream 0/1) even
			// if only the stream-2 payload was corrupted.
			stat.DataSize[2] = 0
		} else {
			stat.DataSize[2] = stream2Size
		}
	}

	sparseSize, serr := e.openSparseFileIfExists()
	if serr != nil {
		return stat, sp, fmt.Errorf("%w: sparse open: %v", ErrFailed, serr)
	}
	stat.SparseDataSize = sparseSize

	if !e.emptyFileOmitted[entryformat.FileNormal1] && stat.DataSize[2] == 0 {
		e.closeFile(entryformat.FileNormal1)
		e.ops.Delete(filepath.Join(e.dir, filenameFor(e.fileKey, entryformat.FileNormal1)))
		e.emptyFileOmitted[entryformat.FileNormal1] = true
	}

	e.initialized = true
	return stat, sp, nil
}

// maybeOpenFile opens subfile `file` if present. A missing, omittable
// file (file 1, stream 2) is not an error: it is recorded as omitted and
// ok is still true.
func (e *Entry) maybeOpenFile(file entryformat.FileIndex) (ok bool, err error) {
	path := e.FilenameForSubfile(subfileForFileIndex(file))
	f, oerr := e.ops.Open(path)
	if oerr != nil {
		if canOmitEmptyFile(file) && fileops.IsNotFound(oerr) {
			e.emptyFileOmitted[file] = true
			return true, nil
		}
		return false, oerr
	}
	e.tracker.Register(e, subfileForFileIndex(file), e.fileKey, f)
	return true, nil
}

// openFiles opens both normal subfiles (closing whatever it already
// opened if either fails) and reads back each open file's current size
// and timestamps.
func (e *Entry) openFiles() (fileSize [normalFileCount]int64, lastUsed, lastModified time.Time, err error) {
	var opened []entryformat.FileIndex
	for i := 0; i < normalFileCount; i++ {
		fi := entryformat.FileIndex(i)
		ok, oerr := e.maybeOpenFile(fi)
		if oerr != nil || !ok {
			for _, prev := range opened {
				e.closeFile(prev)
			}
			if oerr == nil {
				oerr = ErrFailed
			}
			return fileSize, lastUsed, lastModified, oerr
		}
		opened = append(opened, fi)
	}
	e.haveOpenFiles = true

	for i := 0; i < normalFileCount; i++ {
		fi := entryformat.FileIndex(i)
		if e.emptyFileOmitted[i] {
			continue
		}
		handle, herr := e.tracker.Acquire(e, subfileForFileIndex(fi), e.fileKey.EntryHash, e.ops)
		if herr != nil || !handle.IsOK() {
			continue
		}
		size, serr := handle.File().Size()
		handle.Release()
		if serr != nil {
			continue
		}
		fileSize[i] = size

		if st, serr := e.ops.Stat(e.FilenameForSubfile(subfileForFileIndex(fi))); serr == nil {
			lastModified = st.ModTime()
			lastUsed = st.ModTime()
		}
	}
	return fileSize, lastUsed, lastModified, nil
}

// checkHeaderAndKey reads file's header and key bytes, validates the
// magic number, version and key_hash, and either records the key (if
// previously unknown) or confirms it matches. Once it succeeds, file's
// header_and_key_check_needed flag is cleared.
func (e *Entry) checkHeaderAndKey(file entryformat.FileIndex, f fileops.File) error {
	hdrBuf := make([]byte, entryformat.HeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		return fmt.Errorf("%w: read header: %v", ErrFailed, err)
	}
	hdr, err := entryformat.UnmarshalHeader(hdrBuf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if hdr.InitialMagic != entryformat.InitialMagic {
		return fmt.Errorf("%w: bad magic number", ErrFailed)
	}
	if hdr.Version != entryformat.Version {
		return fmt.Errorf("%w: bad version", ErrFailed)
	}

	keyBuf := make([]byte, hdr.KeyLength)
	if len(keyBuf) > 0 {
		if _, err := f.ReadAt(keyBuf, int64(entryformat.HeaderSize)); err != nil {
			return fmt.Errorf("%w: read key: %v", ErrFailed, err)
		}
	}
	if entryformat.KeyHash(string(keyBuf)) != hdr.KeyHash {
		return fmt.Errorf("%w: key hash mismatch", ErrFailed)
	}

	keyFromHeader := string(keyBuf)
	if !e.keyKnown {
		e.key = keyFromHeader
		e.keyKnown = true
	} else if e.key != keyFromHeader {
		return fmt.Errorf("%w: key mismatch", ErrFailed)
	}

	e.headerAndKeyCheckNeeded[file] = false
	return nil
}

// getEOFRecordData reads and validates the footer at fileOffset, serving
// the read from buf when possible.
func getEOFRecordData(f fileops.File, buf *prefetch.Buffer, fileIndex int, fileOffset int64) (entryformat.Footer, error) {
	raw := make([]byte, entryformat.FooterSize)
	if err := prefetch.ReadOrFetch(f, buf, fileIndex, fileOffset, int64(entryformat.FooterSize), raw); err != nil {
		return entryformat.Footer{}, fmt.Errorf("%w: %v", ErrCacheChecksumReadFail, err)
	}
	footer, err := entryformat.UnmarshalFooter(raw)
	if err != nil {
		return entryformat.Footer{}, fmt.Errorf("%w: %v", ErrCacheChecksumReadFail, err)
	}
	if footer.FinalMagic != entryformat.FinalMagic {
		return entryformat.Footer{}, ErrCacheChecksumReadFail
	}
	return footer, nil
}

// preReadStreamPayload pulls a stream's payload (plus extraSize trailing
// bytes, used for the SHA-256(key) that follows stream 0) into memory
// and verifies it against footer's CRC32 when present.
func preReadStreamPayload(f fileops.File, buf *prefetch.Buffer, streamIndex int, extraSize int64, layout entryformat.Layout, footer entryformat.Footer) (StreamPrefetch, error) {
	streamSize := layout.DataSize[streamIndex]
	readSize := streamSize + extraSize
	data := make([]byte, readSize)
	fileOffset := layout.OffsetInFile(0, streamIndex)
	if err := prefetch.ReadOrFetch(f, buf, 0, fileOffset, readSize, data); err != nil {
		return StreamPrefetch{}, fmt.Errorf("%w: %v", ErrFailed, err)
	}

	crc := entryformat.CRC32(data[:streamSize])
	if footer.HasCRC32() && footer.DataCRC32 != crc {
		return StreamPrefetch{}, ErrCacheChecksumMismatch
	}
	return StreamPrefetch{Data: data, CRC32: crc}, nil
}

// readAndValidateStream0AndMaybe1 prefetches file 0 (fully or just its
// trailer, per the configured thresholds), reads and validates stream
// 0's footer and payload, derives stream 1's size from the arithmetic
// relationship between the two streams and the file's total size, and
// opportunistically validates stream 1 too when it already landed in
// the prefetch window.
func (e *Entry) readAndValidateStream0AndMaybe1(f fileops.File, fileSize int64, stat *Stat) (prefetch0, prefetch1 StreamPrefetch, err error) {
	buf := prefetch.New(fileSize)

	switch {
	case fileSize <= FullPrefetchSize:
		data := make([]byte, fileSize)
		if n, rerr := f.ReadAt(data, 0); int64(n) != fileSize {
			if rerr == nil {
				rerr = ErrFailed
			}
			return prefetch0, prefetch1, fmt.Errorf("%w: prefetch file: %v", ErrFailed, rerr)
		}
		buf.Fill(data, 0, fileSize)
	case e.trailerPrefetchSize > 0:
		length := e.trailerPrefetchSize
		if length > fileSize {
			length = fileSize
		}
		offset := fileSize - length
		data := make([]byte, length)
		if n, rerr := f.ReadAt(data, offset); int64(n) != length {
			if rerr == nil {
				rerr = ErrFailed
			}
			return prefetch0, prefetch1, fmt.Errorf("%w: prefetch trailer: %v", ErrFailed, rerr)
		}
		buf.Fill(data, offset, length)
	}

	stream0EOFOffset := fileSize - int64(entryformat.FooterSize)
	stream0Footer, ferr := getEOFRecordData(f, buf, 0, stream0EOFOffset)
	if ferr != nil {
		return prefetch0, prefetch1, ferr
	}

	stream0Size := int64(stream0Footer.StreamSize)
	if stream0Size < 0 || stream0Size > fileSize {
		return prefetch0, prefetch1, ErrFailed
	}
	stat.DataSize[0] = stream0Size

	hasKeySHA256 := stream0Footer.HasKeySHA256()
	var extra int64
	if hasKeySHA256 {
		extra = int64(entryformat.KeyHashSize)
	}

	stream1Size := fileSize - 2*int64(entryformat.FooterSize) - stream0Size - int64(entryformat.HeaderSize) - int64(len(e.key)) - extra
	if stream1Size < 0 || stream1Size > fileSize {
		return prefetch0, prefetch1, ErrFailed
	}
	stat.DataSize[1] = stream1Size

	layout := entryformat.Layout{KeyLength: len(e.key), DataSize: [3]int64{stream0Size, stream1Size, 0}}
	prefetch0, err = preReadStreamPayload(f, buf, 0, extra, layout, stream0Footer)
	if err != nil {
		return prefetch0, prefetch1, err
	}

	// Note the exact trailer range actually consumed, so the caller can
	// feed it back in as trailerPrefetchSize on the next Open.
	e.computedTrailerPrefetchSize = buf.DesiredTrailerSize()

	stream1Offset := layout.OffsetInFile(0, 1)
	stream1ReadSize := int64(entryformat.FooterSize) + stream1Size
	if hasKeySHA256 && buf.HasData(stream1Offset, stream1ReadSize) {
		stream1EOFOffset := layout.EOFOffsetInFile(1)
		stream1Footer, ferr := getEOFRecordData(f, buf, 0, stream1EOFOffset)
		if ferr != nil {
			return prefetch0, prefetch1, ferr
		}
		prefetch1, err = preReadStreamPayload(f, buf, 1, 0, layout, stream1Footer)
		if err != nil {
			return prefetch0, prefetch1, err
		}
	}

	if hasKeySHA256 {
		want := entryformat.KeySHA256(e.key)
		got := prefetch0.Data[stream0Size:]
		if !bytes.Equal(got, want[:]) {
			return prefetch0, prefetch1, ErrCacheChecksumMismatch
		}
		prefetch0.Data = prefetch0.Data[:stream0Size]
		e.headerAndKeyCheckNeeded[entryformat.FileNormal0] = false
	} else if e.headerAndKeyCheckNeeded[entryformat.FileNormal0] {
		// Best-effort: mirrors the original's fire-and-forget header check
		// here, whose failure is not itself fatal to the open (a later
		// read or write will doom the entry if the header is truly bad).
		e.checkHeaderAndKey(entryformat.FileNormal0, f)
	}

	return prefetch0, prefetch1, nil
}

// openSparseFileIfExists opens and scans the sparse subfile if it is
// present. A missing sparse file is not an error: the entry simply has
// no sparse data yet.
func (e *Entry) openSparseFileIfExists() (sparseDataSize int64, err error) {
	path := filepath.Join(e.dir, filenameFor(e.fileKey, entryformat.FileSparse))
	f, oerr := e.ops.Open(path)
	if oerr != nil {
		if fileops.IsNotFound(oerr) {
			return 0, nil
		}
		return 0, oerr
	}
	idx, serr := sparseindex.Scan(f, len(e.key))
	if serr != nil {
		f.Close()
		return 0, serr
	}
	e.tracker.Register(e, filetracker.SubFileSparse, e.fileKey, f)
	e.sparseOpen = true
	e.sparseIdx = idx
	return int64(idx.DataSize()), nil
}
