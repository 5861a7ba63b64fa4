// Package sparseindex implements the byte-addressable sparse stream: an
// ordered, gap-tolerant map from logical offset to a contiguous run of
// bytes stored in the sparse subfile, each run guarded by its own CRC32.
package sparseindex

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"simplecache.dev/entryformat"
	"simplecache.dev/fileops"
)

// LastCompatSparseVersion is the oldest on-disk sparse format version this
// package still accepts. Normal (non-sparse) files require an exact
// version match; sparse files tolerate a small compatible range because
// range headers are self-describing.
const LastCompatSparseVersion uint32 = 5

var (
	// ErrBadMagic means a header or range header's magic number did not
	// match, meaning the file is not a sparse stream file (or is corrupt).
	ErrBadMagic = errors.New("sparseindex: bad magic number")
	// ErrBadVersion means the sparse file's format version is outside the
	// range this package can read.
	ErrBadVersion = errors.New("sparseindex: unreadable version")
	// ErrCorruptRangeHeader means a range header was truncated mid-read.
	ErrCorruptRangeHeader = errors.New("sparseindex: truncated range header")
	// ErrCRCMismatch means a fully-covered range read back a different
	// checksum than the one recorded in its header.
	ErrCRCMismatch = errors.New("sparseindex: crc32 mismatch")
	// ErrShortIO means a read or write touched fewer bytes than requested.
	ErrShortIO = errors.New("sparseindex: short read or write")
)

// Range describes one contiguous run of sparse bytes: its logical
// position, length, the CRC32 of its bytes (0 means invalidated, do not
// verify), and where its payload begins in the backing file.
type Range struct {
	Offset     int64
	Length     int64
	DataCRC32  uint32
	FileOffset int64
}

// Index is the in-memory ordered map described in the format: for
// adjacent ranges a, b with a.Offset < b.Offset, a.Offset+a.Length <=
// b.Offset. Ranges never overlap; they may be disjoint.
type Index struct {
	ranges     []Range // sorted by Offset
	tailOffset int64
}

// New returns an index for a sparse file that has just had its header and
// key written, with nothing appended yet.
func New(headerAndKeySize int64) *Index {
	return &Index{tailOffset: headerAndKeySize}
}

// TailOffset is the file offset at which the next appended range begins.
func (idx *Index) TailOffset() int64 { return idx.tailOffset }

// DataSize returns the sum of every range's length, i.e. the total bytes
// of sparse payload currently stored (not counting headers).
func (idx *Index) DataSize() int32 {
	var total int64
	for _, r := range idx.ranges {
		total += r.Length
	}
	return int32(total)
}

// Ranges returns the ranges currently indexed, in ascending offset order.
// Callers must not mutate the returned slice.
func (idx *Index) Ranges() []Range { return idx.ranges }

// Initialize writes a fresh header and key to a new sparse file and
// returns an empty Index positioned right after them.
func Initialize(f fileops.File, key string) (*Index, error) {
	header := entryformat.Header{
		InitialMagic: entryformat.InitialMagic,
		Version:      entryformat.Version,
		KeyLength:    uint32(len(key)),
		KeyHash:      entryformat.KeyHash(key),
	}
	if _, err := f.WriteAt(header.Marshal(), 0); err != nil {
		return nil, fmt.Errorf("sparseindex: write header: %w", err)
	}
	if _, err := f.WriteAt([]byte(key), int64(entryformat.HeaderSize)); err != nil {
		return nil, fmt.Errorf("sparseindex: write key: %w", err)
	}
	return New(int64(entryformat.HeaderSize) + int64(len(key))), nil
}

// Scan rebuilds an Index by reading an existing sparse file's header and
// walking its range headers to the end of file.
func Scan(f fileops.File, keyLength int) (*Index, error) {
	hdrBuf := make([]byte, entryformat.HeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		return nil, fmt.Errorf("sparseindex: read header: %w", err)
	}
	hdr, err := entryformat.UnmarshalHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if hdr.InitialMagic != entryformat.InitialMagic {
		return nil, ErrBadMagic
	}
	if hdr.Version < LastCompatSparseVersion || hdr.Version > entryformat.Version {
		return nil, ErrBadVersion
	}

	idx := &Index{}
	offset := int64(entryformat.HeaderSize) + int64(keyLength)
	for {
		rangeHdrBuf := make([]byte, entryformat.SparseRangeHeaderSize)
		n, err := f.ReadAt(rangeHdrBuf, offset)
		if n == 0 && errors.Is(err, io.EOF) {
			break
		}
		if n != entryformat.SparseRangeHeaderSize {
			return nil, ErrCorruptRangeHeader
		}
		rh, err := entryformat.UnmarshalSparseRangeHeader(rangeHdrBuf)
		if err != nil {
			return nil, err
		}
		if rh.SparseMagic != entryformat.SparseMagic {
			return nil, ErrBadMagic
		}
		r := Range{
			Offset:     int64(rh.LogicalOffset),
			Length:     int64(rh.Length),
			DataCRC32:  rh.DataCRC32,
			FileOffset: offset + int64(entryformat.SparseRangeHeaderSize),
		}
		idx.ranges = append(idx.ranges, r)
		offset += int64(entryformat.SparseRangeHeaderSize) + r.Length
	}
	idx.tailOffset = offset
	return idx, nil
}

// Truncate resets f to header+key only, dropping every range.
func (idx *Index) Truncate(f fileops.File, headerAndKeySize int64) error {
	if err := f.SetLength(headerAndKeySize); err != nil {
		return fmt.Errorf("sparseindex: truncate: %w", err)
	}
	idx.ranges = nil
	idx.tailOffset = headerAndKeySize
	return nil
}

// lowerBound returns the index of the first range with Offset >= offset,
// or len(idx.ranges) if none.
func (idx *Index) lowerBound(offset int64) int {
	return sort.Search(len(idx.ranges), func(i int) bool {
		return idx.ranges[i].Offset >= offset
	})
}

// Read locates every range overlapping [offset, offset+len(buf)) in
// order, reading each into buf and verifying CRC32 when a read covers a
// range in full. It stops at the first gap; a short read is a valid
// success, matching the format's "return what's actually there" contract.
func (idx *Index) Read(f fileops.File, offset int64, buf []byte) (int, error) {
	bufLen := int64(len(buf))
	var readSoFar int64

	it := idx.lowerBound(offset)
	if it > 0 {
		found := idx.ranges[it-1]
		if found.Offset+found.Length > offset {
			netOffset := offset - found.Offset
			lenToRead := min64(bufLen, found.Length-netOffset)
			if err := readRange(f, found, netOffset, lenToRead, buf[:lenToRead]); err != nil {
				return 0, err
			}
			readSoFar += lenToRead
		}
	}

	for readSoFar < bufLen && it < len(idx.ranges) && idx.ranges[it].Offset == offset+readSoFar {
		found := idx.ranges[it]
		lenToRead := min64(bufLen-readSoFar, found.Length)
		if err := readRange(f, found, 0, lenToRead, buf[readSoFar:readSoFar+lenToRead]); err != nil {
			return 0, err
		}
		readSoFar += lenToRead
		it++
	}

	return int(readSoFar), nil
}

func readRange(f fileops.File, r Range, innerOffset, length int64, buf []byte) error {
	n, err := f.ReadAt(buf, r.FileOffset+innerOffset)
	if int64(n) < length {
		if err == nil {
			err = ErrShortIO
		}
		return fmt.Errorf("sparseindex: read range: %w", err)
	}
	if innerOffset == 0 && length == r.Length && r.DataCRC32 != 0 {
		if entryformat.CRC32(buf) != r.DataCRC32 {
			return ErrCRCMismatch
		}
	}
	return nil
}

// Write overwrites or extends the sparse stream at offset with buf,
// overlapping existing ranges in place and filling gaps with newly
// appended ranges. It returns the number of bytes actually appended
// (not including bytes that only overwrote an existing range), which the
// caller folds into sparse_data_size.
func (idx *Index) Write(f fileops.File, offset int64, buf []byte) (appended int64, err error) {
	bufLen := int64(len(buf))
	var writtenSoFar int64

	it := idx.lowerBound(offset)
	if it > 0 {
		found := idx.ranges[it-1]
		if found.Offset+found.Length > offset {
			netOffset := offset - found.Offset
			lenToWrite := min64(bufLen, found.Length-netOffset)
			if err := writeRange(f, &found, netOffset, lenToWrite, buf[:lenToWrite]); err != nil {
				return 0, err
			}
			idx.ranges[it-1] = found
			writtenSoFar += lenToWrite
		}
	}

	// it is re-read fresh from idx.ranges on every iteration (and after
	// every append) since appendRange may reallocate the backing slice,
	// which would leave a previously taken pointer or copy stale.
	for writtenSoFar < bufLen && it < len(idx.ranges) && idx.ranges[it].Offset < offset+bufLen {
		found := idx.ranges[it]
		if offset+writtenSoFar < found.Offset {
			lenToAppend := found.Offset - (offset + writtenSoFar)
			if err := idx.appendRange(f, offset+writtenSoFar, buf[writtenSoFar:writtenSoFar+lenToAppend]); err != nil {
				return 0, err
			}
			writtenSoFar += lenToAppend
			appended += lenToAppend
			it++ // the just-appended range was inserted in front of found
			found = idx.ranges[it]
		}
		lenToWrite := min64(bufLen-writtenSoFar, found.Length)
		if err := writeRange(f, &found, 0, lenToWrite, buf[writtenSoFar:writtenSoFar+lenToWrite]); err != nil {
			return 0, err
		}
		idx.ranges[it] = found
		writtenSoFar += lenToWrite
		it++
	}

	if writtenSoFar < bufLen {
		lenToAppend := bufLen - writtenSoFar
		if err := idx.appendRange(f, offset+writtenSoFar, buf[writtenSoFar:writtenSoFar+lenToAppend]); err != nil {
			return 0, err
		}
		writtenSoFar += lenToAppend
		appended += lenToAppend
	}

	return appended, nil
}

func writeRange(f fileops.File, r *Range, innerOffset, length int64, buf []byte) error {
	var newCRC uint32
	if innerOffset == 0 && length == r.Length {
		newCRC = entryformat.CRC32(buf)
	}
	if newCRC != r.DataCRC32 {
		r.DataCRC32 = newCRC
		header := entryformat.SparseRangeHeader{
			SparseMagic:   entryformat.SparseMagic,
			LogicalOffset: uint64(r.Offset),
			Length:        uint64(r.Length),
			DataCRC32:     r.DataCRC32,
		}
		if _, err := f.WriteAt(header.Marshal(), r.FileOffset-int64(entryformat.SparseRangeHeaderSize)); err != nil {
			return fmt.Errorf("sparseindex: rewrite range header: %w", err)
		}
	}
	n, err := f.WriteAt(buf, r.FileOffset+innerOffset)
	if int64(n) < length {
		if err == nil {
			err = ErrShortIO
		}
		return fmt.Errorf("sparseindex: write range: %w", err)
	}
	return nil
}

// appendRange writes a new <range-header|bytes> at the sparse file's
// tail and inserts the corresponding Range into the index, keeping
// idx.ranges sorted by Offset.
func (idx *Index) appendRange(f fileops.File, offset int64, buf []byte) error {
	crc := entryformat.CRC32(buf)
	header := entryformat.SparseRangeHeader{
		SparseMagic:   entryformat.SparseMagic,
		LogicalOffset: uint64(offset),
		Length:        uint64(len(buf)),
		DataCRC32:     crc,
	}
	if _, err := f.WriteAt(header.Marshal(), idx.tailOffset); err != nil {
		return fmt.Errorf("sparseindex: append range header: %w", err)
	}
	idx.tailOffset += int64(entryformat.SparseRangeHeaderSize)

	n, err := f.WriteAt(buf, idx.tailOffset)
	if n < len(buf) {
		if err == nil {
			err = ErrShortIO
		}
		return fmt.Errorf("sparseindex: append range data: %w", err)
	}
	r := Range{Offset: offset, Length: int64(len(buf)), DataCRC32: crc, FileOffset: idx.tailOffset}
	idx.tailOffset += int64(len(buf))

	at := idx.lowerBound(offset)
	idx.ranges = append(idx.ranges, Range{})
	copy(idx.ranges[at+1:], idx.ranges[at:])
	idx.ranges[at] = r
	return nil
}

// AvailableRange computes the longest run of contiguous coverage
// beginning at or after offset and ending by offset+length, returning
// the run's start and its available byte count.
func (idx *Index) AvailableRange(offset int64, length int64) (start int64, avail int64) {
	it := idx.lowerBound(offset)
	start = offset

	if it < len(idx.ranges) && idx.ranges[it].Offset < offset+length {
		start = idx.ranges[it].Offset
	}

	if (it == len(idx.ranges) || idx.ranges[it].Offset > offset) && it > 0 {
		prev := idx.ranges[it-1]
		if prev.Offset+prev.Length > offset {
			start = offset
			avail = (prev.Offset + prev.Length) - offset
		}
	}

	for start+avail < offset+length && it < len(idx.ranges) && idx.ranges[it].Offset == start+avail {
		avail += idx.ranges[it].Length
		it++
	}

	lenFromStart := length - (start - offset)
	if avail > lenFromStart {
		avail = lenFromStart
	}
	return start, avail
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
