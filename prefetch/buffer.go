// Package prefetch implements a read-once buffer over a byte range of a
// file, used to serve an entry's early small reads out of memory instead
// of making repeated small syscalls against the same few disk pages.
package prefetch

import "errors"

var errShortRead = errors.New("prefetch: short read")

// Buffer holds a single contiguous byte range pulled from a file, plus
// bookkeeping for how far back callers have actually asked for data. That
// bookkeeping is exported back to the caller (via DesiredTrailerSize) as
// a hint for how much trailer to prefetch on the next open of this same
// entry.
type Buffer struct {
	fileSize                int64
	data                    []byte
	offsetInFile            int64
	earliestRequestedOffset int64
}

// New returns an empty Buffer scoped to a file of the given size. Until
// Fill is called, HasData always reports false.
func New(fileSize int64) *Buffer {
	return &Buffer{fileSize: fileSize, earliestRequestedOffset: fileSize}
}

// Fill populates the buffer by copying length bytes starting at offset
// out of src. It can only be called once; a Buffer that already holds
// data rejects a second Fill.
func (b *Buffer) Fill(src []byte, offset, length int64) bool {
	if len(b.data) != 0 {
		return false
	}
	if int64(len(src)) < length {
		return false
	}
	b.data = append([]byte(nil), src[:length]...)
	b.offsetInFile = offset
	return true
}

// HasData reports whether [offset, offset+length) lies entirely within
// the buffered range. It always records offset as a data point for
// DesiredTrailerSize, even when it returns false.
func (b *Buffer) HasData(offset, length int64) bool {
	end := offset + length
	b.updateEarliestOffset(offset)
	return offset >= b.offsetInFile && end <= b.offsetInFile+int64(len(b.data))
}

// ReadData copies [offset, offset+length) into dest if and only if that
// range is entirely covered by the buffer; otherwise it copies nothing
// and returns false. A zero-length request always succeeds trivially.
func (b *Buffer) ReadData(offset, length int64, dest []byte) bool {
	if length == 0 {
		return true
	}
	if !b.HasData(offset, length) {
		return false
	}
	bufferOffset := offset - b.offsetInFile
	copy(dest, b.data[bufferOffset:bufferOffset+length])
	return true
}

func (b *Buffer) updateEarliestOffset(offset int64) {
	if offset < b.earliestRequestedOffset {
		b.earliestRequestedOffset = offset
	}
}

// DesiredTrailerSize returns how much trailing data (counted from the end
// of the file) has actually been requested via HasData/ReadData so far.
// Callers use this to size the prefetch on the next open of the entry.
func (b *Buffer) DesiredTrailerSize() int64 {
	return b.fileSize - b.earliestRequestedOffset
}

// Reader is the minimal capability ReadOrFetch needs from a file: a
// positional read. fileops.File satisfies it.
type Reader interface {
	ReadAt(buf []byte, offset int64) (int, error)
}

// ReadOrFetch serves a read for file 0 out of buf (which may be nil, for
// any other file index) when the requested range is fully covered, and
// falls back to reading directly from file otherwise. This is the single
// chokepoint every stream-0 read and footer check goes through, so a
// small early read and the footer check right after it can share one
// page of prefetched bytes instead of each paying their own syscall.
func ReadOrFetch(file Reader, buf *Buffer, fileIndex int, offset, length int64, dest []byte) error {
	if length == 0 {
		return nil
	}
	if fileIndex == 0 && buf != nil && buf.ReadData(offset, length, dest) {
		return nil
	}
	n, err := file.ReadAt(dest[:length], offset)
	if int64(n) != length {
		if err == nil {
			err = errShortRead
		}
		return err
	}
	return nil
}
