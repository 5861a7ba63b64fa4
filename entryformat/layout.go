package entryformat

// FileIndex identifies one of the up-to-three on-disk subfiles backing an
// entry: the two "normal" files and the sparse file. Stream 0 and stream 1
// both live in FileNormal0; stream 2 lives in FileNormal1.
type FileIndex int

const (
	FileNormal0 FileIndex = 0
	FileNormal1 FileIndex = 1
	FileSparse  FileIndex = 2
)

// FileIndexForStream returns the subfile a given stream index is stored
// in. Only streams 0, 1 and 2 are valid.
func FileIndexForStream(streamIndex int) FileIndex {
	if streamIndex == 2 {
		return FileNormal1
	}
	return FileNormal0
}

// Layout computes byte offsets and file sizes for a cache entry given the
// key length and the current size of each of its three streams. It is the
// Go equivalent of Chromium's SimpleEntryStat: a pure function of
// (key length, per-stream sizes), with no I/O of its own.
type Layout struct {
	KeyLength int
	DataSize  [3]int64 // current size of stream 0, 1, 2
}

// headerAndKeySize is sizeof(Header) + the raw key bytes that follow it.
func (l Layout) headerAndKeySize() int64 {
	return int64(HeaderSize) + int64(l.KeyLength)
}

// OffsetInFile returns the file offset of byte `offset` of stream
// streamIndex's payload. Stream 1 is laid out right after the header+key;
// stream 0 follows stream 1's payload and its footer.
func (l Layout) OffsetInFile(offset int64, streamIndex int) int64 {
	pos := l.headerAndKeySize() + offset
	if streamIndex == 0 {
		pos += l.DataSize[1] + int64(FooterSize)
	}
	return pos
}

// EOFOffsetInFile returns the file offset at which streamIndex's footer
// begins (immediately preceded by SHA-256(key) when streamIndex is 0).
func (l Layout) EOFOffsetInFile(streamIndex int) int64 {
	extra := int64(0)
	if streamIndex == 0 {
		extra = int64(KeyHashSize)
	}
	return extra + l.OffsetInFile(l.DataSize[streamIndex], streamIndex)
}

// LastEOFOffsetInFile returns the offset of the footer that sits at the
// very end of the file containing streamIndex. For stream 1 that is
// stream 0's footer, since stream 0 is written after stream 1 in file 0.
func (l Layout) LastEOFOffsetInFile(streamIndex int) int64 {
	if streamIndex == 1 {
		return l.EOFOffsetInFile(0)
	}
	return l.EOFOffsetInFile(streamIndex)
}

// FileSize returns the total size the given subfile should have once its
// streams and footers are all written. File 0 carries stream 1's footer
// plus SHA-256(key) plus stream 0's own footer; file 1 carries only
// stream 2's footer.
func (l Layout) FileSize(file FileIndex) int64 {
	var totalData int64
	if file == FileNormal0 {
		totalData = l.DataSize[0] + l.DataSize[1] + int64(KeyHashSize) + int64(FooterSize)
	} else {
		totalData = l.DataSize[2]
	}
	return l.headerAndKeySize() + totalData + int64(FooterSize)
}

// DataSizeFromFileSize inverts FileSize for stream 1, recovering its size
// from an observed file-0 size: the only stream sizing invariant that
// cannot be read directly off a footer, because stream 1 has none of its
// own disk-resident size field other than its footer's stream_size (which
// this function exists to avoid having to trust blindly on corrupt input).
func DataSizeFromFileSize(fileSize int64, keyLength int, stream0Size int64) int64 {
	return fileSize - int64(HeaderSize) - int64(keyLength) - 2*int64(FooterSize) - int64(KeyHashSize) - stream0Size
}
