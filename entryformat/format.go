// Package entryformat defines the on-disk byte layouts shared by every
// subfile of a cache entry: the per-file header, the per-stream EOF footer,
// and the sparse-stream range header. It also carries the checksum and
// hashing helpers (CRC32, SHA-256, key_hash) and the stream-sizing
// arithmetic derived from those layouts.
//
// All layouts are little-endian and packed, with no padding between
// fields, so they are marshaled by hand with encoding/binary rather than
// via unsafe struct overlay.
package entryformat

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

// Magic numbers are fixed 64-bit constants, version-neutral by contract:
// they must never change even as Version does.
const (
	InitialMagic uint64 = 0xfcfb6d1ba7725c30
	FinalMagic   uint64 = 0xf4fa6f45970d41d8
	SparseMagic  uint64 = 0xeb97bf016553676b
)

// Version is the on-disk format version this package reads and writes.
const Version uint32 = 5

// Footer flag bits.
const (
	FlagHasCRC32     uint32 = 1 << 0
	FlagHasKeySHA256 uint32 = 1 << 1
)

// KeyHashSize is the length in bytes of SHA-256(key) as stored after
// stream 0's payload.
const KeyHashSize = sha256.Size

// HeaderSize, FooterSize and SparseRangeHeaderSize are the packed,
// padding-free sizes of the three structs below.
const (
	HeaderSize            = 8 + 4 + 4 + 4 // initial_magic, version, key_length, key_hash
	FooterSize            = 4 + 4 + 4 + 8 // stream_size, flags, data_crc32, final_magic
	SparseRangeHeaderSize = 8 + 8 + 8 + 4 // sparse_magic, logical_offset, length, data_crc32
)

// Header is written once at create, immediately followed by the raw key
// bytes.
type Header struct {
	InitialMagic uint64
	Version      uint32
	KeyLength    uint32
	KeyHash      uint32
}

// Marshal encodes h into a freshly allocated HeaderSize-byte slice.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.InitialMagic)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.KeyLength)
	binary.LittleEndian.PutUint32(buf[16:20], h.KeyHash)
	return buf
}

// UnmarshalHeader decodes a HeaderSize-byte slice. It does not validate
// the magic number or version; callers check those explicitly so they can
// attribute the right error kind.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("entryformat: short header, got %d want %d", len(buf), HeaderSize)
	}
	return Header{
		InitialMagic: binary.LittleEndian.Uint64(buf[0:8]),
		Version:      binary.LittleEndian.Uint32(buf[8:12]),
		KeyLength:    binary.LittleEndian.Uint32(buf[12:16]),
		KeyHash:      binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// Footer is written once per stream, at the tail of the stream's bytes.
type Footer struct {
	StreamSize uint32
	Flags      uint32
	DataCRC32  uint32
	FinalMagic uint64
}

// HasCRC32 reports whether f carries a verifiable payload checksum.
func (f Footer) HasCRC32() bool { return f.Flags&FlagHasCRC32 != 0 }

// HasKeySHA256 reports whether f is immediately preceded on disk by
// SHA-256(key). Only stream 0's footer ever sets this.
func (f Footer) HasKeySHA256() bool { return f.Flags&FlagHasKeySHA256 != 0 }

// Marshal encodes f into a freshly allocated FooterSize-byte slice.
func (f Footer) Marshal() []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.StreamSize)
	binary.LittleEndian.PutUint32(buf[4:8], f.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], f.DataCRC32)
	binary.LittleEndian.PutUint64(buf[12:20], f.FinalMagic)
	return buf
}

// UnmarshalFooter decodes a FooterSize-byte slice.
func UnmarshalFooter(buf []byte) (Footer, error) {
	if len(buf) < FooterSize {
		return Footer{}, fmt.Errorf("entryformat: short footer, got %d want %d", len(buf), FooterSize)
	}
	return Footer{
		StreamSize: binary.LittleEndian.Uint32(buf[0:4]),
		Flags:      binary.LittleEndian.Uint32(buf[4:8]),
		DataCRC32:  binary.LittleEndian.Uint32(buf[8:12]),
		FinalMagic: binary.LittleEndian.Uint64(buf[12:20]),
	}, nil
}

// SparseRangeHeader precedes each contiguous run of sparse-stream bytes.
type SparseRangeHeader struct {
	SparseMagic   uint64
	LogicalOffset uint64
	Length        uint64
	DataCRC32     uint32 // 0 means "invalidated: do not verify on read"
}

// Marshal encodes h into a freshly allocated SparseRangeHeaderSize-byte
// slice.
func (h SparseRangeHeader) Marshal() []byte {
	buf := make([]byte, SparseRangeHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.SparseMagic)
	binary.LittleEndian.PutUint64(buf[8:16], h.LogicalOffset)
	binary.LittleEndian.PutUint64(buf[16:24], h.Length)
	binary.LittleEndian.PutUint32(buf[24:28], h.DataCRC32)
	return buf
}

// UnmarshalSparseRangeHeader decodes a SparseRangeHeaderSize-byte slice.
func UnmarshalSparseRangeHeader(buf []byte) (SparseRangeHeader, error) {
	if len(buf) < SparseRangeHeaderSize {
		return SparseRangeHeader{}, fmt.Errorf("entryformat: short sparse range header, got %d want %d", len(buf), SparseRangeHeaderSize)
	}
	return SparseRangeHeader{
		SparseMagic:   binary.LittleEndian.Uint64(buf[0:8]),
		LogicalOffset: binary.LittleEndian.Uint64(buf[8:16]),
		Length:        binary.LittleEndian.Uint64(buf[16:24]),
		DataCRC32:     binary.LittleEndian.Uint32(buf[24:28]),
	}, nil
}

// CRC32 returns the IEEE (zlib-compatible) checksum of b, computed over
// payload bytes only; headers and footers are never folded in.
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// UpdateCRC32 folds b into a running CRC32, matching the streaming
// checksum callers maintain across sequential WriteData/ReadData calls.
func UpdateCRC32(running uint32, b []byte) uint32 {
	return crc32.Update(running, crc32.IEEETable, b)
}

// NormalizeCRC32 maps a real CRC32 of value 0 to a non-zero stand-in, so
// that 0 can keep its reserved meaning as the sparse-range "invalidated"
// sentinel. A fresh, never-written CRC and an invalidated CRC are both 0;
// this keeps them distinguishable from a genuinely computed checksum that
// happens to land on 0.
func NormalizeCRC32(crc uint32) uint32 {
	if crc == 0 {
		return crc32.ChecksumIEEE([]byte{0})
	}
	return crc
}

// KeySHA256 returns SHA-256(key), stored after stream 0's payload when the
// footer's HAS_KEY_SHA256 bit is set.
func KeySHA256(key string) [KeyHashSize]byte {
	return sha256.Sum256([]byte(key))
}

// KeyHash returns the fast, non-cryptographic 32-bit hash stored in the
// header for an integrity cross-check only; it is never relied on for key
// equality. xxhash stands in for Chromium's internal persistent hash: both
// are fast, non-cryptographic, and used purely as a corruption tripwire.
func KeyHash(key string) uint32 {
	return uint32(xxhash.Sum64String(key))
}
