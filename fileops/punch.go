package fileops

import (
	"errors"
	"os"
)

// ErrPunchNotSupported means PunchHole could not de-allocate the
// requested range, either because no platform implementation is
// registered or the underlying filesystem rejected the call. Callers
// treat it as "skip the optimization", not a real failure.
var ErrPunchNotSupported = errors.New("fileops: hole punching not supported")

// PunchHole de-allocates the backing blocks for [offset, offset+size) in
// file without changing its logical size. It is nil on platforms with no
// registered implementation; see punch_linux.go.
var PunchHole func(file *os.File, offset, size int64) error

// TryPunchHole attempts to punch a hole in f over [offset, offset+size).
// It returns ErrPunchNotSupported if f is not backed by a real os.File or
// no platform implementation is registered.
func TryPunchHole(f File, offset, size int64) error {
	if PunchHole == nil {
		return ErrPunchNotSupported
	}
	osf, ok := OSFile(f)
	if !ok {
		return ErrPunchNotSupported
	}
	return PunchHole(osf, offset, size)
}
