//go:build linux

package fileops

import (
	"errors"
	"os"
	"syscall"
)

const (
	falloc_fl_keep_size  = 0x01 // default is to extend the file; keep it fixed
	falloc_fl_punch_hole = 0x02 // de-allocate the given range
)

func init() {
	PunchHole = punchHoleLinux
}

func punchHoleLinux(file *os.File, offset, size int64) error {
	err := syscall.Fallocate(int(file.Fd()), falloc_fl_keep_size|falloc_fl_punch_hole, offset, size)
	if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EOPNOTSUPP) {
		return ErrPunchNotSupported
	}
	return err
}
