//go:build !windows

package download

import (
	"errors"

	"golang.org/x/sys/unix"
)

var fatalErrnos = []unix.Errno{unix.ENOSPC, unix.EDQUOT, unix.EACCES, unix.EPERM, unix.EROFS}

func isFatalDiskError(err error) bool {
	for _, errno := range fatalErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
