//go:build windows

package download

import (
	"errors"

	"golang.org/x/sys/windows"
)

var fatalErrnos = []windows.Errno{
	windows.ERROR_DISK_FULL,
	windows.ERROR_HANDLE_DISK_FULL,
	windows.ERROR_ACCESS_DENIED,
	windows.ERROR_WRITE_PROTECT,
}

func isFatalDiskError(err error) bool {
	for _, errno := range fatalErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
