//go:build windows

package store

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

func volumeStats(path string) (VolumeStats, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return VolumeStats{}, fmt.Errorf("utf16 path: %w", err)
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(
		pathPtr,
		(*uint64)(unsafe.Pointer(&freeBytesAvailable)),
		(*uint64)(unsafe.Pointer(&totalBytes)),
		(*uint64)(unsafe.Pointer(&totalFreeBytes)),
	); err != nil {
		return VolumeStats{}, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", path, err)
	}

	return VolumeStats{
		TotalBytes:     int64(totalBytes),
		UsedBytes:      int64(totalBytes) - int64(totalFreeBytes),
		AvailableBytes: int64(freeBytesAvailable),
	}, nil
}
