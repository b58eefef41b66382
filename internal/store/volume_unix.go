//go:build !windows

package store

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// volumeStats returns filesystem statistics for path. Available uses Bavail
// (space available to unprivileged users).
func volumeStats(path string) (VolumeStats, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return VolumeStats{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := int64(stat.Bsize) //nolint:unconvert
	total := int64(stat.Blocks) * bsize
	return VolumeStats{
		TotalBytes:     total,
		UsedBytes:      total - int64(stat.Bfree)*bsize,
		AvailableBytes: int64(stat.Bavail) * bsize,
	}, nil
}
