//go:build !windows

package metrics

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// UsableSpace returns the bytes available to unprivileged users on the
// filesystem holding path.
func UsableSpace(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	// Bsize is int64 on linux but uint32 on darwin.
	bsize := int64(stat.Bsize) //nolint:unconvert
	return int64(stat.Bavail) * bsize, nil
}
