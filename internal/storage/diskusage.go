package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskUsage reports total and free bytes on the filesystem holding path.
// Used for the startup disk check and the retention sweep's low-space log.
func DiskUsage(path string) (total, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
