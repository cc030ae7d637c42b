//go:build linux

package cache

import "golang.org/x/sys/unix"

// freeBytes reports the free space available under path's filesystem via
// statfs(2). Used by CheckFreeSpace.
func freeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bfree) * uint64(st.Bsize), nil
}
