//go:build !linux && !darwin

package state

import "io/fs"

// sysStat has no ctime or inode on unsupported platforms. A zero ctime
// always compares equal, so rename detection degrades to re-indexing
// the file under its new path.
func sysStat(_ fs.FileInfo) (ctime int64, ino, dev uint64) {
	return 0, 0, 0
}
