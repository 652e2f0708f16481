//go:build linux

package state

import (
	"io/fs"
	"syscall"
)

// sysStat returns the inode change time (ctime) in nanoseconds along
// with the inode and device numbers.
func sysStat(info fs.FileInfo) (ctime int64, ino, dev uint64) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, 0
	}

	return int64(sys.Ctim.Sec)*1e9 + int64(sys.Ctim.Nsec), uint64(sys.Ino), uint64(sys.Dev)
}
