//go:build darwin

package state

import (
	"io/fs"
	"syscall"
)

// sysStat returns the inode change time (ctime) in nanoseconds along
// with the inode and device numbers.
// On macOS, Stat_t has Ctimespec (not Ctim like Linux).
func sysStat(info fs.FileInfo) (ctime int64, ino, dev uint64) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, 0
	}

	return int64(sys.Ctimespec.Sec)*1e9 + int64(sys.Ctimespec.Nsec), uint64(sys.Ino), uint64(sys.Dev)
}
