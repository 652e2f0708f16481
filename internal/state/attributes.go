// Package state persists per-file attribute records. Three stores are
// provided: a bbolt sidecar keyed by path, extended attributes on the
// file itself, and a mixed store that prefers extended attributes and
// falls back to the sidecar where the filesystem refuses them.
package state

import (
	"io/fs"
	"os"
	"strconv"

	"github.com/google/uuid"
)

// Attributes is what we remember about a file after indexing it.
// Times are unix nanoseconds.
type Attributes struct {
	// Path the record was written for. Stores that follow the inode
	// (xattr, sidecar inode index) can hand back a record whose Path
	// differs from the path that was asked for; that is how renames
	// are detected.
	Path string `json:"path"`

	UniqueID        uuid.UUID `json:"uid"`
	LastWriteTime   int64     `json:"mtime"`
	LastChangeTime  int64     `json:"ctime"`
	LastIndexedTime int64     `json:"indexed"`
	Fingerprint     string    `json:"fingerprint"`
	FilterName      string    `json:"filter,omitempty"`
	FilterVersion   int       `json:"filter_version,omitempty"`
	Inode           uint64    `json:"ino,omitempty"`
	Device          uint64    `json:"dev,omitempty"`
}

// FileStat is the subset of lstat output the crawler compares against
// stored attributes.
type FileStat struct {
	ModTime    int64
	ChangeTime int64
	Inode      uint64
	Device     uint64
	Size       int64
	Mode       fs.FileMode
}

// Lstat stats path without following symlinks.
func Lstat(path string) (FileStat, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return FileStat{}, err
	}

	return FromFileInfo(info), nil
}

// FromFileInfo converts an fs.FileInfo obtained from lstat.
func FromFileInfo(info fs.FileInfo) FileStat {
	ctime, ino, dev := sysStat(info)

	return FileStat{
		ModTime:    info.ModTime().UnixNano(),
		ChangeTime: ctime,
		Inode:      ino,
		Device:     dev,
		Size:       info.Size(),
		Mode:       info.Mode(),
	}
}

func (s FileStat) IsDir() bool     { return s.Mode.IsDir() }
func (s FileStat) IsRegular() bool { return s.Mode.IsRegular() }
func (s FileStat) IsSymlink() bool { return s.Mode&fs.ModeSymlink != 0 }

// inodeKey identifies a filesystem object independent of its name.
// Zero inodes (unsupported platforms) produce no key.
func inodeKey(dev, ino uint64) []byte {
	if ino == 0 {
		return nil
	}

	return []byte(strconv.FormatUint(dev, 10) + ":" + strconv.FormatUint(ino, 10))
}
