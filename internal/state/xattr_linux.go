//go:build linux

package state

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// XattrName is the extended attribute holding the JSON record.
const XattrName = "user.fscrawl.attrs"

// Xattr stores attribute records in an extended attribute on the file
// itself. The record travels with the inode, so a renamed file keeps
// its record and reports its old Path.
type Xattr struct{}

// NewXattr returns the extended attribute store.
func NewXattr() *Xattr {
	return &Xattr{}
}

// Read returns the record attached to path, or nil if there is none.
func (x *Xattr) Read(path string) (*Attributes, error) {
	buf := make([]byte, 512)

	for {
		n, err := unix.Lgetxattr(path, XattrName, buf)
		switch {
		case err == nil:
			var a Attributes
			if err := json.Unmarshal(buf[:n], &a); err != nil {
				return nil, fmt.Errorf("decoding xattr on %s: %w", path, err)
			}

			return &a, nil
		case errors.Is(err, unix.ENODATA), errors.Is(err, unix.ENOENT):
			return nil, nil
		case errors.Is(err, unix.ERANGE):
			size, err := unix.Lgetxattr(path, XattrName, nil)
			if err != nil {
				return nil, fmt.Errorf("sizing xattr on %s: %w", path, err)
			}

			buf = make([]byte, size)
		default:
			return nil, fmt.Errorf("reading xattr on %s: %w", path, err)
		}
	}
}

// Write attaches a to path. Setting an extended attribute bumps the
// file's ctime, so the stored LastChangeTime goes stale immediately;
// the next comparison resolves that as a false alarm through the
// unique-id store.
func (x *Xattr) Write(path string, a *Attributes) error {
	rec := *a
	rec.Path = path

	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}

	if err := unix.Lsetxattr(path, XattrName, data, 0); err != nil {
		return fmt.Errorf("writing xattr on %s: %w", path, err)
	}

	return nil
}

// Drop removes the record from path.
func (x *Xattr) Drop(path string) error {
	err := unix.Lremovexattr(path, XattrName)
	if err == nil || errors.Is(err, unix.ENODATA) || errors.Is(err, unix.ENOENT) {
		return nil
	}

	return fmt.Errorf("removing xattr on %s: %w", path, err)
}

// Close is a no-op.
func (x *Xattr) Close() error {
	return nil
}

// unsupported reports whether err means the filesystem or the object
// type cannot carry user extended attributes.
func unsupported(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EPERM)
}
