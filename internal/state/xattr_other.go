//go:build !linux

package state

import "errors"

// XattrName is the extended attribute holding the JSON record.
const XattrName = "user.fscrawl.attrs"

// Xattr is unavailable on this platform; every call reports
// errors.ErrUnsupported so a Mixed store falls back to its sidecar.
type Xattr struct{}

func NewXattr() *Xattr {
	return &Xattr{}
}

func (x *Xattr) Read(string) (*Attributes, error) {
	return nil, errors.ErrUnsupported
}

func (x *Xattr) Write(string, *Attributes) error {
	return errors.ErrUnsupported
}

func (x *Xattr) Drop(string) error {
	return errors.ErrUnsupported
}

func (x *Xattr) Close() error {
	return nil
}

func unsupported(err error) bool {
	return errors.Is(err, errors.ErrUnsupported)
}
