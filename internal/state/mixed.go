package state

import (
	"errors"
	"fmt"
)

// Mixed prefers extended attributes and falls back to the sidecar for
// files on filesystems (or of types) that refuse them.
type Mixed struct {
	xattr   *Xattr
	sidecar *Sidecar
}

// NewMixed combines an xattr store with a sidecar fallback. The sidecar
// is owned by the Mixed store and closed with it.
func NewMixed(x *Xattr, s *Sidecar) *Mixed {
	return &Mixed{xattr: x, sidecar: s}
}

func (m *Mixed) Read(path string) (*Attributes, error) {
	a, err := m.xattr.Read(path)
	if err != nil && !unsupported(err) {
		return nil, err
	}

	if a != nil {
		return a, nil
	}

	return m.sidecar.Read(path)
}

func (m *Mixed) Write(path string, a *Attributes) error {
	err := m.xattr.Write(path, a)
	if err == nil {
		// Drop any fallback record written before xattrs worked here.
		return m.sidecar.Drop(path)
	}

	if !unsupported(err) {
		return err
	}

	return m.sidecar.Write(path, a)
}

func (m *Mixed) Drop(path string) error {
	xerr := m.xattr.Drop(path)
	if xerr != nil && unsupported(xerr) {
		xerr = nil
	}

	serr := m.sidecar.Drop(path)

	if err := errors.Join(xerr, serr); err != nil {
		return fmt.Errorf("dropping attributes for %s: %w", path, err)
	}

	return nil
}

func (m *Mixed) Close() error {
	return m.sidecar.Close()
}
