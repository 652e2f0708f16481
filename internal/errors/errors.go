package errors

import (
	"errors"
	"io/fs"
	"strings"
	"syscall"
)

// Model errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrIgnored     = errors.New("path is ignored")
	ErrDetached    = errors.New("directory is no longer part of the tree")
	ErrUncrawlable = errors.New("directory cannot be crawled")
)

// Storage errors.
var (
	ErrStoreMismatch = errors.New("store version or fingerprint mismatch")
	ErrLocked        = errors.New("index directory is locked by another process")
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	KindOther Kind = iota
	KindNotFound
	KindPermissionDenied
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindTransient:
		return "transient"
	default:
		return "other"
	}
}

// KindOf maps filesystem and storage errors onto a Kind. A path
// component that turned into a file (ENOTDIR) counts as not found,
// since the directory the caller was after is gone.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}

	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR), errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return KindPermissionDenied
	case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EBUSY),
		errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE):
		return KindTransient
	}

	if strings.Contains(err.Error(), "database is locked") {
		return KindTransient
	}

	return KindOther
}

// IsNotFound reports whether err means the object no longer exists.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
