package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"
)

const (
	// sidecarDirPerm is the permission mode for the index directory.
	sidecarDirPerm = fs.FileMode(0o700)

	// sidecarFilePerm is the permission mode for the sidecar database file.
	sidecarFilePerm = fs.FileMode(0o600)

	// sidecarOpenTimeout is the maximum time to wait for the bolt database lock.
	sidecarOpenTimeout = 5 * time.Second

	// sidecarVersion is bumped whenever the record layout changes.
	sidecarVersion = 1
)

var (
	metaBucket   = []byte("meta")
	attrsBucket  = []byte("attrs")
	inodesBucket = []byte("inodes")
	infoKey      = []byte("info")
)

// Sidecar stores attribute records in a bbolt database keyed by path.
// A second bucket maps device:inode to the path a record was written
// under, so a record survives a rename the same way an extended
// attribute would.
type Sidecar struct {
	db *bolt.DB

	// rebuilt is true when Open found a store with a different version
	// or fingerprint and wiped it.
	rebuilt bool
	fresh   bool
}

// OpenSidecar opens the sidecar database at path, creating it if it
// does not exist. A database stamped with another version or
// fingerprint is emptied before use.
func OpenSidecar(path, fingerprint string) (*Sidecar, error) {
	if err := os.MkdirAll(filepath.Dir(path), sidecarDirPerm); err != nil {
		return nil, fmt.Errorf("creating sidecar directory: %w", err)
	}

	db, err := bolt.Open(path, sidecarFilePerm, &bolt.Options{Timeout: sidecarOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening sidecar db: %w", err)
	}

	s := &Sidecar{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		raw := meta.Get(infoKey)
		s.fresh = raw == nil

		if raw != nil && !stampMatches(raw, fingerprint) {
			s.rebuilt = true

			for _, name := range [][]byte{attrsBucket, inodesBucket} {
				if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
					return err
				}
			}
		}

		if _, err := tx.CreateBucketIfNotExists(attrsBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(inodesBucket); err != nil {
			return err
		}

		info, err := json.Marshal(map[string]any{"version": sidecarVersion, "fingerprint": fingerprint})
		if err != nil {
			return err
		}

		return meta.Put(infoKey, info)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing sidecar db: %w", err)
	}

	return s, nil
}

func stampMatches(raw []byte, fingerprint string) bool {
	return gjson.GetBytes(raw, "version").Int() == sidecarVersion &&
		gjson.GetBytes(raw, "fingerprint").String() == fingerprint
}

// Rebuilt reports whether the store was wiped on open.
func (s *Sidecar) Rebuilt() bool {
	return s.rebuilt
}

// Fresh reports whether the store was created by this open.
func (s *Sidecar) Fresh() bool {
	return s.fresh
}

// Close closes the database.
func (s *Sidecar) Close() error {
	return s.db.Close()
}

// Read returns the record for the object currently at path, or nil if
// there is none. When the object was renamed since the record was
// written, the record comes back with its old Path.
func (s *Sidecar) Read(path string) (*Attributes, error) {
	st, err := Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	var (
		byPath  *Attributes
		byInode *Attributes
	)

	err = s.db.View(func(tx *bolt.Tx) error {
		var err error

		byPath, err = getAttrs(tx.Bucket(attrsBucket), []byte(path))
		if err != nil {
			return err
		}

		if byPath != nil && byPath.Inode == st.Inode && byPath.Device == st.Device {
			return nil
		}

		key := inodeKey(st.Device, st.Inode)
		if key == nil {
			return nil
		}

		prev := tx.Bucket(inodesBucket).Get(key)
		if prev == nil || string(prev) == path {
			return nil
		}

		byInode, err = getAttrs(tx.Bucket(attrsBucket), prev)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading attributes for %s: %w", path, err)
	}

	if byInode != nil && !stillAt(byInode.Path, st) {
		return byInode, nil
	}

	return byPath, nil
}

// stillAt reports whether the object described by st still lives at
// path. If it does, a record found through the inode index belongs to
// a hard link or a recycled inode, not to a renamed file.
func stillAt(path string, st FileStat) bool {
	other, err := Lstat(path)
	if err != nil {
		return false
	}

	return other.Inode == st.Inode && other.Device == st.Device
}

// Write stores a for path. a.Path is set to path; Inode and Device are
// expected to describe the object at path. A record left behind under
// another path for the same object is removed.
func (s *Sidecar) Write(path string, a *Attributes) error {
	rec := *a
	rec.Path = path

	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		attrs := tx.Bucket(attrsBucket)
		inodes := tx.Bucket(inodesBucket)

		old, err := getAttrs(attrs, []byte(path))
		if err != nil {
			return err
		}

		if old != nil {
			if oldKey := inodeKey(old.Device, old.Inode); oldKey != nil && bytes.Equal(inodes.Get(oldKey), []byte(path)) {
				if err := inodes.Delete(oldKey); err != nil {
					return err
				}
			}
		}

		if key := inodeKey(rec.Device, rec.Inode); key != nil {
			if prev := inodes.Get(key); prev != nil && string(prev) != path {
				prevRec, err := getAttrs(attrs, prev)
				if err != nil {
					return err
				}

				if prevRec != nil && prevRec.Inode == rec.Inode && prevRec.Device == rec.Device {
					if err := attrs.Delete(prev); err != nil {
						return err
					}
				}
			}

			if err := inodes.Put(key, []byte(path)); err != nil {
				return err
			}
		}

		return attrs.Put([]byte(path), data)
	})
	if err != nil {
		return fmt.Errorf("writing attributes for %s: %w", path, err)
	}

	return nil
}

// Drop removes the record stored under path. Missing records are not
// an error.
func (s *Sidecar) Drop(path string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		attrs := tx.Bucket(attrsBucket)

		old, err := getAttrs(attrs, []byte(path))
		if err != nil || old == nil {
			return err
		}

		inodes := tx.Bucket(inodesBucket)
		if key := inodeKey(old.Device, old.Inode); key != nil && bytes.Equal(inodes.Get(key), []byte(path)) {
			if err := inodes.Delete(key); err != nil {
				return err
			}
		}

		return attrs.Delete([]byte(path))
	})
	if err != nil {
		return fmt.Errorf("dropping attributes for %s: %w", path, err)
	}

	return nil
}

// Len returns the number of stored records.
func (s *Sidecar) Len() int {
	var n int

	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(attrsBucket).Stats().KeyN
		return nil
	})

	return n
}

func getAttrs(b *bolt.Bucket, key []byte) (*Attributes, error) {
	data := b.Get(key)
	if data == nil {
		return nil, nil
	}

	var a Attributes
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding attributes for %s: %w", key, err)
	}

	return &a, nil
}
