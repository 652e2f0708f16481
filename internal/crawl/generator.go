package crawl

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

const readBatch = 32

// Generator yields the entries of one directory, one per Next call.
// The directory is read in small batches so a crawl can stop part way
// through a huge directory without having listed all of it.
type Generator struct {
	path string
	f    *os.File
	buf  []fs.DirEntry
	done bool
}

// OpenDir starts a generator over path.
func OpenDir(path string) (*Generator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	return &Generator{path: path, f: f}, nil
}

// Next returns the next entry. ok is false once the directory is
// exhausted.
func (g *Generator) Next() (entry fs.DirEntry, ok bool, err error) {
	for len(g.buf) == 0 {
		if g.done {
			return nil, false, nil
		}

		g.buf, err = g.f.ReadDir(readBatch)
		if errors.Is(err, io.EOF) {
			g.done = true
			err = nil
		}

		if err != nil {
			return nil, false, fmt.Errorf("reading %s: %w", g.path, err)
		}
	}

	entry, g.buf = g.buf[0], g.buf[1:]

	return entry, true, nil
}

// Close releases the directory handle. It is safe to call twice.
func (g *Generator) Close() error {
	if g.f == nil {
		return nil
	}

	err := g.f.Close()
	g.f = nil
	g.done = true
	g.buf = nil

	return err
}
