// Package filter decides which paths are never watched, crawled or
// indexed. Rules come from built-in defaults, configured patterns, an
// optional global pattern file, and per-directory override files
// (.noindex and, when enabled, .gitignore) that are re-read lazily.
package filter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	ignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/text/unicode/norm"
)

const (
	// NoIndexFile lists patterns ignored in its directory, one per line.
	// An empty file ignores the whole directory.
	NoIndexFile = ".noindex"

	// GitignoreFile is honoured per directory when enabled.
	GitignoreFile = ".gitignore"

	// DefaultRecheck bounds how often a directory's override files are
	// stat'ed.
	DefaultRecheck = 11 * time.Second

	dirCacheSize = 4096
)

// DefaultPatterns are ignored everywhere.
var DefaultPatterns = []string{
	".*",
	"*~",
	"#*#",
	"*.o",
	"*.a",
	"*.S",
	"*.la",
	"*.lo",
	"*.so",
	"*.exe",
	"*.dll",
	"*.com",
	"*.csproj",
	"*.dsp",
	"*.dsw",
	"*.m4",
	"*.pc",
	"*.pc.in",
	"*.in.in",
	"*.omf",
	"*.aux",
	"*.swp",
	"po",
	"aclocal",
	"Makefile",
	"Makefile.am",
	"Makefile.in",
	"CVS",
	"node_modules",
}

// Filter is safe for concurrent use.
type Filter struct {
	recheck   time.Duration
	gitignore bool
	now       func() time.Time

	mu       sync.Mutex
	patterns []Pattern
	roots    map[string]struct{}
	dirs     *lru.Cache[string, *dirInfo]
}

// Option configures a Filter.
type Option func(*Filter) error

// WithPatterns adds patterns on top of the defaults.
func WithPatterns(patterns ...string) Option {
	return func(f *Filter) error {
		for _, s := range patterns {
			p, err := ParsePattern(s)
			if err != nil {
				return err
			}

			f.patterns = append(f.patterns, p)
		}

		return nil
	}
}

// WithPatternFile adds the patterns listed in path. A missing file is
// not an error.
func WithPatternFile(path string) Option {
	return func(f *Filter) error {
		patterns, _, err := LoadPatterns(path)
		if err != nil {
			return err
		}

		f.patterns = append(f.patterns, patterns...)

		return nil
	}
}

// WithGitignore enables per-directory .gitignore rules.
func WithGitignore(enabled bool) Option {
	return func(f *Filter) error {
		f.gitignore = enabled
		return nil
	}
}

// WithRecheck overrides DefaultRecheck.
func WithRecheck(d time.Duration) Option {
	return func(f *Filter) error {
		f.recheck = d
		return nil
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) error {
		f.now = now
		return nil
	}
}

// New builds a Filter with the default patterns plus any options.
func New(opts ...Option) (*Filter, error) {
	dirs, err := lru.New[string, *dirInfo](dirCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating directory rule cache: %w", err)
	}

	f := &Filter{
		recheck: DefaultRecheck,
		now:     time.Now,
		roots:   make(map[string]struct{}),
		dirs:    dirs,
	}

	for _, s := range DefaultPatterns {
		p, err := ParsePattern(s)
		if err != nil {
			return nil, err
		}

		f.patterns = append(f.patterns, p)
	}

	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// AddRoot marks path as a root. Roots are never ignored and the
// ancestor walk stops at them.
func (f *Filter) AddRoot(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.roots[filepath.Clean(path)] = struct{}{}
}

// RemoveRoot undoes AddRoot.
func (f *Filter) RemoveRoot(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.roots, filepath.Clean(path))
}

// Ignore reports whether the file at path should be skipped. A path is
// ignored when its name matches a global pattern, when its directory's
// override files exclude it, or when any ancestor below a root is
// ignored.
func (f *Filter) Ignore(path string) bool {
	return f.ignore(filepath.Clean(path), false)
}

// IgnoreDir is Ignore for a directory. Gitignore rules ending in a
// slash only apply here.
func (f *Filter) IgnoreDir(path string) bool {
	return f.ignore(filepath.Clean(path), true)
}

func (f *Filter) ignore(path string, isDir bool) bool {
	for {
		if f.isRoot(path) {
			return false
		}

		dir, name := filepath.Split(path)
		dir = filepath.Clean(dir)

		if dir == path || name == "" {
			return false
		}

		name = norm.NFC.String(name)

		if f.matchGlobal(name) {
			return true
		}

		if f.dirInfo(dir).ignores(name, isDir) {
			return true
		}

		path = dir
		isDir = true
	}
}

func (f *Filter) isRoot(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.roots[path]

	return ok
}

func (f *Filter) matchGlobal(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range f.patterns {
		if p.Match(name) {
			return true
		}
	}

	return false
}

// dirInfo returns the override rules for dir, reloading them when the
// recheck interval has passed and a file changed.
func (f *Filter) dirInfo(dir string) *dirInfo {
	f.mu.Lock()

	info, ok := f.dirs.Get(dir)
	if !ok {
		info = &dirInfo{dir: dir}
		f.dirs.Add(dir, info)
	}

	f.mu.Unlock()

	info.refresh(f.now(), f.recheck, f.gitignore)

	return info
}

// Forget drops cached rules for dir, so the next lookup re-reads its
// override files.
func (f *Filter) Forget(dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dirs.Remove(filepath.Clean(dir))
}

type dirInfo struct {
	dir string

	mu        sync.Mutex
	checkedAt time.Time
	checked   bool

	noindexMod time.Time
	noindex    []Pattern // nil: no file; empty: ignore everything
	hasNoindex bool

	gitMod time.Time
	git    *ignore.GitIgnore
}

func (d *dirInfo) refresh(now time.Time, recheck time.Duration, gitignore bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.checked && now.Sub(d.checkedAt) < recheck {
		return
	}

	d.checked = true
	d.checkedAt = now

	d.refreshNoindex()

	if gitignore {
		d.refreshGitignore()
	}
}

func (d *dirInfo) refreshNoindex() {
	path := filepath.Join(d.dir, NoIndexFile)

	info, err := os.Stat(path)
	if err != nil {
		d.hasNoindex = false
		d.noindex = nil
		d.noindexMod = time.Time{}

		return
	}

	if d.hasNoindex && info.ModTime().Equal(d.noindexMod) {
		return
	}

	patterns, _, err := LoadPatterns(path)
	if err != nil {
		// An unreadable override file keeps the previous rules.
		return
	}

	if patterns == nil {
		patterns = []Pattern{}
	}

	d.hasNoindex = true
	d.noindex = patterns
	d.noindexMod = info.ModTime()
}

func (d *dirInfo) refreshGitignore() {
	path := filepath.Join(d.dir, GitignoreFile)

	info, err := os.Stat(path)
	if err != nil {
		d.git = nil
		d.gitMod = time.Time{}

		return
	}

	if d.git != nil && info.ModTime().Equal(d.gitMod) {
		return
	}

	gi, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		return
	}

	d.git = gi
	d.gitMod = info.ModTime()
}

func (d *dirInfo) ignores(name string, isDir bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hasNoindex {
		if len(d.noindex) == 0 {
			return true
		}

		for _, p := range d.noindex {
			if p.Match(name) {
				return true
			}
		}
	}

	if d.git != nil {
		check := name
		if isDir {
			check += "/"
		}

		if d.git.MatchesPath(check) {
			return true
		}
	}

	return false
}
