package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/fscrawl/internal/state"
	"github.com/alexjbarnes/fscrawl/internal/uidstore"
)

// State is where a directory sits in the crawl state machine.
type State int

const (
	// Unscanned directories have not had their subdirectories listed yet.
	Unscanned State = iota
	// Clean directories were crawled under a full watch; the watch
	// reports anything that changes.
	Clean
	// PossiblyClean directories were crawled without a full watch.
	PossiblyClean
	// Unknown directories may hold changes nobody was told about.
	Unknown
	// Dirty directories are known to hold changes.
	Dirty
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case PossiblyClean:
		return "possibly_clean"
	case Unknown:
		return "unknown"
	case Dirty:
		return "dirty"
	default:
		return "unscanned"
	}
}

// States lists every state in order.
func States() []State {
	return []State{Unscanned, Clean, PossiblyClean, Unknown, Dirty}
}

// NeedsCrawl reports whether a directory in this state must be crawled.
func (s State) NeedsCrawl() bool {
	return s == Dirty || s == Unknown || s == PossiblyClean
}

// Action tells the crawler what to do with a file.
type Action int

const (
	ActionNone Action = iota
	ActionIndex
	ActionRename
)

func (a Action) String() string {
	switch a {
	case ActionIndex:
		return "index"
	case ActionRename:
		return "rename"
	default:
		return "none"
	}
}

// RequiredAction is the outcome of DetermineRequiredAction.
type RequiredAction struct {
	Action Action
	Path   string

	// PreviousPath is set for renames, and for an Index whose record
	// was last seen at another path.
	PreviousPath string

	// UniqueID is the id the file's document is stored under. It is
	// set for Index and Rename.
	UniqueID uuid.UUID

	// Attributes is the stored record, nil when there was none.
	Attributes *state.Attributes

	// Stat is the lstat taken while deciding.
	Stat state.FileStat
}

// WatchHandle identifies a watch installed by the Backend. Zero means
// no watch.
type WatchHandle uint64

// IndexedFile is a file the index holds a document for.
type IndexedFile struct {
	ID   uuid.UUID
	Path string
}

// Backend installs change watches on directories.
//
//go:generate mockgen -destination=mock_backend_test.go -package=model github.com/alexjbarnes/fscrawl/internal/model Backend
type Backend interface {
	// WatchDirectories installs a watch that reports directory
	// creation, removal and renames below path.
	WatchDirectories(path string) (WatchHandle, error)
	// WatchFiles upgrades (or installs) a watch on path that also
	// reports file changes.
	WatchFiles(path string, previous WatchHandle) (WatchHandle, error)
	// Forget drops a watch. Events already queued for it are discarded.
	Forget(h WatchHandle)
}

// AttributeStore persists per-path attribute records.
type AttributeStore interface {
	Read(path string) (*state.Attributes, error)
	Write(path string, a *state.Attributes) error
	Drop(path string) error
}

// IDStore is the persistent unique-id store.
type IDStore interface {
	Add(id, parent uuid.UUID, name string, keepCached bool) error
	AddRoot(id uuid.UUID, name string) error
	Move(id, parent uuid.UUID, name string) error
	Drop(id uuid.UUID) error
	DropTree(id uuid.UUID) error
	GetPathById(id uuid.UUID) (string, bool)
	GetIdByNameAndParentId(name string, parent uuid.UUID) (uuid.UUID, bool)
	Children(parent uuid.UUID) ([]uidstore.Child, error)
}

// Filter decides which paths are ignored.
type Filter interface {
	Ignore(path string) bool
	IgnoreDir(path string) bool
	AddRoot(path string)
	RemoveRoot(path string)
}

// DirectoryInfo describes one directory in a Snapshot.
type DirectoryInfo struct {
	ID          uuid.UUID `json:"id"`
	Path        string    `json:"path"`
	State       string    `json:"state"`
	Watched     bool      `json:"watched"`
	FullWatch   bool      `json:"full_watch"`
	Uncrawlable bool      `json:"uncrawlable,omitempty"`
	Crawling    bool      `json:"crawling,omitempty"`
	LastCrawl   time.Time `json:"last_crawl,omitzero"`
	DirtySince  time.Time `json:"dirty_since,omitzero"`
}

// Snapshot is a consistent copy of the model's bookkeeping.
type Snapshot struct {
	Roots       []string        `json:"roots"`
	Directories []DirectoryInfo `json:"directories"`
	ScanQueue   int             `json:"scan_queue"`
	States      map[string]int  `json:"states"`
}
