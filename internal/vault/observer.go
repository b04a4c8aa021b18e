// Package vault observes the working tree of the synchronized repository:
// which files are dirty, when they last changed, and whether the tree has
// been quiet long enough to commit.
package vault

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/vaultsync/internal/clock"
)

// StatusReader lists paths with uncommitted changes relative to the
// repository root.
type StatusReader interface {
	Status(ctx context.Context) ([]string, error)
}

// Snapshot is the observed state of the working tree at one point in time.
type Snapshot struct {
	DirtyFiles         []string
	LatestModification time.Time
	TakenAt            time.Time
}

// Clean reports whether the snapshot has no dirty files.
func (s Snapshot) Clean() bool {
	return len(s.DirtyFiles) == 0
}

// Observer takes snapshots of the working tree. It never modifies the
// repository.
type Observer struct {
	status StatusReader
	fs     afero.Fs
	root   string
	clock  clock.Clock

	mu   sync.Mutex
	prev *Snapshot
}

// NewObserver creates an observer for the work tree at root. fs is used to
// stat dirty paths and is normally afero.NewOsFs().
func NewObserver(status StatusReader, fsys afero.Fs, root string, clk clock.Clock) *Observer {
	return &Observer{
		status: status,
		fs:     fsys,
		root:   root,
		clock:  clk,
	}
}

// Snapshot reads the current dirty set and the latest modification time
// among the dirty paths.
func (o *Observer) Snapshot(ctx context.Context) (Snapshot, error) {
	dirty, err := o.status.Status(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read working tree status: %w", err)
	}

	s := Snapshot{DirtyFiles: dirty, TakenAt: o.clock.Now()}
	for _, p := range dirty {
		mtime, err := o.modTime(p)
		if err != nil {
			return Snapshot{}, err
		}
		if mtime.After(s.LatestModification) {
			s.LatestModification = mtime
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !s.Clean() {
		// A dirty set that changed since the last tick counts as activity
		// during that interval, whatever mtimes the files carry.
		if o.prev != nil && !slices.Equal(o.prev.DirtyFiles, s.DirtyFiles) &&
			o.prev.TakenAt.After(s.LatestModification) {
			s.LatestModification = o.prev.TakenAt
		}
		if s.LatestModification.After(s.TakenAt) {
			s.LatestModification = s.TakenAt
		}
	}

	prev := s
	o.prev = &prev
	return s, nil
}

// modTime stats rel under the root. Paths that cannot be stat'ed (deleted,
// or below a directory replaced by a file) fall back to the nearest parent
// that can. Only an unreadable root is an error.
func (o *Observer) modTime(rel string) (time.Time, error) {
	path := filepath.Join(o.root, filepath.FromSlash(rel))
	for {
		info, err := o.fs.Stat(path)
		if err == nil {
			return info.ModTime(), nil
		}
		if path == o.root || filepath.Dir(path) == path {
			return time.Time{}, fmt.Errorf("stat %s: %w", rel, err)
		}
		path = filepath.Dir(path)
	}
}

// IdleKind enumerates the idle states of the working tree.
type IdleKind int

const (
	Clean IdleKind = iota
	Dirty
	IdleReady
)

func (k IdleKind) String() string {
	switch k {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case IdleReady:
		return "idle-ready"
	default:
		return fmt.Sprintf("idle-kind(%d)", int(k))
	}
}

// IdleState is the derived idle status of a snapshot. Since holds the latest
// modification time for Dirty and IdleReady.
type IdleState struct {
	Kind  IdleKind
	Since time.Time
}

// IsIdle reports whether the tree has changes and none of them happened
// within threshold of now.
func IsIdle(s Snapshot, threshold time.Duration, now time.Time) bool {
	return !s.Clean() && now.Sub(s.LatestModification) >= threshold
}

// State derives the idle state of s at now.
func State(s Snapshot, threshold time.Duration, now time.Time) IdleState {
	switch {
	case s.Clean():
		return IdleState{Kind: Clean}
	case IsIdle(s, threshold, now):
		return IdleState{Kind: IdleReady, Since: s.LatestModification}
	default:
		return IdleState{Kind: Dirty, Since: s.LatestModification}
	}
}

// IdleDeadline returns the instant at which s becomes idle if nothing else
// changes. The zero time is returned for a clean snapshot.
func IdleDeadline(s Snapshot, threshold time.Duration) time.Time {
	if s.Clean() {
		return time.Time{}
	}
	return s.LatestModification.Add(threshold)
}
