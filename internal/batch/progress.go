// Package batch commits and pushes large change sets in bounded, resumable
// chunks. Progress is persisted after every chunk transition so an
// interrupted upload continues where it stopped.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// ErrCorruptProgress is returned by Store.Load when the progress file
// cannot be decoded.
var ErrCorruptProgress = errors.New("corrupt batch progress")

// Chunk is one commit-and-push unit of a batch.
type Chunk struct {
	Files     []string `json:"files"`
	Committed bool     `json:"committed"`
	Pushed    bool     `json:"pushed"`
}

// Progress is the persisted state of an in-flight batch upload.
type Progress struct {
	BatchID     string    `json:"batch_id"`
	RepoPath    string    `json:"repo_path"`
	CreatedAt   time.Time `json:"created_at"`
	TotalFiles  int       `json:"total_files"`
	Chunks      []Chunk   `json:"chunks"`
	ResumeIndex int       `json:"resume_index"`
}

// Done reports whether every chunk has been pushed.
func (p *Progress) Done() bool {
	return p.ResumeIndex >= len(p.Chunks)
}

// Remaining returns the number of chunks not yet pushed.
func (p *Progress) Remaining() int {
	if p.Done() {
		return 0
	}
	return len(p.Chunks) - p.ResumeIndex
}

// Store persists Progress as a JSON file.
type Store struct {
	fs   afero.Fs
	path string
}

// NewStore returns a store writing to path on fsys.
func NewStore(fsys afero.Fs, path string) *Store {
	return &Store{fs: fsys, path: path}
}

// Path returns the location of the progress file.
func (s *Store) Path() string {
	return s.path
}

// Load returns the stored progress, or nil if none exists.
func (s *Store) Load() (*Progress, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read batch progress: %w", err)
	}

	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptProgress, s.path, err)
	}
	if p.ResumeIndex < 0 || p.ResumeIndex > len(p.Chunks) {
		return nil, fmt.Errorf("%w: resume index %d out of range for %d chunks", ErrCorruptProgress, p.ResumeIndex, len(p.Chunks))
	}

	return &p, nil
}

// Save writes p atomically: the data goes to a temporary file in the same
// directory which is then renamed over the progress file.
func (s *Store) Save(p *Progress) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode batch progress: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".progress-*.json")
	if err != nil {
		return fmt.Errorf("create temporary progress file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write batch progress: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync batch progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close batch progress: %w", err)
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace batch progress: %w", err)
	}

	return nil
}

// Clear removes the progress file. A missing file is not an error.
func (s *Store) Clear() error {
	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove batch progress: %w", err)
	}
	return nil
}
