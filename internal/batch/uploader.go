package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/schaermu/vaultsync/internal/clock"
)

// Client is the subset of git operations the uploader needs.
type Client interface {
	Status(ctx context.Context) ([]string, error)
	Add(ctx context.Context, paths []string) error
	Commit(ctx context.Context, message string) (bool, error)
	Push(ctx context.Context, remote, branch string) error
	Head(ctx context.Context) (string, error)
	Ahead(ctx context.Context, remote, branch string) (int, error)
}

// PartialFailure reports that the chunk at ResumeIndex could not be
// committed or pushed. The progress file still records the batch, so the
// next Upload continues from that chunk.
type PartialFailure struct {
	BatchID     string
	ResumeIndex int
	Chunks      int
	Err         error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("batch %s stopped at chunk %d/%d: %v", e.BatchID, e.ResumeIndex+1, e.Chunks, e.Err)
}

func (e *PartialFailure) Unwrap() error {
	return e.Err
}

// Result summarizes a completed upload.
type Result struct {
	BatchID string
	// Resumed is set when a stored batch was continued instead of a new one.
	Resumed      bool
	Files        int
	Chunks       int
	ChunksPushed int
}

// Options configures an Uploader.
type Options struct {
	RepoPath  string
	Remote    string
	Branch    string
	BatchSize int
}

// Uploader commits and pushes dirty files in chunks of at most BatchSize
// paths, strictly one chunk after another.
type Uploader struct {
	git    Client
	store  *Store
	clock  clock.Clock
	logger *slog.Logger
	opts   Options
}

// NewUploader creates an uploader.
func NewUploader(client Client, store *Store, clk clock.Clock, logger *slog.Logger, opts Options) *Uploader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &Uploader{
		git:    client,
		store:  store,
		clock:  clk,
		logger: logger,
		opts:   opts,
	}
}

// Pending returns the stored batch with unpushed chunks, or nil.
func (u *Uploader) Pending() (*Progress, error) {
	p, err := u.store.Load()
	if err != nil {
		if errors.Is(err, ErrCorruptProgress) {
			// Commits already made stay in the local history and are pushed
			// with the next batch, so dropping the record loses nothing.
			u.logger.Warn("discarding unreadable batch progress", "path", u.store.Path(), "error", err)
			return nil, u.store.Clear()
		}
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	if p.RepoPath != "" && u.opts.RepoPath != "" && p.RepoPath != u.opts.RepoPath {
		u.logger.Warn("discarding batch progress recorded for another repository",
			"batch_id", p.BatchID, "recorded_repo", p.RepoPath)
		return nil, u.store.Clear()
	}
	if p.Done() {
		return nil, u.store.Clear()
	}
	return p, nil
}

// Upload commits and pushes dirtyFiles. A stored batch with unpushed chunks
// is always finished first, and in that case dirtyFiles is left for the next
// call. With nothing to commit, any unpushed local commits are pushed.
func (u *Uploader) Upload(ctx context.Context, dirtyFiles []string) (Result, error) {
	p, err := u.Pending()
	if err != nil {
		return Result{}, err
	}

	resumed := p != nil
	if p == nil {
		files := normalize(dirtyFiles)
		if len(files) == 0 {
			return Result{}, u.pushOutstanding(ctx)
		}
		p = u.newProgress(files)
		if err := u.store.Save(p); err != nil {
			return Result{}, err
		}
		u.logger.Info("starting batch upload",
			"batch_id", p.BatchID,
			"files", p.TotalFiles,
			"chunks", len(p.Chunks),
			"batch_size", u.opts.BatchSize)
	} else {
		u.logger.Info("resuming batch upload",
			"batch_id", p.BatchID,
			"resume_chunk", p.ResumeIndex+1,
			"chunks", len(p.Chunks))
	}

	res := Result{
		BatchID: p.BatchID,
		Resumed: resumed,
		Files:   p.TotalFiles,
		Chunks:  len(p.Chunks),
	}

	for i := p.ResumeIndex; i < len(p.Chunks); i++ {
		if err := u.uploadChunk(ctx, p, i); err != nil {
			u.logger.Error("batch chunk failed",
				"batch_id", p.BatchID,
				"chunk", i+1,
				"chunks", len(p.Chunks),
				"error", err)
			return res, &PartialFailure{
				BatchID:     p.BatchID,
				ResumeIndex: i,
				Chunks:      len(p.Chunks),
				Err:         err,
			}
		}
		res.ChunksPushed++
	}

	if err := u.store.Clear(); err != nil {
		return res, err
	}
	u.logger.Info("batch upload completed", "batch_id", p.BatchID, "chunks", len(p.Chunks))
	return res, nil
}

func (u *Uploader) uploadChunk(ctx context.Context, p *Progress, i int) error {
	chunk := &p.Chunks[i]

	if !chunk.Committed {
		if err := u.commitChunk(ctx, p, i); err != nil {
			return err
		}
		chunk.Committed = true
		if err := u.store.Save(p); err != nil {
			return err
		}
	}

	if err := u.git.Push(ctx, u.opts.Remote, u.opts.Branch); err != nil {
		return fmt.Errorf("push chunk %d: %w", i+1, err)
	}
	chunk.Pushed = true
	p.ResumeIndex = i + 1
	if err := u.store.Save(p); err != nil {
		return err
	}

	u.logger.Info("chunk pushed", "batch_id", p.BatchID, "chunk", i+1, "chunks", len(p.Chunks), "files", len(chunk.Files))
	return nil
}

// commitChunk stages the chunk's paths that are still dirty and commits
// them. Paths changed back in the meantime are simply skipped.
func (u *Uploader) commitChunk(ctx context.Context, p *Progress, i int) error {
	dirty, err := u.git.Status(ctx)
	if err != nil {
		return fmt.Errorf("status before chunk %d: %w", i+1, err)
	}

	paths := intersect(p.Chunks[i].Files, dirty)
	if len(paths) == 0 {
		u.logger.Debug("chunk has no remaining changes", "batch_id", p.BatchID, "chunk", i+1)
		return nil
	}

	if err := u.git.Add(ctx, paths); err != nil {
		return fmt.Errorf("stage chunk %d: %w", i+1, err)
	}
	if _, err := u.git.Commit(ctx, commitMessage(u.clock.Now(), i, len(p.Chunks))); err != nil {
		return fmt.Errorf("commit chunk %d: %w", i+1, err)
	}
	return nil
}

// PushOutstanding pushes local commits the remote-tracking branch does not
// have yet, such as a merge left behind by repair. It reports whether a push
// was attempted.
func (u *Uploader) PushOutstanding(ctx context.Context) (bool, error) {
	ahead, err := u.git.Ahead(ctx, u.opts.Remote, u.opts.Branch)
	if err != nil {
		return false, fmt.Errorf("count unpushed commits: %w", err)
	}
	if ahead == 0 {
		return false, nil
	}
	u.logger.Info("pushing local commits", "commits", ahead)
	if err := u.git.Push(ctx, u.opts.Remote, u.opts.Branch); err != nil {
		return true, fmt.Errorf("push: %w", err)
	}
	return true, nil
}

// pushOutstanding pushes local commits when there is nothing new to commit.
func (u *Uploader) pushOutstanding(ctx context.Context) error {
	head, err := u.git.Head(ctx)
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	if head == "" {
		return nil
	}
	if err := u.git.Push(ctx, u.opts.Remote, u.opts.Branch); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

func (u *Uploader) newProgress(files []string) *Progress {
	now := u.clock.Now()
	return &Progress{
		BatchID:    ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		RepoPath:   u.opts.RepoPath,
		CreatedAt:  now.UTC(),
		TotalFiles: len(files),
		Chunks:     Partition(files, u.opts.BatchSize),
	}
}

// Partition splits files into consecutive chunks of at most size paths.
func Partition(files []string, size int) []Chunk {
	chunks := make([]Chunk, 0, (len(files)+size-1)/size)
	for start := 0; start < len(files); start += size {
		end := min(start+size, len(files))
		chunks = append(chunks, Chunk{Files: slices.Clone(files[start:end])})
	}
	return chunks
}

func commitMessage(now time.Time, i, total int) string {
	msg := "vaultsync: " + now.UTC().Format(time.RFC3339)
	if total > 1 {
		msg += fmt.Sprintf(" (chunk %d/%d)", i+1, total)
	}
	return msg
}

func normalize(files []string) []string {
	out := slices.Clone(files)
	slices.Sort(out)
	return slices.Compact(out)
}

func intersect(want, have []string) []string {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	var out []string
	for _, w := range want {
		if set[w] {
			out = append(out, w)
		}
	}
	return out
}
