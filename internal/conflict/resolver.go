// Package conflict integrates remote changes without creating merge
// commits for ordinary divergence, and reconciles histories that share no
// common ancestor. It never resolves content conflicts on its own.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schaermu/vaultsync/internal/git"
)

// Reason explains why local and remote history could not be combined.
type Reason string

const (
	ReasonUnrelatedHistories Reason = "unrelated-histories"
	ReasonContentConflict    Reason = "content-conflict"
	ReasonNonFastForward     Reason = "non-fast-forward"
)

// DivergedError is returned when the remote cannot be integrated
// automatically.
type DivergedError struct {
	Reason Reason
	Err    error
}

func (e *DivergedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("history diverged: %s", e.Reason)
	}
	return fmt.Sprintf("history diverged: %s: %v", e.Reason, e.Err)
}

func (e *DivergedError) Unwrap() error {
	return e.Err
}

// IsUnrelated reports whether err is a DivergedError caused by unrelated
// histories.
func IsUnrelated(err error) bool {
	var d *DivergedError
	return errors.As(err, &d) && d.Reason == ReasonUnrelatedHistories
}

// PullResult is the outcome of a successful PullSafe.
type PullResult int

const (
	UpToDate PullResult = iota
	Updated
)

func (r PullResult) String() string {
	if r == Updated {
		return "updated"
	}
	return "up-to-date"
}

// Client is the subset of git operations the resolver needs.
type Client interface {
	Pull(ctx context.Context, opts git.PullOptions) error
	Fetch(ctx context.Context, remote string) error
	MergeUnrelated(ctx context.Context, ref string) error
	AbortMerge(ctx context.Context) error
	AbortRebase(ctx context.Context) error
	Head(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	MergeBase(ctx context.Context, a, b string) (bool, error)
	RemoteHasBranch(ctx context.Context, remote, branch string) (bool, error)
}

// Resolver pulls from a single remote branch.
type Resolver struct {
	git    Client
	remote string
	branch string
	logger *slog.Logger
}

// NewResolver creates a resolver. An empty branch means the branch checked
// out at the time of each call.
func NewResolver(client Client, remote, branch string, logger *slog.Logger) *Resolver {
	return &Resolver{
		git:    client,
		remote: remote,
		branch: branch,
		logger: logger,
	}
}

// PullSafe integrates the remote branch by rebasing local commits on top of
// it. Uncommitted changes are stashed for the duration of the rebase. A
// rebase that cannot complete is aborted, leaving the work tree as it was,
// and reported as a DivergedError.
func (r *Resolver) PullSafe(ctx context.Context) (PullResult, error) {
	branch, err := r.resolveBranch(ctx)
	if err != nil {
		return UpToDate, err
	}

	exists, err := r.git.RemoteHasBranch(ctx, r.remote, branch)
	if err != nil {
		return UpToDate, fmt.Errorf("check remote branch: %w", err)
	}
	if !exists {
		r.logger.Debug("remote branch does not exist yet", "remote", r.remote, "branch", branch)
		return UpToDate, nil
	}

	before, err := r.git.Head(ctx)
	if err != nil {
		return UpToDate, fmt.Errorf("resolve HEAD: %w", err)
	}

	if before != "" {
		if err := r.git.Fetch(ctx, r.remote); err != nil {
			return UpToDate, fmt.Errorf("fetch: %w", err)
		}
		related, err := r.git.MergeBase(ctx, "HEAD", r.remoteRef(branch))
		if err != nil {
			return UpToDate, fmt.Errorf("find merge base: %w", err)
		}
		if !related {
			return UpToDate, &DivergedError{Reason: ReasonUnrelatedHistories}
		}
	}

	err = r.git.Pull(ctx, git.PullOptions{Rebase: true, Autostash: true, Remote: r.remote, Branch: branch})
	if err != nil {
		return UpToDate, r.pullFailure(ctx, err)
	}

	after, err := r.git.Head(ctx)
	if err != nil {
		return UpToDate, fmt.Errorf("resolve HEAD: %w", err)
	}
	if after != before {
		r.logger.Info("pulled remote changes", "remote", r.remote, "branch", branch, "head", shortHash(after))
		return Updated, nil
	}
	return UpToDate, nil
}

// pullFailure cleans up after a failed rebase pull and maps the failure.
func (r *Resolver) pullFailure(ctx context.Context, err error) error {
	switch kind := git.KindOf(err); kind {
	case git.KindNetwork, git.KindAuthentication, git.KindIdentity:
		return fmt.Errorf("pull --rebase: %w", err)
	case git.KindUnrelatedHistories:
		return &DivergedError{Reason: ReasonUnrelatedHistories, Err: err}
	case git.KindConflict, git.KindNonFastForward:
		if abortErr := r.git.AbortRebase(ctx); abortErr != nil {
			r.logger.Warn("failed to abort rebase", "error", abortErr)
		}
		reason := ReasonContentConflict
		if kind == git.KindNonFastForward {
			reason = ReasonNonFastForward
		}
		return &DivergedError{Reason: reason, Err: err}
	default:
		// Unknown failures can still leave a rebase behind.
		_ = r.git.AbortRebase(ctx)
		return fmt.Errorf("pull --rebase: %w", err)
	}
}

// Reconcile joins the local history with an unrelated remote history using
// a merge that allows unrelated histories. It returns true when a merge was
// made. Conflicting files abort the merge and yield a DivergedError.
func (r *Resolver) Reconcile(ctx context.Context) (bool, error) {
	branch, err := r.resolveBranch(ctx)
	if err != nil {
		return false, err
	}

	if err := r.git.Fetch(ctx, r.remote); err != nil {
		return false, fmt.Errorf("fetch: %w", err)
	}

	ref := r.remoteRef(branch)
	head, err := r.git.Head(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve HEAD: %w", err)
	}
	if head != "" {
		related, err := r.git.MergeBase(ctx, "HEAD", ref)
		if err != nil {
			return false, fmt.Errorf("find merge base: %w", err)
		}
		if related {
			return false, nil
		}
	}

	r.logger.Info("merging unrelated remote history", "ref", ref)
	if err := r.git.MergeUnrelated(ctx, ref); err != nil {
		if abortErr := r.git.AbortMerge(ctx); abortErr != nil {
			r.logger.Debug("merge abort after failed merge", "error", abortErr)
		}
		if git.IsKind(err, git.KindConflict) {
			return false, &DivergedError{Reason: ReasonContentConflict, Err: err}
		}
		return false, fmt.Errorf("merge %s: %w", ref, err)
	}
	return true, nil
}

func (r *Resolver) resolveBranch(ctx context.Context) (string, error) {
	if r.branch != "" {
		return r.branch, nil
	}
	branch, err := r.git.CurrentBranch(ctx)
	if err != nil {
		return "", fmt.Errorf("determine current branch: %w", err)
	}
	if branch == "" {
		return "", errors.New("HEAD is detached and no branch is configured")
	}
	return branch, nil
}

func (r *Resolver) remoteRef(branch string) string {
	return r.remote + "/" + branch
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
