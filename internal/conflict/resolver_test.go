package conflict

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/vaultsync/internal/git"
	"github.com/schaermu/vaultsync/internal/testutil"
)

func newTestResolver(fake *testutil.FakeGit, branch string) *Resolver {
	return NewResolver(fake, "origin", branch, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPullSafeAlwaysRebases(t *testing.T) {
	fake := testutil.NewFakeGit()
	fake.Commits = [][]string{{"a.md"}}
	r := newTestResolver(fake, "")

	res, err := r.PullSafe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UpToDate, res)
	require.Len(t, fake.Pulls, 1)
	assert.Equal(t, git.PullOptions{Rebase: true, Autostash: true, Remote: "origin", Branch: "main"}, fake.Pulls[0])
}

func TestPullSafeEmptyRemoteIsUpToDate(t *testing.T) {
	fake := testutil.NewFakeGit()
	fake.RemoteBranchExists = false
	r := newTestResolver(fake, "main")

	res, err := r.PullSafe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UpToDate, res)
	assert.Empty(t, fake.Pulls)
}

func TestPullSafeUnrelatedHistories(t *testing.T) {
	fake := testutil.NewFakeGit()
	fake.Commits = [][]string{{"a.md"}}
	fake.Related = false
	r := newTestResolver(fake, "main")

	_, err := r.PullSafe(context.Background())
	var diverged *DivergedError
	require.ErrorAs(t, err, &diverged)
	assert.Equal(t, ReasonUnrelatedHistories, diverged.Reason)
	assert.True(t, IsUnrelated(err))
	assert.Empty(t, fake.Pulls, "no pull is attempted against an unrelated history")
}

func TestPullSafeUnbornBranchSkipsMergeBase(t *testing.T) {
	fake := testutil.NewFakeGit()
	fake.Related = false
	r := newTestResolver(fake, "main")

	_, err := r.PullSafe(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fake.CallCount("merge-base"))
	assert.Len(t, fake.Pulls, 1)
}

func TestPullSafeFailures(t *testing.T) {
	tests := []struct {
		name       string
		kind       git.Kind
		wantReason Reason
		wantAbort  bool
	}{
		{name: "content conflict", kind: git.KindConflict, wantReason: ReasonContentConflict, wantAbort: true},
		{name: "non fast forward", kind: git.KindNonFastForward, wantReason: ReasonNonFastForward, wantAbort: true},
		{name: "unrelated reported by git", kind: git.KindUnrelatedHistories, wantReason: ReasonUnrelatedHistories},
		{name: "network", kind: git.KindNetwork},
		{name: "authentication", kind: git.KindAuthentication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := testutil.NewFakeGit()
			fake.Commits = [][]string{{"a.md"}}
			fake.Fail("pull", testutil.GitError("pull", tt.kind, "output"))
			r := newTestResolver(fake, "main")

			_, err := r.PullSafe(context.Background())
			require.Error(t, err)

			var diverged *DivergedError
			if tt.wantReason == "" {
				assert.False(t, errors.As(err, &diverged))
				assert.Equal(t, tt.kind, git.KindOf(err))
			} else {
				require.ErrorAs(t, err, &diverged)
				assert.Equal(t, tt.wantReason, diverged.Reason)
			}
			if tt.wantAbort {
				assert.Equal(t, 1, fake.CallCount("rebase --abort"))
			}
		})
	}
}

func TestReconcileMergesUnrelatedHistory(t *testing.T) {
	fake := testutil.NewFakeGit()
	fake.Commits = [][]string{{"a.md"}}
	fake.Related = false
	r := newTestResolver(fake, "main")

	merged, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, []string{"origin/main"}, fake.Merged)

	// Histories are joined now; a second run is a no-op.
	merged, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, merged)
	assert.Len(t, fake.Merged, 1)
}

func TestReconcileConflictAbortsMerge(t *testing.T) {
	fake := testutil.NewFakeGit()
	fake.Commits = [][]string{{"README.md"}}
	fake.Related = false
	fake.Fail("merge", testutil.GitError("merge", git.KindConflict, "CONFLICT (add/add): Merge conflict in README.md"))
	r := newTestResolver(fake, "main")

	merged, err := r.Reconcile(context.Background())
	assert.False(t, merged)
	var diverged *DivergedError
	require.ErrorAs(t, err, &diverged)
	assert.Equal(t, ReasonContentConflict, diverged.Reason)
	assert.Equal(t, 1, fake.CallCount("merge --abort"))
}

func TestDetachedHeadWithoutBranch(t *testing.T) {
	fake := testutil.NewFakeGit()
	fake.Branch = ""
	r := newTestResolver(fake, "")

	_, err := r.PullSafe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detached")
}
