package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/vaultsync/internal/batch"
	"github.com/schaermu/vaultsync/internal/clock"
	"github.com/schaermu/vaultsync/internal/conflict"
	"github.com/schaermu/vaultsync/internal/git"
	"github.com/schaermu/vaultsync/internal/metrics"
	"github.com/schaermu/vaultsync/internal/repair"
	"github.com/schaermu/vaultsync/internal/testutil"
	"github.com/schaermu/vaultsync/internal/vault"
)

const (
	vaultRoot    = "/vault"
	progressFile = "/vault/.git/vaultsync/progress.json"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type countingRepairer struct {
	inner Repairer
	calls int
}

func (c *countingRepairer) Repair(ctx context.Context) repair.Outcome {
	c.calls++
	return c.inner.Repair(ctx)
}

type harness struct {
	fake     *testutil.FakeGit
	fs       afero.Fs
	clk      *clock.Fake
	repairer *countingRepairer
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := testutil.NewFakeGit()
	fake.Config["user.name"] = "Vault"
	fake.Config["user.email"] = "vault@example.com"
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll(vaultRoot, 0o755))
	clk := clock.NewFake(t0)

	resolver := conflict.NewResolver(fake, "origin", "main", logger)
	observer := vault.NewObserver(fake, fsys, vaultRoot, clk)
	uploader := batch.NewUploader(fake, batch.NewStore(fsys, progressFile), clk, logger, batch.Options{
		RepoPath:  vaultRoot,
		Remote:    "origin",
		Branch:    "main",
		BatchSize: 500,
	})
	repairer := &countingRepairer{inner: repair.New(fake, resolver, observer, uploader, repair.Options{
		Remote:     "origin",
		RemoteURL:  "git@github.com:me/vault.git",
		PostBuffer: 524288000,
	}, logger)}

	engine := NewEngine(Deps{
		Observer: observer,
		Puller:   resolver,
		Uploader: uploader,
		Repairer: repairer,
		Config:   fake,
		Clock:    clk,
		Logger:   logger,
		Metrics:  metrics.New(),
	}, Options{
		IdleThreshold: 60 * time.Second,
		Interval:      15 * time.Second,
		MaxBackoff:    10 * time.Minute,
	})

	return &harness{fake: fake, fs: fsys, clk: clk, repairer: repairer, engine: engine}
}

// edit marks rel dirty with the given modification time.
func (h *harness) edit(t *testing.T, rel string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(vaultRoot, rel)
	require.NoError(t, afero.WriteFile(h.fs, path, []byte(rel), 0o644))
	require.NoError(t, h.fs.Chtimes(path, mtime, mtime))
	h.fake.SetDirty(append(h.fake.Dirty, rel)...)
}

func TestTickCleanPullsOpportunistically(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, Clean, h.engine.Tick(context.Background()))
	require.Len(t, h.fake.Pulls, 1)
	assert.True(t, h.fake.Pulls[0].Rebase)
	assert.Equal(t, Clean, h.engine.Status().Phase)
}

func TestTickWaitsForIdleThenSyncs(t *testing.T) {
	h := newHarness(t)
	h.edit(t, "a.md", t0)
	h.edit(t, "b.md", t0.Add(5*time.Second))
	h.edit(t, "c.md", t0.Add(10*time.Second))

	h.clk.Set(t0.Add(65 * time.Second))
	assert.Equal(t, DirtyWaiting, h.engine.Tick(context.Background()))
	assert.Empty(t, h.fake.Commits)
	assert.Equal(t, 3, h.engine.Status().DirtyFiles)
	assert.Equal(t, 5*time.Second, h.engine.nextWait(), "wakes exactly when the tree turns idle")

	h.clk.Set(t0.Add(71 * time.Second))
	assert.Equal(t, SyncInProgress, h.engine.Tick(context.Background()))
	require.Len(t, h.fake.Commits, 1)
	assert.Equal(t, []string{"a.md", "b.md", "c.md"}, h.fake.Commits[0])
	assert.Equal(t, 0, h.fake.Unpushed())
	assert.Equal(t, t0.Add(71*time.Second), h.engine.Status().LastSync)
	assert.Zero(t, h.repairer.calls)
	assert.Equal(t, Polling, h.engine.Status().Phase, "status leaves sync-in-progress once the sync is done")

	assert.Equal(t, Clean, h.engine.Tick(context.Background()))
}

func TestCleanTickPushesLeftoverCommits(t *testing.T) {
	h := newHarness(t)
	// A merge commit from an earlier repair whose push failed.
	h.fake.Commits = [][]string{{"note.md"}, {"merge"}}
	h.fake.Pushed = 1

	assert.Equal(t, Clean, h.engine.Tick(context.Background()))
	assert.Equal(t, 0, h.fake.Unpushed())
	assert.Equal(t, 1, h.fake.CallCount("push"))

	// Nothing ahead: no further pushes.
	assert.Equal(t, Clean, h.engine.Tick(context.Background()))
	assert.Equal(t, 1, h.fake.CallCount("push"))
}

func TestCleanTickSkipsPushWhenPullFails(t *testing.T) {
	h := newHarness(t)
	h.fake.Commits = [][]string{{"note.md"}}
	h.fake.Fail("pull", testutil.GitError("pull", git.KindNetwork, "could not resolve host"))

	assert.Equal(t, Clean, h.engine.Tick(context.Background()))
	assert.Zero(t, h.fake.CallCount("push"))
	assert.Zero(t, h.repairer.calls)
}

func TestCleanTickPushFailureTriggersRepair(t *testing.T) {
	h := newHarness(t)
	h.fake.Commits = [][]string{{"note.md"}, {"merge"}}
	h.fake.Pushed = 1
	h.fake.Fail("push", testutil.GitError("push", git.KindNetwork, "could not resolve host"))

	assert.Equal(t, RepairTriggered, h.engine.Tick(context.Background()))
	assert.Equal(t, 1, h.repairer.calls)
	assert.Equal(t, "transient-network", h.engine.Status().LastErrorClass)
	assert.Equal(t, 0, h.fake.Unpushed(), "the repair upload step pushes the leftover commit")
}

func TestOnlyRebasingPullsAreIssued(t *testing.T) {
	h := newHarness(t)
	h.fake.Commits = [][]string{{"old.md"}}
	h.fake.Pushed = 1

	h.engine.Tick(context.Background())
	h.edit(t, "a.md", t0)
	h.clk.Advance(2 * time.Minute)
	h.engine.Tick(context.Background())
	h.engine.Tick(context.Background())

	require.NotEmpty(t, h.fake.Pulls)
	for _, p := range h.fake.Pulls {
		assert.True(t, p.Rebase, "pull without --rebase: %+v", p)
	}
}

func TestFailureRepairsOnceThenBacksOff(t *testing.T) {
	h := newHarness(t)
	netErr := testutil.GitError("push", git.KindNetwork, "fatal: unable to access: Failed to connect to proxy")
	h.fake.FailAlways("push", netErr)
	h.edit(t, "a.md", t0)
	h.clk.Set(t0.Add(2 * time.Minute))

	assert.Equal(t, RepairTriggered, h.engine.Tick(context.Background()))
	assert.Equal(t, 1, h.repairer.calls)
	status := h.engine.Status()
	assert.Equal(t, "partial-upload", status.LastErrorClass)
	assert.Equal(t, 1, status.PendingChunks)
	require.NotNil(t, status.LastRepair)
	firstRetry := status.RetryAt
	assert.False(t, firstRetry.Before(h.clk.Now().Add(7500*time.Millisecond)))
	assert.False(t, firstRetry.After(h.clk.Now().Add(22500*time.Millisecond)))

	// Still backing off: no new attempt, no new repair.
	assert.Equal(t, DirtyWaiting, h.engine.Tick(context.Background()))
	assert.Equal(t, 1, h.repairer.calls)

	h.clk.Set(firstRetry)
	assert.Equal(t, RepairTriggered, h.engine.Tick(context.Background()))
	assert.Equal(t, 2, h.repairer.calls)
	assert.Len(t, h.fake.Commits, 1, "the chunk is committed once and only the push is retried")

	h.fake.FailAlways("push", nil)
	h.clk.Advance(time.Hour)
	assert.Equal(t, SyncInProgress, h.engine.Tick(context.Background()))
	assert.Equal(t, 0, h.fake.Unpushed())
	status = h.engine.Status()
	assert.Empty(t, status.LastError)
	assert.Zero(t, status.PendingChunks)
	assert.True(t, status.RetryAt.IsZero())
}

func TestMissingIdentityShortCircuitsWithoutRepair(t *testing.T) {
	h := newHarness(t)
	delete(h.fake.Config, "user.name")
	h.fake.FailAlways("commit", testutil.GitError("commit", git.KindIdentity, "Author identity unknown"))
	h.edit(t, "a.md", t0)
	h.clk.Set(t0.Add(2 * time.Minute))

	assert.Equal(t, Polling, h.engine.Tick(context.Background()))
	assert.Zero(t, h.repairer.calls)
	assert.True(t, h.engine.Status().IdentityNeeded)
	assert.Equal(t, "authentication", h.engine.Status().LastErrorClass)

	h.clk.Advance(time.Hour)
	commitsTried := h.fake.CallCount("commit")
	assert.Equal(t, DirtyWaiting, h.engine.Tick(context.Background()))
	assert.Equal(t, commitsTried, h.fake.CallCount("commit"), "no attempt while identity is missing")

	h.fake.Config["user.name"] = "Vault"
	h.fake.FailAlways("commit", nil)
	assert.Equal(t, SyncInProgress, h.engine.Tick(context.Background()))
	assert.False(t, h.engine.Status().IdentityNeeded)
	assert.Equal(t, 0, h.fake.Unpushed())
	assert.Zero(t, h.repairer.calls)
}

func TestUnrelatedHistoriesAreMergedByRepair(t *testing.T) {
	h := newHarness(t)
	h.fake.Commits = [][]string{{"note.md"}}
	h.fake.Related = false
	h.edit(t, "new.md", t0)
	h.clk.Set(t0.Add(2 * time.Minute))

	assert.Equal(t, RepairTriggered, h.engine.Tick(context.Background()))
	status := h.engine.Status()
	assert.Equal(t, "diverged-history", status.LastErrorClass)
	require.NotNil(t, status.LastRepair)
	assert.True(t, status.LastRepair.HistoriesMerged)
	assert.Equal(t, []string{"origin/main"}, h.fake.Merged)
	assert.Empty(t, h.fake.Dirty, "upload proceeds after the merge")
	assert.Equal(t, 0, h.fake.Unpushed())

	h.clk.Advance(time.Hour)
	assert.Equal(t, Clean, h.engine.Tick(context.Background()))
}

func TestSnapshotFailureStaysPolling(t *testing.T) {
	h := newHarness(t)
	h.fake.Fail("status", errors.New("index.lock exists"))

	assert.Equal(t, Polling, h.engine.Tick(context.Background()))
	assert.Zero(t, h.repairer.calls)
}

func TestNextWaitDefaultsToInterval(t *testing.T) {
	h := newHarness(t)
	h.engine.Tick(context.Background())
	assert.Equal(t, 15*time.Second, h.engine.nextWait())

	// An idle deadline that already passed does not shorten the wait.
	h.edit(t, "a.md", t0.Add(-time.Hour))
	h.fake.FailAlways("push", testutil.GitError("push", git.KindNetwork, "could not resolve host"))
	h.engine.Tick(context.Background())
	assert.Equal(t, 15*time.Second, h.engine.nextWait())
}

func TestRunStopsOnCancelAndHonoursNudge(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return h.clk.Waiters() == 1 }, time.Second, time.Millisecond)
	h.engine.Nudge()
	h.engine.Nudge()
	require.Eventually(t, func() bool { return h.fake.CallCount("pull") >= 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, Terminated, h.engine.Status().Phase)
}

func TestRunRefusesSecondInstance(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "sync.lock")
	lock, err := AcquireLock(lockPath)
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	h := newHarness(t)
	h.engine.opts.LockPath = lockPath
	err = h.engine.Run(context.Background())
	require.ErrorIs(t, err, ErrLocked)
}
