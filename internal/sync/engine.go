// Package sync runs the polling loop that keeps the vault in step with its
// remote: observe, wait for the tree to go idle, pull, upload, and repair
// after failures.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/schaermu/vaultsync/internal/batch"
	"github.com/schaermu/vaultsync/internal/clock"
	"github.com/schaermu/vaultsync/internal/conflict"
	"github.com/schaermu/vaultsync/internal/git"
	"github.com/schaermu/vaultsync/internal/metrics"
	"github.com/schaermu/vaultsync/internal/repair"
	"github.com/schaermu/vaultsync/internal/vault"
)

// Observer takes snapshots of the work tree.
type Observer interface {
	Snapshot(ctx context.Context) (vault.Snapshot, error)
}

// Puller integrates remote changes.
type Puller interface {
	PullSafe(ctx context.Context) (conflict.PullResult, error)
}

// Uploader commits and pushes changes in batches.
type Uploader interface {
	Upload(ctx context.Context, dirtyFiles []string) (batch.Result, error)
	Pending() (*batch.Progress, error)
	PushOutstanding(ctx context.Context) (bool, error)
}

// Repairer runs remediation after a failure.
type Repairer interface {
	Repair(ctx context.Context) repair.Outcome
}

// ConfigReader reads effective git configuration.
type ConfigReader interface {
	ConfigGet(ctx context.Context, key string) (string, bool, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Observer Observer
	Puller   Puller
	Uploader Uploader
	Repairer Repairer
	Config   ConfigReader
	Clock    clock.Clock
	Logger   *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Options are the timing parameters of the loop.
type Options struct {
	IdleThreshold time.Duration
	Interval      time.Duration
	MaxBackoff    time.Duration
	// LockPath, when set, is locked for the duration of Run.
	LockPath string
}

// Engine is the sync loop. Tick and Run must be called from a single
// goroutine; Nudge and Status are safe for concurrent use.
type Engine struct {
	observer Observer
	puller   Puller
	uploader Uploader
	repairer Repairer
	config   ConfigReader
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	opts     Options

	backoff         *backoff.ExponentialBackOff
	retryAt         time.Time
	identityMissing bool
	lastSnapshot    vault.Snapshot

	nudge chan struct{}

	mu     sync.Mutex
	status Status
}

// NewEngine creates an engine.
func NewEngine(deps Deps, opts Options) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.Interval
	b.MaxInterval = opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Clock = deps.Clock
	b.Reset()

	return &Engine{
		observer: deps.Observer,
		puller:   deps.Puller,
		uploader: deps.Uploader,
		repairer: deps.Repairer,
		config:   deps.Config,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		opts:     opts,
		backoff:  b,
		nudge:    make(chan struct{}, 1),
	}
}

// Run loops until ctx is cancelled. Cancellation is observed at the top of
// each iteration and while waiting, never in the middle of a git operation.
func (e *Engine) Run(ctx context.Context) error {
	if e.opts.LockPath != "" {
		lock, err := AcquireLock(e.opts.LockPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				e.logger.Warn("failed to release sync lock", "error", err)
			}
		}()
	}

	e.logger.Info("sync loop started",
		"idle_threshold", e.opts.IdleThreshold,
		"interval", e.opts.Interval,
		"max_backoff", e.opts.MaxBackoff)

	for {
		if ctx.Err() != nil {
			break
		}

		e.Tick(ctx)

		wait := e.nextWait()
		e.logger.Debug("waiting for next poll", "wait", wait)
		select {
		case <-ctx.Done():
		case <-e.clock.After(wait):
		case <-e.nudge:
			e.logger.Debug("woken before next poll")
		}
	}

	e.setPhase(Terminated)
	e.logger.Info("sync loop stopped")
	return nil
}

// Nudge wakes the loop early. It never blocks; wakeups arriving while one is
// already pending are merged.
func (e *Engine) Nudge() {
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

// Status returns a copy of the current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Tick runs a single iteration of the loop and returns the phase it ended in.
// A successful sync reports SyncInProgress while Status returns to Polling.
func (e *Engine) Tick(ctx context.Context) Phase {
	now := e.clock.Now()

	snap, err := e.observer.Snapshot(ctx)
	if err != nil {
		e.logger.Warn("failed to observe work tree", "error", err)
		return e.setPhase(Polling)
	}
	pending, err := e.uploader.Pending()
	if err != nil {
		e.logger.Warn("failed to read batch progress", "error", err)
		return e.setPhase(Polling)
	}
	e.lastSnapshot = snap
	e.observe(now, snap, pending)

	backingOff := now.Before(e.retryAt)

	if snap.Clean() && pending == nil {
		if !backingOff && e.pullWhileClean(ctx) {
			// Commits can outlive their batch, e.g. a repair merge whose
			// push failed.
			if _, err := e.uploader.PushOutstanding(ctx); err != nil {
				return e.handleFailure(ctx, fmt.Errorf("push: %w", err))
			}
		}
		return e.setPhase(Clean)
	}

	if e.identityMissing {
		if !e.identityConfigured(ctx) {
			e.logger.Debug("sync skipped until git identity is configured")
			return e.setPhase(DirtyWaiting)
		}
		e.identityMissing = false
		e.updateStatus(func(s *Status) { s.IdentityNeeded = false })
		e.logger.Info("git identity configured, resuming sync")
	}

	if backingOff {
		e.logger.Debug("backing off after failure", "retry_at", e.retryAt)
		return e.setPhase(DirtyWaiting)
	}

	if pending == nil {
		state := vault.State(snap, e.opts.IdleThreshold, now)
		if state.Kind != vault.IdleReady {
			e.logger.Debug("waiting for idle",
				"dirty_files", len(snap.DirtyFiles),
				"idle_for", now.Sub(state.Since).Truncate(time.Second),
				"idle_threshold", e.opts.IdleThreshold)
			return e.setPhase(DirtyWaiting)
		}
	}

	e.setPhase(SyncInProgress)
	res, err := e.syncOnce(ctx, snap)
	if err != nil {
		return e.handleFailure(ctx, err)
	}

	e.backoff.Reset()
	e.retryAt = time.Time{}
	done := e.clock.Now()
	e.metrics.SyncSucceeded(done, res.ChunksPushed)
	e.updateStatus(func(s *Status) {
		s.LastSync = done
		s.LastError = ""
		s.LastErrorClass = ""
		s.RetryAt = time.Time{}
		s.PendingChunks = 0
	})
	e.logger.Info("sync completed",
		"files", res.Files,
		"chunks", res.Chunks,
		"resumed", res.Resumed)
	e.setPhase(Polling)
	return SyncInProgress
}

// syncOnce pulls and then uploads.
func (e *Engine) syncOnce(ctx context.Context, snap vault.Snapshot) (batch.Result, error) {
	if _, err := e.puller.PullSafe(ctx); err != nil {
		return batch.Result{}, fmt.Errorf("pull: %w", err)
	}
	res, err := e.uploader.Upload(ctx, snap.DirtyFiles)
	if err != nil {
		return res, fmt.Errorf("upload: %w", err)
	}
	return res, nil
}

func (e *Engine) handleFailure(ctx context.Context, err error) Phase {
	class := Classify(err)
	delay := e.backoff.NextBackOff()
	e.retryAt = e.clock.Now().Add(delay)

	attrs := []any{"error", err, "class", ClassName(err), "retry_in", delay.Truncate(time.Second)}
	var partial *batch.PartialFailure
	if errors.As(err, &partial) {
		attrs = append(attrs, "batch_id", partial.BatchID, "chunk", partial.ResumeIndex+1, "chunks", partial.Chunks)
	}
	var cmdErr *git.CommandError
	if errors.As(err, &cmdErr) {
		attrs = append(attrs, "op", cmdErr.Op, "kind", cmdErr.Kind)
	}
	e.logger.Error("sync failed", attrs...)

	e.metrics.SyncFailed(ClassName(err), delay)
	e.updateStatus(func(s *Status) {
		s.LastError = err.Error()
		s.LastErrorClass = ClassName(err)
		s.RetryAt = e.retryAt
		if partial != nil {
			s.PendingChunks = partial.Chunks - partial.ResumeIndex
		}
	})

	if errors.Is(class, ErrAuthentication) {
		if git.IsKind(err, git.KindIdentity) {
			e.identityMissing = true
			e.updateStatus(func(s *Status) { s.IdentityNeeded = true })
			e.logger.Error("git identity is not configured; set user.name and user.email for the repository")
		} else {
			e.logger.Error("git rejected the credentials; check the configured ssh key or token")
		}
		return e.setPhase(Polling)
	}

	e.setPhase(RepairTriggered)
	outcome := e.repairer.Repair(ctx)
	for _, step := range outcome.Steps {
		e.metrics.RepairStep(step.Name, string(step.Status))
	}
	e.updateStatus(func(s *Status) { s.LastRepair = &outcome })
	return RepairTriggered
}

// pullWhileClean fetches remote changes when there is nothing local to
// upload. Failures are logged and left to the next sync cycle; the result
// reports whether the pull succeeded.
func (e *Engine) pullWhileClean(ctx context.Context) bool {
	res, err := e.puller.PullSafe(ctx)
	if err != nil {
		e.logger.Warn("pull failed", "error", err, "class", ClassName(err))
		return false
	}
	if res == conflict.Updated {
		e.logger.Info("work tree updated from remote")
	}
	return true
}

func (e *Engine) identityConfigured(ctx context.Context) bool {
	for _, key := range []string{"user.name", "user.email"} {
		v, ok, err := e.config.ConfigGet(ctx, key)
		if err != nil || !ok || v == "" {
			return false
		}
	}
	return true
}

// nextWait returns how long to sleep before the next tick: the poll
// interval, shortened to the moment the tree becomes idle.
func (e *Engine) nextWait() time.Duration {
	wait := e.opts.Interval
	deadline := vault.IdleDeadline(e.lastSnapshot, e.opts.IdleThreshold)
	if deadline.IsZero() {
		return wait
	}
	if until := deadline.Sub(e.clock.Now()); until > 0 && until < wait {
		wait = until
	}
	return wait
}

func (e *Engine) observe(now time.Time, snap vault.Snapshot, pending *batch.Progress) {
	chunks := 0
	if pending != nil {
		chunks = pending.Remaining()
	}
	e.metrics.Observe(len(snap.DirtyFiles), chunks)
	e.updateStatus(func(s *Status) {
		s.LastPoll = now
		s.DirtyFiles = len(snap.DirtyFiles)
		s.PendingChunks = chunks
	})
}

func (e *Engine) setPhase(p Phase) Phase {
	e.mu.Lock()
	prev := e.status.Phase
	e.status.Phase = p
	e.mu.Unlock()

	if prev != p {
		e.logger.Info("phase changed", "from", prev.String(), "to", p.String())
	}
	return p
}

func (e *Engine) updateStatus(fn func(*Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.status)
}
