// Package repair runs best-effort remediation after a failed sync: clearing
// proxy settings, raising the HTTP post buffer, relinking the remote,
// joining unrelated histories and retrying the upload. Every step is safe to
// repeat and a failing step never prevents the following ones.
package repair

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/vaultsync/internal/batch"
	"github.com/schaermu/vaultsync/internal/conflict"
	"github.com/schaermu/vaultsync/internal/vault"
)

// StepStatus is the result of a single repair step.
type StepStatus string

const (
	// StepApplied means the step changed something.
	StepApplied StepStatus = "applied"
	// StepOK means the desired state was already in place.
	StepOK      StepStatus = "ok"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// Step names, in execution order.
const (
	StepClearProxy       = "clear-proxy"
	StepPostBuffer       = "post-buffer"
	StepRemoteLink       = "remote-link"
	StepReconcileHistory = "reconcile-history"
	StepUpload           = "upload"
)

// Step records the outcome of one remediation step.
type Step struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// Outcome summarizes a repair run. The flags describe the state after the
// run rather than what this run changed, so repeating a repair with nothing
// changed in between reports the same flags.
type Outcome struct {
	ProxyCleared    bool   `json:"proxy_cleared"`
	RemoteRelinked  bool   `json:"remote_relinked"`
	HistoriesMerged bool   `json:"histories_merged"`
	Steps           []Step `json:"steps"`
}

// Failed returns the steps that failed.
func (o Outcome) Failed() []Step {
	var failed []Step
	for _, s := range o.Steps {
		if s.Status == StepFailed {
			failed = append(failed, s)
		}
	}
	return failed
}

// Git is the subset of git operations repair uses directly.
type Git interface {
	UnsetProxyConfig(ctx context.Context) (bool, error)
	SetBufferSize(ctx context.Context, bytes int64) error
	ConfigGet(ctx context.Context, key string) (string, bool, error)
	RemoteURL(ctx context.Context, name string) (string, error)
	SetRemote(ctx context.Context, name, url string) (bool, error)
	RemoteHasCommits(ctx context.Context, remote string) (bool, error)
}

// Puller integrates remote history.
type Puller interface {
	PullSafe(ctx context.Context) (conflict.PullResult, error)
	Reconcile(ctx context.Context) (bool, error)
}

// Snapshotter observes the work tree.
type Snapshotter interface {
	Snapshot(ctx context.Context) (vault.Snapshot, error)
}

// Uploader commits and pushes changes.
type Uploader interface {
	Upload(ctx context.Context, dirtyFiles []string) (batch.Result, error)
}

// Options configures the repair target.
type Options struct {
	Remote     string
	RemoteURL  string
	PostBuffer int64
}

// Repairer runs the remediation steps.
type Repairer struct {
	git      Git
	puller   Puller
	observer Snapshotter
	uploader Uploader
	opts     Options
	logger   *slog.Logger
}

// New creates a Repairer.
func New(g Git, puller Puller, observer Snapshotter, uploader Uploader, opts Options, logger *slog.Logger) *Repairer {
	return &Repairer{
		git:      g,
		puller:   puller,
		observer: observer,
		uploader: uploader,
		opts:     opts,
		logger:   logger,
	}
}

// Repair runs every step in order and records their outcomes.
func (r *Repairer) Repair(ctx context.Context) Outcome {
	r.logger.Info("starting repair")

	var out Outcome
	record := func(s Step) {
		out.Steps = append(out.Steps, s)
		attrs := []any{"step", s.Name, "status", s.Status}
		if s.Detail != "" {
			attrs = append(attrs, "detail", s.Detail)
		}
		if s.Status == StepFailed {
			r.logger.Warn("repair step failed", attrs...)
			return
		}
		r.logger.Info("repair step", attrs...)
	}

	var step Step
	step, out.ProxyCleared = r.clearProxy(ctx)
	record(step)

	record(r.postBuffer(ctx))

	step, out.RemoteRelinked = r.remoteLink(ctx)
	record(step)

	step, out.HistoriesMerged = r.reconcileHistory(ctx, out.RemoteRelinked)
	record(step)

	record(r.upload(ctx))

	r.logger.Info("repair finished",
		"proxy_cleared", out.ProxyCleared,
		"remote_relinked", out.RemoteRelinked,
		"histories_merged", out.HistoriesMerged,
		"failed_steps", len(out.Failed()))
	return out
}

func (r *Repairer) clearProxy(ctx context.Context) (Step, bool) {
	step := Step{Name: StepClearProxy}

	removed, err := r.git.UnsetProxyConfig(ctx)
	if err != nil {
		return failed(step, err), false
	}

	// System-wide settings are out of reach; report them rather than
	// claiming the proxy is gone.
	for _, key := range []string{"http.proxy", "https.proxy"} {
		value, ok, err := r.git.ConfigGet(ctx, key)
		if err != nil {
			return failed(step, err), false
		}
		if ok {
			step.Status = StepFailed
			step.Detail = fmt.Sprintf("%s is still set to %q", key, value)
			return step, false
		}
	}

	if removed {
		step.Status = StepApplied
		step.Detail = "removed proxy settings"
	} else {
		step.Status = StepOK
	}
	return step, true
}

func (r *Repairer) postBuffer(ctx context.Context) Step {
	step := Step{Name: StepPostBuffer}
	if r.opts.PostBuffer <= 0 {
		step.Status = StepSkipped
		return step
	}

	want := strconv.FormatInt(r.opts.PostBuffer, 10)
	human := humanize.IBytes(uint64(r.opts.PostBuffer))

	current, ok, err := r.git.ConfigGet(ctx, "http.postBuffer")
	if err != nil {
		return failed(step, err)
	}
	if ok && current == want {
		step.Status = StepOK
		step.Detail = human
		return step
	}

	if err := r.git.SetBufferSize(ctx, r.opts.PostBuffer); err != nil {
		return failed(step, err)
	}
	step.Status = StepApplied
	step.Detail = "set http.postBuffer to " + human
	return step
}

func (r *Repairer) remoteLink(ctx context.Context) (Step, bool) {
	step := Step{Name: StepRemoteLink}

	if r.opts.RemoteURL == "" {
		current, err := r.git.RemoteURL(ctx, r.opts.Remote)
		if err != nil {
			return failed(step, err), false
		}
		if current == "" {
			step.Status = StepFailed
			step.Detail = fmt.Sprintf("remote %q is not configured and no remote_url is set", r.opts.Remote)
			return step, false
		}
		step.Status = StepOK
		step.Detail = current
		return step, true
	}

	changed, err := r.git.SetRemote(ctx, r.opts.Remote, r.opts.RemoteURL)
	if err != nil {
		return failed(step, err), false
	}
	step.Detail = r.opts.RemoteURL
	if changed {
		step.Status = StepApplied
	} else {
		step.Status = StepOK
	}
	return step, true
}

// reconcileHistory reports true when local and remote history are joined
// after the step, whether or not this run had to merge them.
func (r *Repairer) reconcileHistory(ctx context.Context, linked bool) (Step, bool) {
	step := Step{Name: StepReconcileHistory}
	if !linked {
		step.Status = StepSkipped
		step.Detail = "remote is not linked"
		return step, false
	}

	hasCommits, err := r.git.RemoteHasCommits(ctx, r.opts.Remote)
	if err != nil {
		return failed(step, err), false
	}
	if !hasCommits {
		step.Status = StepSkipped
		step.Detail = "remote has no commits"
		return step, false
	}

	_, err = r.puller.PullSafe(ctx)
	if err == nil {
		step.Status = StepOK
		return step, true
	}
	if !conflict.IsUnrelated(err) {
		return failed(step, err), false
	}

	merged, err := r.puller.Reconcile(ctx)
	if err != nil {
		return failed(step, err), false
	}
	if merged {
		step.Status = StepApplied
		step.Detail = "merged unrelated remote history"
	} else {
		step.Status = StepOK
	}
	return step, true
}

func (r *Repairer) upload(ctx context.Context) Step {
	step := Step{Name: StepUpload}

	snap, err := r.observer.Snapshot(ctx)
	if err != nil {
		return failed(step, err)
	}

	res, err := r.uploader.Upload(ctx, snap.DirtyFiles)
	if err != nil {
		return failed(step, err)
	}
	if res.Chunks == 0 {
		step.Status = StepOK
		return step
	}
	step.Status = StepApplied
	step.Detail = fmt.Sprintf("pushed %d of %d chunks (%s files)", res.ChunksPushed, res.Chunks, humanize.Comma(int64(res.Files)))
	return step
}

func failed(step Step, err error) Step {
	step.Status = StepFailed
	step.Detail = err.Error()
	return step
}
