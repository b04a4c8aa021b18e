// Package testutil holds helpers shared by tests across packages.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/schaermu/vaultsync/internal/git"
)

// FakeGit is an in-memory git.Client. It models a work tree as a dirty set,
// a staged set and a list of commits, and records every call by name.
// Errors can be scripted per operation with Fail.
type FakeGit struct {
	mu sync.Mutex

	Dirty   []string
	Staged  []string
	Commits [][]string
	// Pushed is the number of commits the remote has received.
	Pushed int
	Branch string

	// Remote state.
	RemoteBranchExists bool
	RemoteCommits      bool
	Related            bool
	Remotes            map[string]string
	Config             map[string]string

	Pulls  []git.PullOptions
	Merged []string
	Calls  []string

	failures map[string][]error
	always   map[string]error
}

// NewFakeGit returns a fake with a related, populated remote and a branch
// named main.
func NewFakeGit() *FakeGit {
	return &FakeGit{
		Branch:             "main",
		RemoteBranchExists: true,
		RemoteCommits:      true,
		Related:            true,
		Remotes:            map[string]string{},
		Config:             map[string]string{},
		failures:           map[string][]error{},
		always:             map[string]error{},
	}
}

// Fail makes the next call of op return err. Calls queue up in order.
func (f *FakeGit) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// FailAlways makes every call of op return err until cleared with a nil err.
func (f *FakeGit) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.always, op)
		return
	}
	f.always[op] = err
}

// CallCount returns how often op was called.
func (f *FakeGit) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}
	return n
}

// SetDirty replaces the dirty set.
func (f *FakeGit) SetDirty(paths ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dirty = slices.Clone(paths)
	slices.Sort(f.Dirty)
}

// Unpushed returns the number of local commits not yet pushed.
func (f *FakeGit) Unpushed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Commits) - f.Pushed
}

// enter records the call and returns a scripted failure, if any. The caller
// must hold f.mu.
func (f *FakeGit) enter(op string) error {
	f.Calls = append(f.Calls, op)
	if err, ok := f.always[op]; ok {
		return err
	}
	if queued := f.failures[op]; len(queued) > 0 {
		f.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *FakeGit) Status(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("status"); err != nil {
		return nil, err
	}
	return slices.Clone(f.Dirty), nil
}

func (f *FakeGit) Add(_ context.Context, paths []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("add"); err != nil {
		return err
	}
	for _, p := range paths {
		if slices.Contains(f.Dirty, p) && !slices.Contains(f.Staged, p) {
			f.Staged = append(f.Staged, p)
		}
	}
	return nil
}

func (f *FakeGit) Commit(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("commit"); err != nil {
		return false, err
	}
	if len(f.Staged) == 0 {
		return false, nil
	}
	f.Commits = append(f.Commits, f.Staged)
	f.Dirty = slices.DeleteFunc(f.Dirty, func(p string) bool { return slices.Contains(f.Staged, p) })
	f.Staged = nil
	return true, nil
}

func (f *FakeGit) Pull(_ context.Context, opts git.PullOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pulls = append(f.Pulls, opts)
	return f.enter("pull")
}

func (f *FakeGit) Push(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("push"); err != nil {
		return err
	}
	f.Pushed = len(f.Commits)
	f.RemoteBranchExists = f.RemoteBranchExists || f.Pushed > 0
	f.RemoteCommits = f.RemoteCommits || f.Pushed > 0
	return nil
}

func (f *FakeGit) Fetch(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enter("fetch")
}

func (f *FakeGit) MergeUnrelated(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("merge"); err != nil {
		return err
	}
	f.Merged = append(f.Merged, ref)
	f.Related = true
	return nil
}

func (f *FakeGit) AbortMerge(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enter("merge --abort")
}

func (f *FakeGit) AbortRebase(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enter("rebase --abort")
}

func (f *FakeGit) Head(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("head"); err != nil {
		return "", err
	}
	if len(f.Commits) == 0 {
		return "", nil
	}
	return fmt.Sprintf("%040d", len(f.Commits)), nil
}

func (f *FakeGit) CurrentBranch(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("current-branch"); err != nil {
		return "", err
	}
	return f.Branch, nil
}

func (f *FakeGit) MergeBase(context.Context, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("merge-base"); err != nil {
		return false, err
	}
	return f.Related, nil
}

func (f *FakeGit) RemoteHasBranch(context.Context, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("remote-has-branch"); err != nil {
		return false, err
	}
	return f.RemoteBranchExists, nil
}

func (f *FakeGit) Ahead(context.Context, string, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ahead"); err != nil {
		return 0, err
	}
	return len(f.Commits) - f.Pushed, nil
}

func (f *FakeGit) RemoteHasCommits(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("remote-has-commits"); err != nil {
		return false, err
	}
	return f.RemoteCommits, nil
}

func (f *FakeGit) RemoteURL(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("remote-url"); err != nil {
		return "", err
	}
	return f.Remotes[name], nil
}

func (f *FakeGit) SetRemote(_ context.Context, name, url string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("set-remote"); err != nil {
		return false, err
	}
	if f.Remotes[name] == url {
		return false, nil
	}
	f.Remotes[name] = url
	return true, nil
}

func (f *FakeGit) UnsetProxyConfig(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("unset-proxy"); err != nil {
		return false, err
	}
	removed := false
	for _, key := range []string{"http.proxy", "https.proxy"} {
		if _, ok := f.Config[key]; ok {
			delete(f.Config, key)
			removed = true
		}
	}
	return removed, nil
}

func (f *FakeGit) SetBufferSize(_ context.Context, bytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("set-buffer"); err != nil {
		return err
	}
	f.Config["http.postBuffer"] = fmt.Sprint(bytes)
	return nil
}

func (f *FakeGit) ConfigGet(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("config-get"); err != nil {
		return "", false, err
	}
	v, ok := f.Config[key]
	return v, ok, nil
}

func (f *FakeGit) ConfigSet(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("config-set"); err != nil {
		return err
	}
	f.Config[key] = value
	return nil
}

var _ git.Client = (*FakeGit)(nil)

// GitError builds a classified command error as ShellClient would return it.
func GitError(op string, kind git.Kind, output string) error {
	return &git.CommandError{
		Op:       op,
		Output:   output,
		ExitCode: 1,
		Kind:     kind,
		Err:      errors.New("exit status 1"),
	}
}
