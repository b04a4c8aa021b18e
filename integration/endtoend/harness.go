//go:build integration

// Package endtoend drives the full sync stack against real git
// repositories and a local bare remote.
package endtoend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/vaultsync/internal/batch"
	"github.com/schaermu/vaultsync/internal/clock"
	"github.com/schaermu/vaultsync/internal/conflict"
	"github.com/schaermu/vaultsync/internal/git"
	"github.com/schaermu/vaultsync/internal/repair"
	"github.com/schaermu/vaultsync/internal/sync"
	"github.com/schaermu/vaultsync/internal/vault"
)

const (
	branch        = "main"
	idleThreshold = 50 * time.Millisecond
	settle        = 200 * time.Millisecond
)

// Harness owns a bare remote and the vault clones syncing against it.
type Harness struct {
	t      *testing.T
	Remote string
	logger *slog.Logger
}

// Device is one clone of the vault with its own sync engine.
type Device struct {
	t        *testing.T
	Dir      string
	Git      *git.ShellClient
	Engine   *sync.Engine
	Repairer *repair.Repairer
}

// NewHarness creates an empty bare remote with isolated git configuration.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("INTEGRATION_VERBOSE") == "1" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	remote := filepath.Join(t.TempDir(), "remote.git")
	runGit(t, "", "init", "-q", "--bare", "-b", branch, remote)
	return &Harness{t: t, Remote: remote, logger: logger}
}

// Seed pushes an initial commit containing files to the remote.
func (h *Harness) Seed(files map[string]string) {
	h.t.Helper()
	dir := filepath.Join(h.t.TempDir(), "seed")
	runGit(h.t, "", "clone", "-q", h.Remote, dir)
	configureIdentity(h.t, dir)
	runGit(h.t, dir, "symbolic-ref", "HEAD", "refs/heads/"+branch)
	for name, content := range files {
		WriteFile(h.t, dir, name, content)
	}
	runGit(h.t, dir, "add", "-A")
	runGit(h.t, dir, "commit", "-q", "-m", "seed")
	runGit(h.t, dir, "push", "-q", "origin", branch)
}

// Clone creates a device cloned from the remote.
func (h *Harness) Clone(name string, batchSize int) *Device {
	h.t.Helper()
	dir := filepath.Join(h.t.TempDir(), name)
	runGit(h.t, "", "clone", "-q", "-b", branch, h.Remote, dir)
	configureIdentity(h.t, dir)
	return h.device(dir, batchSize)
}

// Fresh creates a device with its own unrelated history, linked to the
// remote but never fetched from it.
func (h *Harness) Fresh(name string, files map[string]string) *Device {
	h.t.Helper()
	dir := filepath.Join(h.t.TempDir(), name)
	runGit(h.t, "", "init", "-q", "-b", branch, dir)
	configureIdentity(h.t, dir)
	for path, content := range files {
		WriteFile(h.t, dir, path, content)
	}
	runGit(h.t, dir, "add", "-A")
	runGit(h.t, dir, "commit", "-q", "-m", "local start")
	runGit(h.t, dir, "remote", "add", "origin", h.Remote)
	return h.device(dir, 500)
}

func (h *Harness) device(dir string, batchSize int) *Device {
	clk := clock.Real{}
	fsys := afero.NewOsFs()
	client := git.NewShellClient(dir)
	observer := vault.NewObserver(client, fsys, dir, clk)
	store := batch.NewStore(fsys, filepath.Join(dir, ".git", "vaultsync", "progress.json"))
	uploader := batch.NewUploader(client, store, clk, h.logger, batch.Options{
		RepoPath:  dir,
		Remote:    "origin",
		Branch:    branch,
		BatchSize: batchSize,
	})
	resolver := conflict.NewResolver(client, "origin", branch, h.logger)
	repairer := repair.New(client, resolver, observer, uploader, repair.Options{
		Remote:     "origin",
		RemoteURL:  h.Remote,
		PostBuffer: 524288000,
	}, h.logger)
	engine := sync.NewEngine(sync.Deps{
		Observer: observer,
		Puller:   resolver,
		Uploader: uploader,
		Repairer: repairer,
		Config:   client,
		Clock:    clk,
		Logger:   h.logger,
	}, sync.Options{
		IdleThreshold: idleThreshold,
		Interval:      time.Second,
		MaxBackoff:    time.Second,
	})
	return &Device{t: h.t, Dir: dir, Git: client, Engine: engine, Repairer: repairer}
}

// RemoteCommitCount returns the number of commits on the remote branch.
func (h *Harness) RemoteCommitCount() int {
	h.t.Helper()
	out := runGit(h.t, h.Remote, "rev-list", "--count", branch)
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		h.t.Fatalf("parse commit count %q: %v", out, err)
	}
	return n
}

// RemoteFiles lists the files tracked on the remote branch.
func (h *Harness) RemoteFiles() []string {
	h.t.Helper()
	out := strings.TrimSpace(runGit(h.t, h.Remote, "ls-tree", "-r", "--name-only", branch))
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// SyncWhenIdle waits for the idle threshold to pass and runs one tick.
func (d *Device) SyncWhenIdle(ctx context.Context) sync.Phase {
	d.t.Helper()
	time.Sleep(settle)
	return d.Engine.Tick(ctx)
}

// Log returns the one-line log of the local branch.
func (d *Device) Log() string {
	d.t.Helper()
	return runGit(d.t, d.Dir, "log", "--oneline", "--graph")
}

// WriteFile writes content below dir, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func configureIdentity(t *testing.T, dir string) {
	t.Helper()
	runGit(t, dir, "config", "user.name", "Vault Tester")
	runGit(t, dir, "config", "user.email", "vault@example.com")
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	cmd := exec.Command("git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

func fileNames(n int) map[string]string {
	files := make(map[string]string, n)
	for i := range n {
		files[fmt.Sprintf("notes/%03d.md", i)] = fmt.Sprintf("# note %d\n", i)
	}
	return files
}
