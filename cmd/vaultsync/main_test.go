package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/vaultsync/internal/config"
)

// resetFlags restores the global flag variables after a test.
func resetFlags(t *testing.T) {
	t.Helper()
	orig := struct {
		cfgFile, logLevel, logFormat, repoPath string
		idleThreshold, interval, batchSize     int
		repairOnly, setup, installStartup      bool
	}{cfgFile, logLevel, logFormat, repoPath, idleThreshold, interval, batchSize, repairOnly, setup, installStartup}
	t.Cleanup(func() {
		cfgFile, logLevel, logFormat, repoPath = orig.cfgFile, orig.logLevel, orig.logFormat, orig.repoPath
		idleThreshold, interval, batchSize = orig.idleThreshold, orig.interval, orig.batchSize
		repairOnly, setup, installStartup = orig.repairOnly, orig.setup, orig.installStartup
	})
}

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")

	dir := t.TempDir()
	if out, err := exec.Command("git", "init", "-q", "-b", "main", dir).CombinedOutput(); err != nil {
		t.Fatalf("git init: %v\n%s", err, out)
	}
	return dir
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: 0},
		{name: "fatal configuration", err: fmt.Errorf("load: %w", config.ErrFatalConfiguration), want: 2},
		{name: "other failure", err: errors.New("boom"), want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	resetFlags(t)

	tmpDir := t.TempDir()
	configContent := []byte(`repo_path: "` + filepath.Join(tmpDir, "vault") + `"
remote_url: "git@github.com:me/vault.git"
idle_threshold: 90
batch_size: 200
auth:
  ssh_key_file: "/keys/id_ed25519"
`)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, configContent, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	cfgFile = cfgPath

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.IdleThreshold != 90 || cfg.BatchSize != 200 {
		t.Errorf("unexpected config values: idle=%d batch=%d", cfg.IdleThreshold, cfg.BatchSize)
	}
	if cfg.Interval != config.DefaultInterval {
		t.Errorf("Interval = %d, want default %d", cfg.Interval, config.DefaultInterval)
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	resetFlags(t)

	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("interval: 30\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgFile = cfgPath
	repoPath = filepath.Join(tmpDir, "vault")
	idleThreshold = 5
	interval = 700
	batchSize = 50

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.RepoPath != repoPath {
		t.Errorf("RepoPath = %q, want %q", cfg.RepoPath, repoPath)
	}
	if cfg.IdleThreshold != 5 || cfg.Interval != 700 || cfg.BatchSize != 50 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.MaxBackoff < cfg.Interval {
		t.Errorf("MaxBackoff %d must be raised to at least the interval", cfg.MaxBackoff)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	resetFlags(t)

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	repoPath = "/data/vault"

	_, err := loadConfig()
	if err == nil {
		t.Fatal("expected error for missing explicit config file, got nil")
	}
	if !errors.Is(err, config.ErrFatalConfiguration) {
		t.Errorf("expected ErrFatalConfiguration, got %v", err)
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	resetFlags(t)
	t.Setenv("HOME", t.TempDir())
	cfgFile = ""

	// Without --repo there is nothing to sync.
	if _, err := loadConfig(); err == nil {
		t.Error("expected error when default config file doesn't exist")
	}

	// With --repo the defaults are enough.
	repoPath = "/data/vault"
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.RepoPath != "/data/vault" || cfg.RemoteName != config.DefaultRemoteName {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestRunRoot_ExternalToolingFlags(t *testing.T) {
	for _, flag := range []*bool{&setup, &installStartup} {
		resetFlags(t)
		*flag = true

		err := runRoot(rootCmd, nil)
		if !errors.Is(err, errExternalTooling) {
			t.Errorf("expected errExternalTooling, got %v", err)
		}
		if exitCode(err) != 1 {
			t.Errorf("expected exit code 1, got %d", exitCode(err))
		}
	}
}

func TestBootstrap_RejectsNonRepository(t *testing.T) {
	resetFlags(t)
	t.Setenv("HOME", t.TempDir())
	cfgFile = ""
	repoPath = t.TempDir()

	_, _, _, err := bootstrap()
	if !errors.Is(err, config.ErrFatalConfiguration) {
		t.Fatalf("expected ErrFatalConfiguration for a plain directory, got %v", err)
	}
}

func TestStatusCmd(t *testing.T) {
	resetFlags(t)
	repo := initRepo(t)
	if err := os.WriteFile(filepath.Join(repo, "note.md"), []byte("# hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgFile = ""
	repoPath = repo
	logLevel = "error"

	var out bytes.Buffer
	statusCmd.SetOut(&out)
	t.Cleanup(func() { statusCmd.SetOut(nil) })

	if err := runStatus(statusCmd, nil); err != nil {
		t.Fatalf("runStatus returned error: %v", err)
	}

	got := out.String()
	for _, want := range []string{"repository: " + repo, "daemon:     not running", "(1 dirty)", "batch:      none pending"} {
		if !strings.Contains(got, want) {
			t.Errorf("status output missing %q:\n%s", want, got)
		}
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, []string{})

	if !strings.HasPrefix(out.String(), "vaultsync "+version) {
		t.Errorf("unexpected version output: %q", out.String())
	}
}
