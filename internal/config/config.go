package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrFatalConfiguration marks configuration problems that end the process.
var ErrFatalConfiguration = errors.New("fatal configuration error")

const (
	DefaultIdleThreshold  = 60
	DefaultInterval       = 15
	DefaultBatchSize      = 500
	DefaultRemoteName     = "origin"
	DefaultHTTPPostBuffer = 524288000
	DefaultMaxBackoff     = 600
)

// Config represents the complete vaultsync configuration
type Config struct {
	RepoPath       string      `yaml:"repo_path"`
	RemoteURL      string      `yaml:"remote_url"`
	RemoteName     string      `yaml:"remote_name"`
	Branch         string      `yaml:"branch"`
	IdleThreshold  int         `yaml:"idle_threshold"`
	Interval       int         `yaml:"interval"`
	BatchSize      int         `yaml:"batch_size"`
	StateDir       string      `yaml:"state_dir"`
	HTTPPostBuffer int64       `yaml:"http_post_buffer"`
	MaxBackoff     int         `yaml:"max_backoff"`
	Watch          bool        `yaml:"watch"`
	LogFile        string      `yaml:"log_file"`
	Auth           AuthConfig  `yaml:"auth"`
	Serve          ServeConfig `yaml:"serve"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the optional webhook and status server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Default returns a configuration with every optional field defaulted and
// no repository set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, parses and validates the configuration file.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads the configuration file and applies defaults without
// validating, so callers can layer overrides on top. A ".env" file next to
// the config is loaded into the environment first; variables already set
// win.
func Parse(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", ErrFatalConfiguration, err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %w", ErrFatalConfiguration, err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.RepoPath = os.ExpandEnv(c.RepoPath)
	c.RemoteURL = os.ExpandEnv(c.RemoteURL)
	c.RemoteName = os.ExpandEnv(c.RemoteName)
	c.Branch = os.ExpandEnv(c.Branch)
	c.StateDir = os.ExpandEnv(c.StateDir)
	c.LogFile = os.ExpandEnv(c.LogFile)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.RemoteName == "" {
		c.RemoteName = DefaultRemoteName
	}
	if c.IdleThreshold == 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.HTTPPostBuffer == 0 {
		c.HTTPPostBuffer = DefaultHTTPPostBuffer
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8765"
	}
}

// Validate checks the configuration for errors. Every returned error wraps
// ErrFatalConfiguration.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrFatalConfiguration, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.RepoPath == "" {
		return fmt.Errorf("repo_path is required")
	}
	if !filepath.IsAbs(c.RepoPath) {
		return fmt.Errorf("repo_path must be an absolute path: %s", c.RepoPath)
	}
	if c.StateDir != "" && !filepath.IsAbs(c.StateDir) {
		return fmt.Errorf("state_dir must be an absolute path: %s", c.StateDir)
	}
	// Files written inside the work tree would be picked up as vault changes.
	if c.StateDir != "" && c.inWorkTree(c.StateDir) {
		return fmt.Errorf("state_dir must not be inside repo_path outside .git: %s", c.StateDir)
	}
	if c.LogFile != "" && c.inWorkTree(c.LogFile) {
		return fmt.Errorf("log_file must not be inside repo_path outside .git: %s", c.LogFile)
	}

	if c.IdleThreshold <= 0 {
		return fmt.Errorf("idle_threshold must be positive, got %d", c.IdleThreshold)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %d", c.Interval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.HTTPPostBuffer <= 0 {
		return fmt.Errorf("http_post_buffer must be positive, got %d", c.HTTPPostBuffer)
	}
	if c.MaxBackoff < c.Interval {
		return fmt.Errorf("max_backoff (%d) must not be shorter than interval (%d)", c.MaxBackoff, c.Interval)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}
	if c.RemoteURL != "" {
		if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
			return fmt.Errorf("auth.ssh_key_file is set but remote_url does not use an SSH scheme (git@ or ssh://)")
		}
		if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
			return fmt.Errorf("auth.https_token_file is set but remote_url does not use HTTPS scheme")
		}
	}

	if c.Serve.Enabled && c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required when serve is enabled")
	}

	return nil
}

// inWorkTree reports whether path lies in the repository work tree, treating
// the .git directory as outside of it. Relative paths resolve against the
// working directory.
func (c *Config) inWorkTree(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(c.RepoPath), abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first != ".git"
}

// CheckRepository verifies that repo_path exists and is a git work tree.
func (c *Config) CheckRepository() error {
	info, err := os.Stat(c.RepoPath)
	if err != nil {
		return fmt.Errorf("%w: repo_path %s: %v", ErrFatalConfiguration, c.RepoPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: repo_path %s is not a directory", ErrFatalConfiguration, c.RepoPath)
	}
	if _, err := os.Stat(filepath.Join(c.RepoPath, ".git")); err != nil {
		return fmt.Errorf("%w: %s is not a valid git repository", ErrFatalConfiguration, c.RepoPath)
	}
	return nil
}

// StateDirPath returns the directory holding batch progress and the lock file.
func (c *Config) StateDirPath() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return filepath.Join(c.RepoPath, ".git", "vaultsync")
}

// ProgressFilePath returns the path to the persisted batch progress
func (c *Config) ProgressFilePath() string {
	return filepath.Join(c.StateDirPath(), "progress.json")
}

// LockFilePath returns the path to the advisory lock guarding the repository
func (c *Config) LockFilePath() string {
	return filepath.Join(c.StateDirPath(), "sync.lock")
}

func (c *Config) IdleThresholdDuration() time.Duration {
	return time.Duration(c.IdleThreshold) * time.Second
}

func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

func (c *Config) MaxBackoffDuration() time.Duration {
	return time.Duration(c.MaxBackoff) * time.Second
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the remote URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.RemoteURL, "https://")
}

// IsSSH returns true if the remote URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.RemoteURL, "git@") || strings.HasPrefix(c.RemoteURL, "ssh://")
}
