package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// Client provides the discrete git operations the sync engine needs. Every
// failing call returns a *CommandError carrying the classified Kind.
type Client interface {
	// Status returns the paths with uncommitted changes, relative to the
	// repository root and sorted.
	Status(ctx context.Context) ([]string, error)
	// Add stages the given paths, including deletions.
	Add(ctx context.Context, paths []string) error
	// Commit records the index. It returns false if there was nothing to commit.
	Commit(ctx context.Context, message string) (bool, error)
	Pull(ctx context.Context, opts PullOptions) error
	// Push pushes HEAD to branch on remote and records it as upstream.
	Push(ctx context.Context, remote, branch string) error
	Fetch(ctx context.Context, remote string) error
	MergeUnrelated(ctx context.Context, ref string) error
	AbortMerge(ctx context.Context) error
	AbortRebase(ctx context.Context) error

	// Head returns the commit HEAD points to, or "" for an unborn branch.
	Head(ctx context.Context) (string, error)
	// CurrentBranch returns the checked out branch, or "" when detached.
	CurrentBranch(ctx context.Context) (string, error)
	// MergeBase reports whether a and b share a common ancestor.
	MergeBase(ctx context.Context, a, b string) (bool, error)
	RemoteHasBranch(ctx context.Context, remote, branch string) (bool, error)
	RemoteHasCommits(ctx context.Context, remote string) (bool, error)
	// Ahead counts local commits missing from the remote-tracking branch of
	// remote. An empty branch means the current one.
	Ahead(ctx context.Context, remote, branch string) (int, error)

	// RemoteURL returns the URL of the named remote, or "" if it does not exist.
	RemoteURL(ctx context.Context, name string) (string, error)
	// SetRemote creates or updates the named remote. It returns true when
	// the configuration changed.
	SetRemote(ctx context.Context, name, url string) (bool, error)
	// UnsetProxyConfig removes http.proxy and https.proxy from the local and
	// global configuration. It returns true if any setting was removed.
	UnsetProxyConfig(ctx context.Context) (bool, error)
	SetBufferSize(ctx context.Context, bytes int64) error
	ConfigGet(ctx context.Context, key string) (string, bool, error)
	ConfigSet(ctx context.Context, key, value string) error
}

// PullOptions controls a pull. Remote and Branch are optional; when empty
// git uses the configured upstream. Autostash only applies to rebasing pulls
// and lets them run on a dirty work tree.
type PullOptions struct {
	Rebase    bool
	Autostash bool
	Remote    string
	Branch    string
}

// Command is a single git invocation. Args[0] is the program name.
type Command struct {
	Args  []string
	Env   []string
	Stdin string
}

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Env = c.Env
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	return cmd.CombinedOutput()
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	repoDir        string
	remoteURL      string
	sshKeyFile     string
	httpsTokenFile string
	runner         Runner
	classifier     Classifier
}

// Option customizes a ShellClient.
type Option func(*ShellClient)

// WithAuth configures credentials for network operations. remoteURL decides
// which of the two mechanisms applies; when it is empty both are offered.
func WithAuth(remoteURL, sshKeyFile, httpsTokenFile string) Option {
	return func(c *ShellClient) {
		c.remoteURL = remoteURL
		c.sshKeyFile = sshKeyFile
		c.httpsTokenFile = httpsTokenFile
	}
}

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(c *ShellClient) { c.runner = r }
}

// WithClassifier replaces the failure classifier.
func WithClassifier(cl Classifier) Option {
	return func(c *ShellClient) { c.classifier = cl }
}

// NewShellClient creates a new git client operating on repoDir
func NewShellClient(repoDir string, opts ...Option) *ShellClient {
	c := &ShellClient{
		repoDir:    repoDir,
		runner:     ExecRunner{},
		classifier: NewSignatureClassifier(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status implements Client.
func (c *ShellClient) Status(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "status", false, "", "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parsePorcelainZ(out), nil
}

// Add implements Client.
func (c *ShellClient) Add(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	// Vault file names may contain glob or magic characters; they always
	// name exactly one path.
	stdin := strings.Join(paths, "\x00")
	_, err := c.run(ctx, "add", false, stdin, "--literal-pathspecs", "add", "-A", "--pathspec-from-file=-", "--pathspec-file-nul")
	return err
}

// Commit implements Client.
func (c *ShellClient) Commit(ctx context.Context, message string) (bool, error) {
	_, err := c.run(ctx, "commit", false, "", "commit", "-m", message)
	if err != nil {
		if IsKind(err, KindNothingToCommit) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Pull implements Client.
func (c *ShellClient) Pull(ctx context.Context, opts PullOptions) error {
	args := []string{"pull"}
	if opts.Rebase {
		args = append(args, "--rebase")
		if opts.Autostash {
			args = append(args, "--autostash")
		}
	} else {
		args = append(args, "--no-rebase")
	}
	if opts.Remote != "" {
		args = append(args, opts.Remote)
		if opts.Branch != "" {
			args = append(args, opts.Branch)
		}
	}
	out, err := c.run(ctx, "pull", true, "", args...)
	if err != nil {
		return err
	}
	// git keeps the stash and exits zero when re-applying it conflicts.
	if strings.Contains(strings.ToLower(out), "autostash resulted in conflicts") {
		return &CommandError{
			Op:     "pull",
			Args:   args,
			Output: out,
			Kind:   KindConflict,
			Err:    errors.New("re-applying local changes after rebase conflicted"),
		}
	}
	return nil
}

// Push implements Client.
func (c *ShellClient) Push(ctx context.Context, remote, branch string) error {
	if branch == "" {
		branch = "HEAD"
	}
	_, err := c.run(ctx, "push", true, "", "push", "--set-upstream", remote, branch)
	return err
}

// Fetch implements Client.
func (c *ShellClient) Fetch(ctx context.Context, remote string) error {
	_, err := c.run(ctx, "fetch", true, "", "fetch", remote)
	return err
}

// MergeUnrelated implements Client.
func (c *ShellClient) MergeUnrelated(ctx context.Context, ref string) error {
	_, err := c.run(ctx, "merge", false, "", "merge", "--allow-unrelated-histories", "--no-edit", ref)
	return err
}

// AbortMerge implements Client.
func (c *ShellClient) AbortMerge(ctx context.Context) error {
	_, err := c.run(ctx, "merge --abort", false, "", "merge", "--abort")
	return err
}

// AbortRebase implements Client.
func (c *ShellClient) AbortRebase(ctx context.Context) error {
	_, err := c.run(ctx, "rebase --abort", false, "", "rebase", "--abort")
	return err
}

// Head implements Client.
func (c *ShellClient) Head(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", false, "", "rev-parse", "--verify", "-q", "HEAD")
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch implements Client.
func (c *ShellClient) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "symbolic-ref", false, "", "symbolic-ref", "--short", "-q", "HEAD")
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// MergeBase implements Client.
func (c *ShellClient) MergeBase(ctx context.Context, a, b string) (bool, error) {
	_, err := c.run(ctx, "merge-base", false, "", "merge-base", a, b)
	if err != nil {
		if exitCode(err) == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Ahead implements Client. Without a remote-tracking ref every commit on
// HEAD counts as missing.
func (c *ShellClient) Ahead(ctx context.Context, remote, branch string) (int, error) {
	head, err := c.Head(ctx)
	if err != nil || head == "" {
		return 0, err
	}
	if branch == "" {
		if branch, err = c.CurrentBranch(ctx); err != nil {
			return 0, err
		}
		if branch == "" {
			return 0, nil
		}
	}

	rng := "HEAD"
	tracking := "refs/remotes/" + remote + "/" + branch
	if _, err := c.run(ctx, "rev-parse", false, "", "rev-parse", "--verify", "-q", tracking); err == nil {
		rng = tracking + "..HEAD"
	} else if exitCode(err) != 1 {
		return 0, err
	}

	out, err := c.run(ctx, "rev-list", false, "", "rev-list", "--count", rng)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// RemoteHasBranch implements Client.
func (c *ShellClient) RemoteHasBranch(ctx context.Context, remote, branch string) (bool, error) {
	_, err := c.run(ctx, "ls-remote", true, "", "ls-remote", "--exit-code", "--heads", remote, branch)
	if err != nil {
		if exitCode(err) == 2 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RemoteHasCommits implements Client.
func (c *ShellClient) RemoteHasCommits(ctx context.Context, remote string) (bool, error) {
	out, err := c.run(ctx, "ls-remote", true, "", "ls-remote", "--heads", remote)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// RemoteURL implements Client.
func (c *ShellClient) RemoteURL(ctx context.Context, name string) (string, error) {
	out, err := c.run(ctx, "remote get-url", false, "", "remote", "get-url", name)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(strings.ToLower(cmdErr.Output), "no such remote") {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SetRemote implements Client.
func (c *ShellClient) SetRemote(ctx context.Context, name, url string) (bool, error) {
	current, err := c.RemoteURL(ctx, name)
	if err != nil {
		return false, err
	}
	switch current {
	case url:
		return false, nil
	case "":
		_, err = c.run(ctx, "remote add", false, "", "remote", "add", name, url)
	default:
		_, err = c.run(ctx, "remote set-url", false, "", "remote", "set-url", name, url)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// proxyKeys are the settings cleared by UnsetProxyConfig.
var proxyKeys = []string{"http.proxy", "https.proxy"}

// UnsetProxyConfig implements Client.
func (c *ShellClient) UnsetProxyConfig(ctx context.Context) (bool, error) {
	removed := false
	for _, scope := range []string{"--local", "--global"} {
		for _, key := range proxyKeys {
			_, err := c.run(ctx, "config --unset", false, "", "config", scope, "--unset-all", key)
			if err != nil {
				// Exit code 5 means the key was not set.
				if exitCode(err) == 5 {
					continue
				}
				return removed, err
			}
			removed = true
		}
	}
	return removed, nil
}

// SetBufferSize implements Client.
func (c *ShellClient) SetBufferSize(ctx context.Context, bytes int64) error {
	return c.ConfigSet(ctx, "http.postBuffer", strconv.FormatInt(bytes, 10))
}

// ConfigGet implements Client.
func (c *ShellClient) ConfigGet(ctx context.Context, key string) (string, bool, error) {
	out, err := c.run(ctx, "config --get", false, "", "config", "--get", key)
	if err != nil {
		if exitCode(err) == 1 {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(out), true, nil
}

// ConfigSet implements Client.
func (c *ShellClient) ConfigSet(ctx context.Context, key, value string) error {
	_, err := c.run(ctx, "config", false, "", "config", key, value)
	return err
}

// run executes git in the repository and wraps failures into a classified
// CommandError. network marks operations that talk to the remote and need
// credentials.
func (c *ShellClient) run(ctx context.Context, op string, network bool, stdin string, args ...string) (string, error) {
	cmd := Command{
		Args:  append([]string{"git", "-C", c.repoDir}, args...),
		Env:   append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C"),
		Stdin: stdin,
	}
	if network {
		if err := c.configureAuth(&cmd); err != nil {
			return "", err
		}
	}

	output, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return string(output), &CommandError{
			Op:       op,
			Args:     args,
			Output:   string(output),
			ExitCode: exitCode(err),
			Kind:     c.classifier.Classify(string(output)),
			Err:      err,
		}
	}
	return string(output), nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *Command) error {
	url := c.remoteURL

	// SSH authentication
	if c.sshKeyFile != "" && (url == "" || strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && (url == "" || strings.HasPrefix(url, "https://")) {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels through the environment and an inline credential
		// helper so it never appears in argv.
		cmd.Env = append(cmd.Env, "VAULTSYNC_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$VAULTSYNC_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "push", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// exitCode extracts the process exit code from err, or -1.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode != 0 {
		return cmdErr.ExitCode
	}
	return -1
}

// parsePorcelainZ parses `git status --porcelain=v1 -z` output. Renames and
// copies contribute both their new and original path so that staging picks
// up the removal of the old name as well.
func parsePorcelainZ(out string) []string {
	seen := make(map[string]bool)
	fields := strings.Split(out, "\x00")
	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if len(entry) < 4 {
			continue
		}
		status, path := entry[:2], entry[3:]
		seen[path] = true
		if strings.ContainsAny(status, "RC") {
			if i+1 < len(fields) && fields[i+1] != "" {
				seen[fields[i+1]] = true
			}
			i++
		}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
