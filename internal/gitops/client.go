// Package gitops drives the external git executable for clone, pull, and
// inspection, with strict input sanitization and provider credential
// injection. The client owns the working trees it touches: pulls discard any
// local modifications before fetching.
package gitops

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/omdev04/nodepilot/internal/execx"
)

// Credential providers.
const (
	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
	ProviderBitbucket = "bitbucket"
)

// Credential is a provider access token injected into clone/fetch URLs.
type Credential struct {
	Provider string
	Token    string
}

// Timeouts configures per-operation deadlines.
type Timeouts struct {
	Clone time.Duration
	Fetch time.Duration
	Pull  time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Clone <= 0 {
		t.Clone = 5 * time.Minute
	}
	if t.Fetch <= 0 {
		t.Fetch = 3 * time.Minute
	}
	if t.Pull <= 0 {
		t.Pull = 3 * time.Minute
	}
	return t
}

// Client executes git operations through an execx.Runner.
type Client struct {
	runner   execx.Runner
	logger   *slog.Logger
	oplog    *OperationLog
	timeouts Timeouts
}

// New constructs a Client. A nil runner defaults to the real OS runner; a
// nil oplog gets a fresh bounded log.
func New(runner execx.Runner, logger *slog.Logger, oplog *OperationLog, timeouts Timeouts) *Client {
	if runner == nil {
		runner = execx.OSRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if oplog == nil {
		oplog = NewOperationLog(0)
	}
	return &Client{runner: runner, logger: logger, oplog: oplog, timeouts: timeouts.withDefaults()}
}

// Log exposes the operation log for the route layer and tests.
func (c *Client) Log() *OperationLog { return c.oplog }

// CloneOptions parameterizes a repository clone.
type CloneOptions struct {
	URL        string
	Branch     string
	TargetPath string
	Shallow    bool
	Depth      int
	Credential *Credential
}

// Clone clones a repository into TargetPath. The URL and branch are
// sanitized; a provider credential, when present, is injected into the URL
// userinfo. Failures are classified (not-found, auth, branch-missing,
// timeout, generic).
func (c *Client) Clone(ctx context.Context, opts CloneOptions) error {
	cleanURL, err := SanitizeRepoURL(opts.URL)
	if err != nil {
		return err
	}
	args := []string{"clone"}
	if opts.Shallow {
		depth := opts.Depth
		if depth <= 0 {
			depth = 1
		}
		args = append(args, "--depth", strconv.Itoa(depth), "--single-branch")
	}
	if opts.Branch != "" {
		branch, err := SanitizeBranch(opts.Branch)
		if err != nil {
			return err
		}
		args = append(args, "--branch", branch)
	}
	fetchURL := cleanURL
	if opts.Credential != nil {
		fetchURL, err = injectCredential(cleanURL, *opts.Credential)
		if err != nil {
			return err
		}
	}
	args = append(args, fetchURL, opts.TargetPath)

	res, err := c.git(ctx, "", c.timeouts.Clone, args...)
	if err != nil {
		return err
	}
	c.oplog.Append("clone", redactURL(cleanURL), fmt.Sprintf("branch=%s shallow=%t", opts.Branch, opts.Shallow))
	if res.ExitCode != 0 || res.TimedOut {
		opErr := classify("clone", res)
		c.logger.Warn("git clone failed", "url", redactURL(cleanURL), "class", opErr.Class.String())
		return opErr
	}
	c.logger.Info("repository cloned", "url", redactURL(cleanURL), "target", opts.TargetPath)
	return nil
}

// Pull updates the working tree at path to the tip of branch. Any
// uncommitted local changes are discarded first (hard reset + clean): this
// client owns the tree exclusively and never expects manual edits. The
// destructive steps are recorded in the operation log.
func (c *Client) Pull(ctx context.Context, path, branch string, cred *Credential) error {
	cleanBranch, err := SanitizeBranch(branch)
	if err != nil {
		return err
	}

	if res, err := c.git(ctx, path, c.timeouts.Pull, "reset", "--hard", "HEAD"); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return classify("reset", res)
	}
	c.oplog.Append("reset", path, "discarded local changes")

	if res, err := c.git(ctx, path, c.timeouts.Pull, "clean", "-fd"); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return classify("clean", res)
	}
	c.oplog.Append("clean", path, "removed untracked files")

	remote := "origin"
	if cred != nil {
		remoteURL, err := c.remoteURL(ctx, path)
		if err != nil {
			return err
		}
		remote, err = injectCredential(remoteURL, *cred)
		if err != nil {
			return err
		}
	}

	if res, err := c.git(ctx, path, c.timeouts.Fetch, "fetch", remote, cleanBranch); err != nil {
		return err
	} else if res.ExitCode != 0 || res.TimedOut {
		return classify("fetch", res)
	}
	c.oplog.Append("fetch", path, "branch="+cleanBranch)

	if res, err := c.git(ctx, path, c.timeouts.Pull, "pull", remote, cleanBranch); err != nil {
		return err
	} else if res.ExitCode != 0 || res.TimedOut {
		return classify("pull", res)
	}
	c.oplog.Append("pull", path, "branch="+cleanBranch)
	c.logger.Info("repository updated", "path", path, "branch", cleanBranch)
	return nil
}

// ListBranches returns remote branch names for the repository at path.
func (c *Client) ListBranches(ctx context.Context, path string) ([]string, error) {
	res, err := c.git(ctx, path, c.timeouts.Fetch, "branch", "-r", "--format", "%(refname:short)")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, classify("branch-list", res)
	}
	var branches []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.Contains(name, "HEAD") {
			continue
		}
		branches = append(branches, strings.TrimPrefix(name, "origin/"))
	}
	return branches, nil
}

// RepoInfo describes the checked-out state of a working tree.
type RepoInfo struct {
	Branch     string
	CommitHash string
	Author     string
	Subject    string
}

// Info reports the current branch and HEAD commit of the tree at path.
func (c *Client) Info(ctx context.Context, path string) (*RepoInfo, error) {
	branchRes, err := c.git(ctx, path, c.timeouts.Fetch, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}
	if branchRes.ExitCode != 0 {
		return nil, classify("repo-info", branchRes)
	}
	logRes, err := c.git(ctx, path, c.timeouts.Fetch, "log", "-1", "--format=%H%n%an%n%s")
	if err != nil {
		return nil, err
	}
	if logRes.ExitCode != 0 {
		return nil, classify("repo-info", logRes)
	}
	lines := strings.SplitN(strings.TrimSpace(logRes.Stdout), "\n", 3)
	info := &RepoInfo{Branch: strings.TrimSpace(branchRes.Stdout)}
	if len(lines) > 0 {
		info.CommitHash = strings.TrimSpace(lines[0])
	}
	if len(lines) > 1 {
		info.Author = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		info.Subject = strings.TrimSpace(lines[2])
	}
	return info, nil
}

// git runs one git subcommand with interactive prompts disabled.
func (c *Client) git(ctx context.Context, dir string, timeout time.Duration, args ...string) (execx.Result, error) {
	return c.runner.Run(ctx, execx.Spec{
		Name:    "git",
		Args:    args,
		Dir:     dir,
		Env:     append(os.Environ(), "GIT_TERMINAL_PROMPT=0"),
		Timeout: timeout,
	})
}

func (c *Client) remoteURL(ctx context.Context, path string) (string, error) {
	res, err := c.git(ctx, path, c.timeouts.Fetch, "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", classify("remote-url", res)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// injectCredential embeds a provider token in the URL userinfo. Each
// provider expects a different username/password arrangement over HTTPS.
func injectCredential(rawURL string, cred Credential) (string, error) {
	if cred.Token == "" {
		return rawURL, nil
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		// ssh URLs authenticate via keys; tokens do not apply.
		return rawURL, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("gitops: parse url for credential injection: %w", err)
	}
	switch cred.Provider {
	case ProviderGitHub:
		parsed.User = url.UserPassword(cred.Token, "x-oauth-basic")
	case ProviderGitLab:
		parsed.User = url.UserPassword("oauth2", cred.Token)
	case ProviderBitbucket:
		parsed.User = url.UserPassword("x-token-auth", cred.Token)
	default:
		return "", fmt.Errorf("gitops: unknown credential provider %q", cred.Provider)
	}
	return parsed.String(), nil
}

// redactURL strips userinfo before a URL reaches logs.
func redactURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.User == nil {
		return rawURL
	}
	parsed.User = nil
	return parsed.String()
}
