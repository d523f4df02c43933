package gitops

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Characters that must never reach a subprocess argument built from user
// input. The URL is passed to exec directly (never a shell), but injection
// into git's own URL handling is still a risk.
const forbiddenURLChars = "|;&$`\n"

var (
	httpRepoPattern = regexp.MustCompile(`^https?://[A-Za-z0-9._~:/?#@!$&'()*+,;=%-]+$`)
	scpRepoPattern  = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9._-]+:[A-Za-z0-9._/-]+$`)
	sshRepoPattern  = regexp.MustCompile(`^ssh://[A-Za-z0-9._~:/@-]+$`)
	branchPattern   = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
)

// ErrInvalidRepoURL is returned for repository URLs that fail sanitization.
var ErrInvalidRepoURL = errors.New("gitops: invalid repository url")

// ErrInvalidBranch is returned for branch names that fail sanitization.
var ErrInvalidBranch = errors.New("gitops: invalid branch name")

// SanitizeRepoURL validates a user-supplied repository URL and normalizes it
// to end in ".git". Shell metacharacters are rejected outright; the URL must
// be an http(s), scp-style ssh, or ssh:// form.
func SanitizeRepoURL(raw string) (string, error) {
	url := strings.TrimSpace(raw)
	if url == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRepoURL)
	}
	if strings.ContainsAny(url, forbiddenURLChars) {
		return "", fmt.Errorf("%w: contains forbidden characters", ErrInvalidRepoURL)
	}
	candidate := url
	if !strings.HasSuffix(candidate, ".git") {
		candidate += ".git"
	}
	if httpRepoPattern.MatchString(candidate) || scpRepoPattern.MatchString(candidate) || sshRepoPattern.MatchString(candidate) {
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidRepoURL, url)
}

// SanitizeBranch validates a branch name: limited charset, no "..", no
// leading slash.
func SanitizeBranch(raw string) (string, error) {
	branch := strings.TrimSpace(raw)
	if branch == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBranch)
	}
	if strings.HasPrefix(branch, "/") {
		return "", fmt.Errorf("%w: leading slash", ErrInvalidBranch)
	}
	if strings.Contains(branch, "..") {
		return "", fmt.Errorf("%w: path traversal", ErrInvalidBranch)
	}
	if !branchPattern.MatchString(branch) {
		return "", fmt.Errorf("%w: %s", ErrInvalidBranch, branch)
	}
	return branch, nil
}
