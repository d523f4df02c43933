package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/execx"
)

// ErrInvalidStartCommand rejects empty or unparsable start commands.
var ErrInvalidStartCommand = errors.New("orchestrator: invalid start command")

var slugStrip = regexp.MustCompile(`[^a-z0-9-]+`)

func newID() string { return uuid.NewString() }

// Slugify derives the immutable project slug from a display name. The slug
// doubles as the directory name and the supervised process name, so it is
// restricted to lowercase letters, digits, and single hyphens.
func Slugify(name string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	s = slugStrip.ReplaceAllString(s, "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if s == "" {
		return "", fmt.Errorf("name %q yields an empty slug", name)
	}
	if len(s) > 63 {
		s = strings.Trim(s[:63], "-")
	}
	return s, nil
}

var packageManagers = map[string]bool{"npm": true, "yarn": true, "pnpm": true, "bun": true}
var interpreters = map[string]bool{"node": true, "python": true, "python3": true, "ruby": true}

// processSpec turns a project's stored start command into a supervisor
// process spec. Package-manager invocations run through the manager binary
// itself with no interpreter; "node app.js" style commands carry the
// interpreter hint; anything else is treated as a bare executable.
func (o *Orchestrator) processSpec(project *domain.Project, env map[string]string) (domain.ProcessSpec, error) {
	tokens, err := execx.Parse(project.StartCommand)
	if err != nil {
		return domain.ProcessSpec{}, fmt.Errorf("%w: %v", ErrInvalidStartCommand, err)
	}
	if len(tokens) == 0 {
		return domain.ProcessSpec{}, fmt.Errorf("%w: empty command", ErrInvalidStartCommand)
	}

	spec := domain.ProcessSpec{
		Name:        project.Slug,
		Cwd:         project.RootPath,
		Env:         env,
		OutFile:     filepath.Join(o.cfg.ProcessLogDir, project.Slug+".out.log"),
		ErrFile:     filepath.Join(o.cfg.ProcessLogDir, project.Slug+".err.log"),
		MinUptimeMS: int(o.cfg.MinUptime.Milliseconds()),
		MaxRestarts: o.cfg.MaxRestarts,
	}

	head := tokens[0]
	switch {
	case packageManagers[head]:
		spec.Script = head
		spec.Args = tokens[1:]
		spec.Interpreter = "none"
	case interpreters[head] && len(tokens) > 1:
		spec.Interpreter = head
		spec.Script = tokens[1]
		spec.Args = tokens[2:]
	default:
		spec.Script = head
		spec.Args = tokens[1:]
		spec.Interpreter = "none"
	}
	return spec, nil
}

// looksLikeStartCommand flags build commands that would block forever
// because they actually launch the app. Heuristic only; used to warn-skip,
// never to reject.
func looksLikeStartCommand(command string) bool {
	tokens, err := execx.Parse(command)
	if err != nil || len(tokens) == 0 {
		return false
	}
	head := tokens[0]
	if head == "node" || head == "nodemon" {
		return true
	}
	if packageManagers[head] {
		for _, arg := range tokens[1:] {
			switch arg {
			case "start", "dev", "serve":
				return true
			case "run":
				continue
			}
		}
	}
	return false
}

// envMap builds the runtime environment: PORT and NODE_ENV defaults overlaid
// with the user-supplied variables.
func (o *Orchestrator) envMap(port int, vars map[string]string) map[string]string {
	env := map[string]string{
		"PORT":     strconv.Itoa(port),
		"NODE_ENV": o.cfg.DefaultNodeEnv,
	}
	for k, v := range vars {
		env[k] = v
	}
	return env
}

// writeEnvFile persists the env map as <dir>/.env with owner-only
// permissions. Keys are sorted so rewrites are stable.
func writeEnvFile(dir string, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte('\n')
	}
	return os.WriteFile(filepath.Join(dir, ".env"), []byte(b.String()), 0o600)
}

// runStep executes a shell-style command (install, build) inside dir with a
// timeout. A non-zero exit or a timeout is returned as an error carrying the
// trailing subprocess output.
func (o *Orchestrator) runStep(ctx context.Context, dir, command string, timeout time.Duration) error {
	tokens, err := execx.Parse(command)
	if err != nil {
		return fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(tokens) == 0 {
		return nil
	}
	res, err := o.runner.Run(ctx, execx.Spec{
		Name:    tokens[0],
		Args:    tokens[1:],
		Dir:     dir,
		Timeout: timeout,
	})
	if err != nil {
		return fmt.Errorf("run %q: %w", command, err)
	}
	if res.TimedOut {
		return fmt.Errorf("command %q timed out", command)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("command %q exited %d: %s", command, res.ExitCode, tail(res.Output(), 512))
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
