// Package execx runs external tools with explicit timeouts and bounded
// output capture. Every subprocess the orchestrator spawns (git, package
// managers, build tools) goes through a Runner so tests can substitute a
// fake.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultMaxOutput caps captured stdout/stderr per stream.
const DefaultMaxOutput = 1 << 20

// Spec describes one subprocess invocation.
type Spec struct {
	Name      string
	Args      []string
	Dir       string
	Env       []string
	Timeout   time.Duration
	MaxOutput int
}

// Result models a completed (or timed-out) subprocess. A non-zero exit code
// is not a Go error; callers decide what failure means.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Output combines both streams for human-facing messages.
func (r Result) Output() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Runner executes subprocess specs.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// OSRunner executes specs with os/exec.
type OSRunner struct{}

var _ Runner = OSRunner{}

// Run starts the subprocess and waits for completion, the timeout, or
// context cancellation. The returned error covers only spawn problems; exit
// status and timeout are reported on the Result.
func (OSRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return Result{}, errors.New("execx: empty command name")
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	limit := spec.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	stdout := newLimitBuffer(limit)
	stderr := newLimitBuffer(limit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if res.TimedOut {
		res.ExitCode = -1
		return res, nil
	}
	return res, fmt.Errorf("execx: start %s: %w", spec.Name, err)
}

// limitBuffer keeps at most n bytes and notes how much was dropped.
type limitBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func newLimitBuffer(limit int) *limitBuffer {
	return &limitBuffer{limit: limit}
}

func (b *limitBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.dropped += len(p)
		return len(p), nil
	}
	if len(p) > remaining {
		b.dropped += len(p) - remaining
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitBuffer) String() string {
	if b.dropped > 0 {
		return b.buf.String() + fmt.Sprintf("... (%d bytes truncated)", b.dropped)
	}
	return b.buf.String()
}
