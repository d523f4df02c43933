package gitops

import (
	"errors"
	"fmt"
	"strings"

	"github.com/omdev04/nodepilot/internal/execx"
)

// FailureClass categorizes why a git operation failed. Control flow keys off
// the class; the raw output is only carried for human-facing messages.
type FailureClass int

const (
	ClassGeneric FailureClass = iota
	ClassNotFound
	ClassAuthFailed
	ClassBranchMissing
	ClassTimeout
)

func (c FailureClass) String() string {
	switch c {
	case ClassNotFound:
		return "not_found"
	case ClassAuthFailed:
		return "auth_failed"
	case ClassBranchMissing:
		return "branch_missing"
	case ClassTimeout:
		return "timeout"
	default:
		return "generic"
	}
}

// OpError is a classified git operation failure.
type OpError struct {
	Class  FailureClass
	Op     string
	Detail string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("gitops: %s failed (%s): %s", e.Op, e.Class, e.Detail)
}

// ClassOf extracts the failure class from an error chain, defaulting to
// generic.
func ClassOf(err error) FailureClass {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Class
	}
	return ClassGeneric
}

// classify inspects a completed git result and assigns a failure class.
// String matching on the combined output is best-effort; the timeout flag is
// authoritative.
func classify(op string, res execx.Result) *OpError {
	if res.TimedOut {
		return &OpError{Class: ClassTimeout, Op: op, Detail: "operation timed out"}
	}
	out := strings.ToLower(res.Output())
	switch {
	case strings.Contains(out, "repository not found"),
		strings.Contains(out, "could not read from remote repository"),
		strings.Contains(out, "access denied"),
		strings.Contains(out, "403"):
		return &OpError{Class: ClassNotFound, Op: op, Detail: trimDetail(res)}
	case strings.Contains(out, "authentication failed"),
		strings.Contains(out, "invalid username or password"),
		strings.Contains(out, "401"):
		return &OpError{Class: ClassAuthFailed, Op: op, Detail: trimDetail(res)}
	case strings.Contains(out, "remote branch") && strings.Contains(out, "not found"),
		strings.Contains(out, "couldn't find remote ref"):
		return &OpError{Class: ClassBranchMissing, Op: op, Detail: trimDetail(res)}
	default:
		return &OpError{Class: ClassGeneric, Op: op, Detail: trimDetail(res)}
	}
}

func trimDetail(res execx.Result) string {
	detail := res.Output()
	const limit = 512
	if len(detail) > limit {
		detail = detail[:limit] + "..."
	}
	if detail == "" {
		detail = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return detail
}
