package gitops

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/omdev04/nodepilot/internal/execx"
)

// fakeRunner scripts subprocess results keyed by the git subcommand.
type fakeRunner struct {
	results map[string]execx.Result
	calls   []execx.Spec
}

func (f *fakeRunner) Run(_ context.Context, spec execx.Spec) (execx.Result, error) {
	f.calls = append(f.calls, spec)
	if len(spec.Args) == 0 {
		return execx.Result{}, errors.New("no args")
	}
	if res, ok := f.results[spec.Args[0]]; ok {
		return res, nil
	}
	return execx.Result{}, nil
}

func (f *fakeRunner) subcommands() []string {
	var out []string
	for _, call := range f.calls {
		if len(call.Args) > 0 {
			out = append(out, call.Args[0])
		}
	}
	return out
}

func TestCloneRejectsBadURLBeforeExec(t *testing.T) {
	runner := &fakeRunner{}
	client := New(runner, nil, nil, Timeouts{})

	err := client.Clone(context.Background(), CloneOptions{URL: "https://host/a;rm.git", TargetPath: "/tmp/x"})
	if err == nil {
		t.Fatal("expected sanitization error")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("expected no subprocess calls, got %d", len(runner.calls))
	}
}

func TestCloneClassifiesNotFound(t *testing.T) {
	runner := &fakeRunner{results: map[string]execx.Result{
		"clone": {ExitCode: 128, Stderr: "fatal: repository not found"},
	}}
	client := New(runner, nil, nil, Timeouts{})

	err := client.Clone(context.Background(), CloneOptions{URL: "https://github.com/a/b.git", TargetPath: "/tmp/x"})
	if ClassOf(err) != ClassNotFound {
		t.Fatalf("expected ClassNotFound, got %v (%v)", ClassOf(err), err)
	}
}

func TestCloneClassifiesAuthAndBranchAndTimeout(t *testing.T) {
	cases := []struct {
		stderr   string
		timedOut bool
		want     FailureClass
	}{
		{"fatal: Authentication failed for 'https://...'", false, ClassAuthFailed},
		{"warning: Could not find remote branch release to clone.\nfatal: Remote branch release not found in upstream origin", false, ClassBranchMissing},
		{"", true, ClassTimeout},
		{"fatal: something odd happened", false, ClassGeneric},
	}
	for _, tc := range cases {
		runner := &fakeRunner{results: map[string]execx.Result{
			"clone": {ExitCode: 128, Stderr: tc.stderr, TimedOut: tc.timedOut},
		}}
		client := New(runner, nil, nil, Timeouts{})
		err := client.Clone(context.Background(), CloneOptions{URL: "https://github.com/a/b.git", TargetPath: "/tmp/x"})
		if ClassOf(err) != tc.want {
			t.Errorf("stderr=%q: expected %v, got %v", tc.stderr, tc.want, ClassOf(err))
		}
	}
}

func TestCloneShallowPassesDepth(t *testing.T) {
	runner := &fakeRunner{}
	client := New(runner, nil, nil, Timeouts{})

	err := client.Clone(context.Background(), CloneOptions{
		URL: "https://github.com/a/b.git", Branch: "main", TargetPath: "/tmp/x", Shallow: true, Depth: 5,
	})
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	joined := strings.Join(runner.calls[0].Args, " ")
	for _, want := range []string{"--depth 5", "--single-branch", "--branch main"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected args to contain %q, got %q", want, joined)
		}
	}
}

func TestCloneInjectsCredential(t *testing.T) {
	runner := &fakeRunner{}
	client := New(runner, nil, nil, Timeouts{})

	err := client.Clone(context.Background(), CloneOptions{
		URL:        "https://github.com/a/b.git",
		TargetPath: "/tmp/x",
		Credential: &Credential{Provider: ProviderGitHub, Token: "secret-token"},
	})
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	joined := strings.Join(runner.calls[0].Args, " ")
	if !strings.Contains(joined, "secret-token:x-oauth-basic@github.com") {
		t.Fatalf("expected credential in clone url, got %q", joined)
	}
	// The operation log must never carry the token.
	for _, entry := range client.Log().Recent(0) {
		if strings.Contains(entry.Target, "secret-token") || strings.Contains(entry.Detail, "secret-token") {
			t.Fatal("token leaked into operation log")
		}
	}
}

func TestPullResetsAndCleansBeforeFetch(t *testing.T) {
	runner := &fakeRunner{}
	client := New(runner, nil, nil, Timeouts{})

	if err := client.Pull(context.Background(), "/srv/app", "main", nil); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	got := runner.subcommands()
	want := []string{"reset", "clean", "fetch", "pull"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d: expected %q, got %q (full: %v)", i, want[i], got[i], got)
		}
	}

	var ops []string
	for _, entry := range client.Log().Recent(0) {
		ops = append(ops, entry.Op)
	}
	joined := strings.Join(ops, " ")
	if !strings.Contains(joined, "reset") || !strings.Contains(joined, "clean") {
		t.Fatalf("reset/clean not recorded in operation log: %v", ops)
	}
}

func TestPullRejectsBadBranch(t *testing.T) {
	runner := &fakeRunner{}
	client := New(runner, nil, nil, Timeouts{})

	if err := client.Pull(context.Background(), "/srv/app", "../evil", nil); err == nil {
		t.Fatal("expected branch rejection")
	}
	if len(runner.calls) != 0 {
		t.Fatal("expected no subprocess calls for invalid branch")
	}
}

func TestListBranchesParsesOutput(t *testing.T) {
	runner := &fakeRunner{results: map[string]execx.Result{
		"branch": {Stdout: "origin/HEAD\norigin/main\norigin/feature/x\n"},
	}}
	client := New(runner, nil, nil, Timeouts{})

	branches, err := client.ListBranches(context.Background(), "/srv/app")
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	if len(branches) != 2 || branches[0] != "main" || branches[1] != "feature/x" {
		t.Fatalf("unexpected branches: %v", branches)
	}
}

func TestInfoParsesLog(t *testing.T) {
	runner := &fakeRunner{results: map[string]execx.Result{
		"rev-parse": {Stdout: "main\n"},
		"log":       {Stdout: "abc123\nJane Dev\nfix the thing\n"},
	}}
	client := New(runner, nil, nil, Timeouts{})

	info, err := client.Info(context.Background(), "/srv/app")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Branch != "main" || info.CommitHash != "abc123" || info.Author != "Jane Dev" {
		t.Fatalf("unexpected info: %+v", info)
	}
}
