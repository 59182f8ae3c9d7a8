package guardrail

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kazz187/taskwarden/internal/execrunner"
)

// fakeRunner scripts git command output for the enforcer.
type fakeRunner struct {
	statusOutput string
	showOutput   string
	commands     []string
}

func (f *fakeRunner) Run(_ context.Context, spec execrunner.Spec) (execrunner.Result, error) {
	f.commands = append(f.commands, spec.Command)
	switch {
	case spec.Command == "git status --porcelain":
		return execrunner.Result{Stdout: f.statusOutput}, nil
	case strings.HasPrefix(spec.Command, "git show"):
		return execrunner.Result{Stdout: f.showOutput}, nil
	default:
		return execrunner.Result{}, nil
	}
}

func (f *fakeRunner) calls(prefix string) int {
	n := 0
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestEnforceRevertsDisallowedNewFile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	runner := &fakeRunner{}
	e := NewEnforcer(runner, root, []string{"**/*_test.go"})

	snap, err := e.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// The turn creates one allowed and one disallowed file.
	mustWrite(t, root, "pkg/foo_test.go", "package pkg\n")
	mustWrite(t, root, "pkg/evil.go", "package pkg // sneaky\n")
	runner.statusOutput = "?? pkg/foo_test.go\n?? pkg/evil.go\n"

	report, err := e.Enforce(ctx, snap)
	if err != nil {
		t.Fatal(err)
	}
	if report.Clean() {
		t.Fatal("expected a violation")
	}
	if len(report.Violations) != 1 || report.Violations[0].Path != "pkg/evil.go" {
		t.Fatalf("violations = %+v, want exactly pkg/evil.go", report.Violations)
	}
	if _, err := os.Stat(filepath.Join(root, "pkg/evil.go")); !os.IsNotExist(err) {
		t.Error("disallowed new file must be deleted")
	}
	if _, err := os.Stat(filepath.Join(root, "pkg/foo_test.go")); err != nil {
		t.Error("allowed file must survive enforcement")
	}
	if !strings.Contains(report.Violations[0].Diff, "sneaky") {
		t.Error("violation diff must show the reverted content")
	}
	if !strings.Contains(report.Feedback(), "pkg/evil.go") {
		t.Error("feedback must name the reverted path")
	}
}

func TestEnforceChecksOutTrackedFile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	runner := &fakeRunner{showOutput: "original content\n"}
	e := NewEnforcer(runner, root, []string{"tests/**"})

	snap, err := e.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}

	mustWrite(t, root, "src/app.go", "modified content\n")
	runner.statusOutput = " M src/app.go\n"

	report, err := e.Enforce(ctx, snap)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Violations) != 1 {
		t.Fatalf("violations = %+v, want one", report.Violations)
	}
	v := report.Violations[0]
	if !v.WasTracked {
		t.Error("a modified tracked file must revert via checkout")
	}
	if runner.calls("git checkout --") != 1 {
		t.Errorf("checkout calls = %d, want 1", runner.calls("git checkout --"))
	}
	if !strings.Contains(v.Diff, "original content") || !strings.Contains(v.Diff, "modified content") {
		t.Errorf("diff must show both sides, got:\n%s", v.Diff)
	}
}

func TestEnforceIgnoresPreexistingDirt(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	runner := &fakeRunner{statusOutput: " M src/dirty.go\n?? scratch.txt\n"}
	e := NewEnforcer(runner, root, nil)

	snap, err := e.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Nothing changed during the turn.
	report, err := e.Enforce(ctx, snap)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Clean() {
		t.Errorf("pre-existing dirt must not be treated as a violation: %+v", report.Violations)
	}
	if len(report.Touched) != 0 {
		t.Errorf("touched = %v, want empty", report.Touched)
	}
}

func TestEnforceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	runner := &fakeRunner{}
	e := NewEnforcer(runner, root, nil)

	snap, err := e.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, root, "junk.go", "x\n")
	runner.statusOutput = "?? junk.go\n"

	if _, err := e.Enforce(ctx, snap); err != nil {
		t.Fatal(err)
	}
	// Second pass over the same snapshot: the file is already gone and
	// the revert must tolerate that.
	if _, err := e.Enforce(ctx, snap); err != nil {
		t.Fatalf("second enforce must not fail: %v", err)
	}
}

func TestRenameUsesNewPath(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{statusOutput: "R  old/name.go -> new/name.go\n"}
	e := NewEnforcer(runner, t.TempDir(), []string{"new/**"})

	snap := &Snapshot{tracked: map[string]bool{}, untracked: map[string]bool{}}
	report, err := e.Enforce(ctx, snap)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Clean() {
		t.Errorf("renamed path inside the allow-list must pass: %+v", report.Violations)
	}
	if len(report.Touched) != 1 || report.Touched[0] != "new/name.go" {
		t.Errorf("touched = %v, want the rename target", report.Touched)
	}
}

func mustWrite(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
