// Package guardrail confines the test-authoring role to its declared
// file sandbox. The sandbox is enforced by reverting disallowed changes
// after the fact, not by asking the role to comply, so it cannot be
// argued or configured around at the agent layer.
package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/kazz187/taskwarden/internal/execrunner"
	"github.com/kazz187/taskwarden/pkg/werr"
)

const gitTimeout = 30 * time.Second

// Snapshot captures which paths were already dirty before the guarded
// role ran. Snapshot diffing is inherently two-phase: Begin before the
// role, Enforce after.
type Snapshot struct {
	// tracked holds tracked-but-modified paths at snapshot time.
	tracked map[string]bool
	// untracked holds untracked paths at snapshot time.
	untracked map[string]bool
}

// Violation describes one reverted path.
type Violation struct {
	Path string
	// WasTracked selects the revert mechanism: checkout for previously
	// tracked files, deletion for new ones.
	WasTracked bool
	// Diff is a unified diff of the content that was thrown away.
	Diff string
}

// Report is the enforcement outcome handed back as retry feedback.
type Report struct {
	Touched    []string
	Violations []Violation
}

// Clean reports whether the turn stayed inside the sandbox.
func (r *Report) Clean() bool {
	return len(r.Violations) == 0
}

// Feedback renders the violation list for the next prompt.
func (r *Report) Feedback() string {
	if r.Clean() {
		return ""
	}
	var b strings.Builder
	b.WriteString("The following files were modified outside the allowed test paths and have been reverted:\n")
	for _, v := range r.Violations {
		fmt.Fprintf(&b, "- %s\n", v.Path)
	}
	b.WriteString("Only paths matching the allowed patterns may be changed. Reverted changes:\n")
	for _, v := range r.Violations {
		if v.Diff != "" {
			b.WriteString(v.Diff)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Enforcer snapshots and reverts through git in the repository root.
type Enforcer struct {
	runner   execrunner.Runner
	repoRoot string
	allow    []string
}

func NewEnforcer(runner execrunner.Runner, repoRoot string, allowPatterns []string) *Enforcer {
	return &Enforcer{runner: runner, repoRoot: repoRoot, allow: allowPatterns}
}

// Begin captures the pre-turn dirty state.
func (e *Enforcer) Begin(ctx context.Context) (*Snapshot, error) {
	tracked, untracked, err := e.status(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{tracked: tracked, untracked: untracked}, nil
}

// Enforce recaptures the dirty state, computes the symmetric difference
// against the snapshot as the touched-path set, and reverts every touched
// path not covered by the allow-list. Reverting is idempotent: a second
// Enforce over the same snapshot finds nothing left to revert.
func (e *Enforcer) Enforce(ctx context.Context, snap *Snapshot) (*Report, error) {
	tracked, untracked, err := e.status(ctx)
	if err != nil {
		return nil, err
	}

	touched := make(map[string]bool)
	for p := range tracked {
		if !snap.tracked[p] {
			touched[p] = true
		}
	}
	for p := range snap.tracked {
		if !tracked[p] {
			touched[p] = true
		}
	}
	for p := range untracked {
		if !snap.untracked[p] {
			touched[p] = true
		}
	}
	for p := range snap.untracked {
		if !untracked[p] {
			touched[p] = true
		}
	}

	report := &Report{}
	for p := range touched {
		report.Touched = append(report.Touched, p)
	}
	sort.Strings(report.Touched)

	for _, p := range report.Touched {
		if Allowed(e.allow, p) {
			continue
		}
		wasTracked := tracked[p] || snap.tracked[p]
		isNew := untracked[p] && !snap.untracked[p]

		v := Violation{Path: p, WasTracked: wasTracked && !isNew}
		v.Diff = e.revertDiff(ctx, p, v.WasTracked)

		if v.WasTracked {
			if err := e.checkout(ctx, p); err != nil {
				return nil, err
			}
		} else if isNew {
			if err := os.Remove(filepath.Join(e.repoRoot, p)); err != nil && !os.IsNotExist(err) {
				return nil, werr.Newf(werr.Guardrail, "failed to delete disallowed new file %s: %v", p, err)
			}
		}
		slog.Warn("guardrail violation reverted", "path", p, "was_tracked", v.WasTracked)
		report.Violations = append(report.Violations, v)
	}
	return report, nil
}

// status parses `git status --porcelain` into tracked-modified and
// untracked path sets.
func (e *Enforcer) status(ctx context.Context) (tracked, untracked map[string]bool, err error) {
	result, err := e.runner.Run(ctx, execrunner.Spec{
		Command: "git status --porcelain",
		Dir:     e.repoRoot,
		Timeout: gitTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	if !result.Success() {
		return nil, nil, werr.Newf(werr.Internal, "git status failed: %s", result.Output())
	}

	tracked = make(map[string]bool)
	untracked = make(map[string]bool)
	for _, line := range strings.Split(result.Stdout, "\n") {
		if len(line) < 4 {
			continue
		}
		code, p := line[:2], strings.TrimSpace(line[3:])
		// Renames report "old -> new"; the new path is the live one.
		if idx := strings.Index(p, " -> "); idx >= 0 {
			p = p[idx+4:]
		}
		if code == "??" {
			untracked[p] = true
		} else {
			tracked[p] = true
		}
	}
	return tracked, untracked, nil
}

func (e *Enforcer) checkout(ctx context.Context, p string) error {
	result, err := e.runner.Run(ctx, execrunner.Spec{
		Command: fmt.Sprintf("git checkout -- %q", p),
		Dir:     e.repoRoot,
		Timeout: gitTimeout,
	})
	if err != nil {
		return err
	}
	if !result.Success() {
		return werr.Newf(werr.Guardrail, "failed to revert %s: %s", p, result.Output())
	}
	return nil
}

// revertDiff renders what is about to be thrown away, so the rejection
// feedback shows the agent exactly which edit crossed the boundary.
// Diff failures degrade to an empty diff; enforcement never depends on it.
func (e *Enforcer) revertDiff(ctx context.Context, p string, wasTracked bool) string {
	current, err := os.ReadFile(filepath.Join(e.repoRoot, p))
	if err != nil {
		return ""
	}
	var base string
	if wasTracked {
		result, err := e.runner.Run(ctx, execrunner.Spec{
			Command: fmt.Sprintf("git show HEAD:%q", p),
			Dir:     e.repoRoot,
			Timeout: gitTimeout,
		})
		if err != nil || !result.Success() {
			return ""
		}
		base = result.Stdout
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(base),
		B:        difflib.SplitLines(string(current)),
		FromFile: p + " (kept)",
		ToFile:   p + " (reverted)",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}
