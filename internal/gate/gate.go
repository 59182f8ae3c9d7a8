// Package gate runs the quality checks that stand between an agent's
// completion claim and a committed task: a fast set inside the per-task
// loop and a full set once after all tasks pass. Gates are run by the
// orchestrator, never by the agent.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kazz187/taskwarden/internal/execrunner"
	"github.com/kazz187/taskwarden/pkg/shellcmd"
)

// Gate is one configured quality check.
type Gate struct {
	Name    string
	Command string
	// When is an optional file/glob existence predicate, evaluated before
	// spawning any process so absent toolchains no-op cleanly.
	When    string
	Fatal   bool
	Timeout time.Duration
}

// Result is the outcome of one gate.
type Result struct {
	Name       string
	Passed     bool
	Output     string
	Duration   time.Duration
	Skipped    bool
	SkipReason string
}

// Report aggregates one run of a gate set.
type Report struct {
	Set     string
	Results []Result
	// Halted is set when a fatal gate failure stopped the remaining
	// gates in the set.
	Halted bool
}

// Passed reports whether every non-skipped gate passed.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Skipped && !res.Passed {
			return false
		}
	}
	return true
}

// Feedback renders failing gate output as retry feedback for the
// implementation role.
func (r *Report) Feedback() string {
	var b strings.Builder
	for _, res := range r.Results {
		if res.Skipped || res.Passed {
			continue
		}
		fmt.Fprintf(&b, "Gate %q failed:\n%s\n", res.Name, res.Output)
	}
	if r.Halted {
		b.WriteString("Remaining gates in this set were not run.\n")
	}
	return b.String()
}

// Runner executes gate sets through the command runner.
type Runner struct {
	runner execrunner.Runner
	dir    string
}

func NewRunner(runner execrunner.Runner, dir string) *Runner {
	return &Runner{runner: runner, dir: dir}
}

// RunSet executes gates in order. The first fatal failure halts the
// remaining gates in the set; non-fatal failures always complete and are
// reported but never block.
func (r *Runner) RunSet(ctx context.Context, set string, gates []Gate) *Report {
	report := &Report{Set: set}
	for i, g := range gates {
		if g.When != "" && !r.predicateHolds(g.When) {
			report.Results = append(report.Results, Result{
				Name:       g.Name,
				Passed:     true,
				Skipped:    true,
				SkipReason: fmt.Sprintf("no match for %q", g.When),
			})
			slog.Debug("gate skipped", "set", set, "gate", g.Name, "when", g.When)
			continue
		}

		result, err := r.runner.Run(ctx, execrunner.Spec{
			Command: g.Command,
			Dir:     r.dir,
			Timeout: g.Timeout,
		})
		res := Result{Name: g.Name, Duration: result.Duration}
		if err != nil {
			res.Output = err.Error()
		} else {
			res.Passed = result.Success()
			res.Output = result.Output()
			if result.TimedOut {
				res.Output += fmt.Sprintf("\n(gate timed out after %s)", g.Timeout)
			}
		}

		slog.Info("gate finished",
			"set", set,
			"gate", g.Name,
			"command", shellcmd.Summarize(g.Command, 80),
			"passed", res.Passed,
			"duration", res.Duration,
		)
		report.Results = append(report.Results, res)

		if !res.Passed && g.Fatal {
			report.Halted = i < len(gates)-1
			break
		}
	}
	return report
}

// predicateHolds evaluates a file/glob existence predicate relative to
// the working directory. Glob errors count as "absent".
func (r *Runner) predicateHolds(pattern string) bool {
	matches, err := filepath.Glob(filepath.Join(r.dir, pattern))
	if err != nil {
		return false
	}
	return len(matches) > 0
}
