// Package fixloop runs the post-completion verification loops. After
// every task commits, three check families run in order: runtime health,
// UI smoke, end-to-end. A red family triggers a bounded
// plan→fix→reverify cycle; exhaustion fails the run without ever
// touching committed task state.
package fixloop

import (
	"context"
	"log/slog"

	"github.com/kazz187/taskwarden/internal/agent"
	"github.com/kazz187/taskwarden/internal/gate"
	"github.com/kazz187/taskwarden/internal/signal"
	"github.com/kazz187/taskwarden/internal/timeline"
	"github.com/kazz187/taskwarden/pkg/werr"
)

// ServiceStarter is the slice of the service lifecycle manager the fix
// loop needs: family services are brought up before the first check run
// and bounced after every fix turn.
type ServiceStarter interface {
	Start(ctx context.Context, name, mode string) error
}

// Family is one check family: a named gate set plus the services its
// checks run against.
type Family struct {
	Name string
	// Checks run through the gate runner; the family is green when the
	// whole set passes.
	Checks []gate.Gate
	// RestartServices are started (mode "dev") before the family's first
	// check run and bounced after each fix turn so rechecks observe the
	// fixed code, not a stale process.
	RestartServices []string
}

// Loop drives the plan→fix→reverify cycle for each family.
type Loop struct {
	gates         *gate.Runner
	services      ServiceStarter
	invoker       agent.Invoker
	validator     *signal.Validator
	token         string
	timeline      *timeline.Timeline
	maxIterations int
}

func New(gates *gate.Runner, services ServiceStarter, invoker agent.Invoker, validator *signal.Validator, token string, tl *timeline.Timeline, maxIterations int) *Loop {
	if maxIterations < 1 {
		maxIterations = 1
	}
	return &Loop{
		gates:         gates,
		services:      services,
		invoker:       invoker,
		validator:     validator,
		token:         token,
		timeline:      tl,
		maxIterations: maxIterations,
	}
}

// Run verifies every family in order. The first family that cannot be
// made green within the iteration budget fails the whole verification.
func (l *Loop) Run(ctx context.Context, families []Family) error {
	for _, fam := range families {
		if len(fam.Checks) == 0 {
			continue
		}
		if err := l.runFamily(ctx, fam); err != nil {
			return err
		}
	}
	return nil
}

// runFamily loops check→plan→fix until green or exhausted. One iteration
// is one full cycle; a check run that comes back green on entry consumes
// nothing.
func (l *Loop) runFamily(ctx context.Context, fam Family) error {
	if err := l.startServices(ctx, fam); err != nil {
		return err
	}
	report := l.gates.RunSet(ctx, fam.Name, fam.Checks)
	if report.Passed() {
		slog.Info("check family green", "family", fam.Name)
		return nil
	}

	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		slog.Info("check family red, entering fix iteration",
			"family", fam.Name, "iteration", iteration, "max", l.maxIterations)
		l.timeline.Append(timeline.EventFixLoopIteration, "", map[string]any{
			"family":    fam.Name,
			"iteration": iteration,
		})

		plan, err := l.plan(ctx, report.Feedback())
		if err != nil {
			return err
		}
		if err := l.fix(ctx, plan, report.Feedback()); err != nil {
			return err
		}
		if err := l.startServices(ctx, fam); err != nil {
			return err
		}

		report = l.gates.RunSet(ctx, fam.Name, fam.Checks)
		if report.Passed() {
			slog.Info("check family green after fix", "family", fam.Name, "iterations", iteration)
			return nil
		}
	}
	return werr.Newf(werr.Exhausted, "check family %s still failing after %d fix iterations", fam.Name, l.maxIterations)
}

// startServices brings the family's services up. A service that fails to
// turn healthy is recoverable: the checks report it red and the fix cycle
// takes over. Anything else aborts the verification.
func (l *Loop) startServices(ctx context.Context, fam Family) error {
	for _, name := range fam.RestartServices {
		if err := l.services.Start(ctx, name, "dev"); err != nil {
			if !werr.CodeOf(err).Recoverable() {
				return err
			}
			slog.Warn("service not healthy before checks", "family", fam.Name, "service", name, "error", err)
		}
	}
	return nil
}

// plan runs the read-only diagnostic role over the failing output. A
// blocked plan or a silent turn both count as an unusable plan; the fix
// role then works from the raw check output alone.
func (l *Loop) plan(ctx context.Context, checkOutput string) (string, error) {
	output, err := l.invoker.Invoke(ctx, agent.RolePlan, agent.BuildPrompt(agent.RolePlan, agent.PromptInput{
		Token:       l.token,
		CheckOutput: checkOutput,
	}))
	if err != nil && !werr.IsCode(err, werr.Timeout) {
		return "", err
	}
	sig, outcome := l.validator.Validate(output, signal.PlanReady, signal.PlanBlocked)
	l.timeline.Append(timeline.EventSignalOutcome, "", map[string]any{
		"role":    agent.RolePlan.String(),
		"outcome": outcome.String(),
	})
	if outcome != signal.Valid || sig.Kind == signal.PlanBlocked {
		slog.Warn("no usable fix plan produced", "outcome", outcome.String())
		return "", nil
	}
	return output, nil
}

func (l *Loop) fix(ctx context.Context, plan, checkOutput string) error {
	output, err := l.invoker.Invoke(ctx, agent.RoleFix, agent.BuildPrompt(agent.RoleFix, agent.PromptInput{
		Token:       l.token,
		Plan:        plan,
		CheckOutput: checkOutput,
	}))
	if err != nil && !werr.IsCode(err, werr.Timeout) {
		return err
	}
	_, outcome := l.validator.Validate(output, signal.FixDone)
	l.timeline.Append(timeline.EventSignalOutcome, "", map[string]any{
		"role":    agent.RoleFix.String(),
		"outcome": outcome.String(),
	})
	if outcome != signal.Valid {
		// The recheck decides whether anything actually changed; a silent
		// fix turn only costs its iteration.
		slog.Warn("fix turn ended without a valid completion signal", "outcome", outcome.String())
	}
	return nil
}
