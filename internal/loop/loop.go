// Package loop is the top-level task loop: it picks pending tasks,
// drives each through the implement→test→gate→review phases, commits
// genuine completions and hands the finished workspace to the
// post-completion verification loop. Every claim an agent makes passes
// through exactly one validator before the state machine advances.
package loop

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kazz187/taskwarden/internal/agent"
	"github.com/kazz187/taskwarden/internal/fixloop"
	"github.com/kazz187/taskwarden/internal/gate"
	"github.com/kazz187/taskwarden/internal/guardrail"
	"github.com/kazz187/taskwarden/internal/session"
	"github.com/kazz187/taskwarden/internal/signal"
	"github.com/kazz187/taskwarden/internal/task"
	"github.com/kazz187/taskwarden/internal/timeline"
	"github.com/kazz187/taskwarden/pkg/werr"
)

// Phase names the per-task states for logs and the timeline.
type Phase string

const (
	PhasePending      Phase = "PENDING"
	PhaseImplementing Phase = "IMPLEMENTING"
	PhaseTestWriting  Phase = "TEST_WRITING"
	PhaseGating       Phase = "GATING"
	PhaseReviewing    Phase = "REVIEWING"
	PhaseComplete     Phase = "COMPLETE"
	PhaseFailed       Phase = "FAILED"
)

// Limits bounds the loop. All three are enforced; none can be disabled.
type Limits struct {
	// MaxTaskIterations bounds retries of a single task.
	MaxTaskIterations int
	// GlobalBudget bounds iterations across all tasks in one run.
	GlobalBudget int
}

// Engine wires the collaborators of one run. It is single-threaded:
// one task, one phase, one agent subprocess at a time.
type Engine struct {
	sess      *session.Session
	store     *task.Store
	invoker   agent.Invoker
	validator *signal.Validator
	guard     *guardrail.Enforcer
	gates     *gate.Runner
	gatesFast []gate.Gate
	gatesFull []gate.Gate
	fix       *fixloop.Loop
	families  []fixloop.Family
	tl        *timeline.Timeline
	limits    Limits

	globalUsed int
}

func NewEngine(
	sess *session.Session,
	store *task.Store,
	invoker agent.Invoker,
	validator *signal.Validator,
	guard *guardrail.Enforcer,
	gates *gate.Runner,
	gatesFast, gatesFull []gate.Gate,
	fix *fixloop.Loop,
	families []fixloop.Family,
	tl *timeline.Timeline,
	limits Limits,
) *Engine {
	return &Engine{
		sess:      sess,
		store:     store,
		invoker:   invoker,
		validator: validator,
		guard:     guard,
		gates:     gates,
		gatesFast: gatesFast,
		gatesFull: gatesFull,
		fix:       fix,
		families:  families,
		tl:        tl,
		limits:    limits,
	}
}

// Run executes the whole session: every pending task to completion, the
// full gate set, then post-completion verification. It returns nil only
// when everything is green.
func (e *Engine) Run(ctx context.Context) error {
	e.sess.PendingTaskIDs = e.store.PendingIDs()
	e.tl.Append(timeline.EventSessionStarted, "", map[string]any{
		"pending_tasks": len(e.sess.PendingTaskIDs),
	})

	for {
		if err := ctx.Err(); err != nil {
			return werr.New(werr.Internal, "run aborted", err)
		}
		t := e.store.NextPending()
		if t == nil {
			break
		}
		e.sess.CurrentTaskID = t.ID
		if err := e.store.MarkStarted(ctx, t.ID); err != nil {
			return err
		}
		if err := e.runTask(ctx, t); err != nil {
			return err
		}
		e.sess.CompletedTaskIDs = append(e.sess.CompletedTaskIDs, t.ID)
		e.sess.PendingTaskIDs = e.store.PendingIDs()
		e.sess.CurrentTaskID = ""
	}

	if len(e.gatesFull) > 0 {
		report := e.gates.RunSet(ctx, "full", e.gatesFull)
		e.appendGateReport(report, "")
		if !report.Passed() {
			return werr.Newf(werr.Gate, "full gate set failed:\n%s", report.Feedback())
		}
	}

	if err := e.fix.Run(ctx, e.families); err != nil {
		return err
	}
	e.tl.Append(timeline.EventSessionFinished, "", map[string]any{"status": "completed"})
	return nil
}

// rejection carries one phase's structured failure back to the top of
// the task loop.
type rejection struct {
	// phase is where the failure was detected; resume is the state that
	// owns the retry. A gate failure is detected in GATING but owned by
	// IMPLEMENTING; a silent review is owned by REVIEWING itself.
	phase    Phase
	resume   Phase
	feedback string
	// code classifies protocol failures for the failure record; an
	// explicit review verdict carries none.
	code werr.Code
	// security marks an invalid-token event, which escalates the next
	// prompt's warning.
	security bool
}

// reason renders the status-store failure record. Protocol failures
// carry their error code so the record distinguishes a missing signal
// from a forged one or a failing gate.
func (r *rejection) reason() string {
	if r.code != werr.OK {
		return fmt.Sprintf("%s (%s): %s", r.phase, r.code, r.feedback)
	}
	return string(r.phase) + ": " + r.feedback
}

// runTask drives one task through its phases until committed or the
// iteration budget is exhausted. A rejection sends the task back to the
// owning state with feedback; the task stays pending until the store
// commit at the end.
func (e *Engine) runTask(ctx context.Context, t *task.Task) error {
	var feedback, warning string
	resume := PhaseImplementing
	for {
		iteration, err := e.store.IncrementIteration(ctx, t.ID)
		if err != nil {
			return err
		}
		if iteration > e.limits.MaxTaskIterations {
			reason := "iteration budget exhausted"
			if err := e.store.RecordFailure(ctx, t.ID, reason); err != nil {
				return err
			}
			e.transition(t.ID, PhaseFailed, reason)
			return werr.Newf(werr.Exhausted, "task %s failed after %d iterations", t.ID, iteration-1)
		}
		e.globalUsed++
		if e.globalUsed > e.limits.GlobalBudget {
			e.transition(t.ID, PhaseFailed, "global budget exhausted")
			return werr.Newf(werr.Exhausted, "global iteration budget (%d) exhausted at task %s", e.limits.GlobalBudget, t.ID)
		}
		slog.Info("task iteration", "task", t.ID, "iteration", iteration, "global_used", e.globalUsed)

		rej, err := e.iterate(ctx, t, resume, feedback, warning)
		if err != nil {
			return err
		}
		if rej == nil {
			if err := e.store.MarkComplete(ctx, t.ID); err != nil {
				return err
			}
			e.transition(t.ID, PhaseComplete, "")
			slog.Info("task complete", "task", t.ID, "iterations", iteration)
			return nil
		}

		resume = rej.resume
		feedback = rej.feedback
		warning = ""
		if rej.security {
			warning = agent.InvalidTokenWarning
		}
		if err := e.store.RecordFailure(ctx, t.ID, rej.reason()); err != nil {
			return err
		}
		e.transition(t.ID, PhasePending, string(rej.phase))
		slog.Warn("task iteration rejected",
			"task", t.ID, "phase", rej.phase, "resume", rej.resume, "security", rej.security)
	}
}

// iterate runs the phase machine from the resume state onward. A nil
// rejection means the task earned its commit.
func (e *Engine) iterate(ctx context.Context, t *task.Task, resume Phase, feedback, warning string) (*rejection, error) {
	// Feedback reaches the role that owns the retry; a review retried for
	// its own silence is told why.
	var reviewRetry string
	if resume == PhaseReviewing {
		reviewRetry = feedback
	}

	if resume == PhaseImplementing || resume == PhasePending {
		e.transition(t.ID, PhaseImplementing, "")
		if rej, err := e.agentPhase(ctx, t, agent.RoleImplement, agent.PromptInput{
			Task: t, Token: e.token(), Feedback: feedback, Warning: warning,
		}, PhaseImplementing); err != nil || rej != nil {
			return rej, err
		}
		resume = PhaseTestWriting
	}

	if resume == PhaseTestWriting {
		// Sandboxed: only the test-authoring role runs under the guardrail.
		e.transition(t.ID, PhaseTestWriting, "")
		snap, err := e.guard.Begin(ctx)
		if err != nil {
			return nil, err
		}
		testRej, err := e.agentPhase(ctx, t, agent.RoleTestAuthor, agent.PromptInput{
			Task: t, Token: e.token(), Feedback: feedback, Warning: warning,
		}, PhaseTestWriting)
		if err != nil {
			return nil, err
		}
		// Enforcement runs even when the turn produced no valid signal;
		// the revert must never depend on agent cooperation.
		report, err := e.guard.Enforce(ctx, snap)
		if err != nil {
			return nil, err
		}
		if !report.Clean() {
			e.tl.Append(timeline.EventGuardrailRevert, t.ID, map[string]any{
				"violations": len(report.Violations),
			})
			return &rejection{
			phase:    PhaseTestWriting,
			resume:   PhaseTestWriting,
			feedback: report.Feedback(),
			code:     werr.Guardrail,
		}, nil
		}
		if testRej != nil {
			return testRej, nil
		}
	}

	// GATING: the fast set, run by the orchestrator, never the agent. A
	// failure is owned by the implementation role.
	e.transition(t.ID, PhaseGating, "")
	gateReport := e.gates.RunSet(ctx, "fast", e.gatesFast)
	e.appendGateReport(gateReport, t.ID)
	if !gateReport.Passed() {
		return &rejection{
			phase:    PhaseGating,
			resume:   PhaseImplementing,
			feedback: gateReport.Feedback(),
			code:     werr.Gate,
		}, nil
	}

	// REVIEWING: silence is not approval; only an explicit approved
	// signal with the right token commits the task. A silent or forged
	// review retries the review itself; a rejecting verdict goes back to
	// the implementation.
	e.transition(t.ID, PhaseReviewing, "")
	output, err := e.invoke(ctx, agent.RoleReview, agent.PromptInput{
		Task: t, Token: e.token(), Feedback: reviewRetry, Warning: warning,
	})
	if err != nil {
		return nil, err
	}
	sig, outcome := e.validator.Validate(output, signal.ReviewApproved, signal.ReviewRejected)
	e.appendSignal(t.ID, agent.RoleReview, outcome)
	switch outcome {
	case signal.Valid:
		if sig.Kind == signal.ReviewApproved {
			return nil, nil
		}
		return &rejection{phase: PhaseReviewing, resume: PhaseImplementing, feedback: reviewFeedback(output)}, nil
	case signal.InvalidToken:
		return &rejection{
			phase:    PhaseReviewing,
			resume:   PhaseReviewing,
			feedback: "the review turn carried an invalid token",
			code:     werr.SignalInvalid,
			security: true,
		}, nil
	default:
		return &rejection{
			phase:    PhaseReviewing,
			resume:   PhaseReviewing,
			feedback: "the review turn ended without a verdict",
			code:     werr.SignalMissing,
		}, nil
	}
}

// agentPhase runs one writing role and validates its single accepted
// completion signal. The rejected phase owns its own retry.
func (e *Engine) agentPhase(ctx context.Context, t *task.Task, role agent.Role, in agent.PromptInput, phase Phase) (*rejection, error) {
	output, err := e.invoke(ctx, role, in)
	if err != nil {
		return nil, err
	}
	accepted := agent.ContractFor(role).Accepts
	_, outcome := e.validator.Validate(output, accepted...)
	e.appendSignal(t.ID, role, outcome)
	switch outcome {
	case signal.Valid:
		return nil, nil
	case signal.InvalidToken:
		return &rejection{
			phase:    phase,
			resume:   phase,
			feedback: "the completion signal carried an invalid token",
			code:     werr.SignalInvalid,
			security: true,
		}, nil
	default:
		return &rejection{
			phase:    phase,
			resume:   phase,
			feedback: "no completion signal was emitted",
			code:     werr.SignalMissing,
		}, nil
	}
}

// invoke runs one agent turn. Timeouts are downgraded to an empty output
// so they classify as NoSignal and consume a retry; everything else
// propagates.
func (e *Engine) invoke(ctx context.Context, role agent.Role, in agent.PromptInput) (string, error) {
	output, err := e.invoker.Invoke(ctx, role, agent.BuildPrompt(role, in))
	if err != nil {
		if werr.IsCode(err, werr.Timeout) {
			slog.Warn("agent turn timed out", "role", role.String())
			return "", nil
		}
		return "", err
	}
	return output, nil
}

func (e *Engine) token() string {
	return e.sess.Token
}

func (e *Engine) transition(taskID string, phase Phase, detail string) {
	d := map[string]any{"phase": string(phase)}
	if detail != "" {
		d["detail"] = detail
	}
	e.tl.Append(timeline.EventTaskTransition, taskID, d)
}

func (e *Engine) appendSignal(taskID string, role agent.Role, outcome signal.Outcome) {
	e.tl.Append(timeline.EventSignalOutcome, taskID, map[string]any{
		"role":    role.String(),
		"outcome": outcome.String(),
	})
}

func (e *Engine) appendGateReport(report *gate.Report, taskID string) {
	failed := 0
	for _, r := range report.Results {
		if !r.Skipped && !r.Passed {
			failed++
		}
	}
	e.tl.Append(timeline.EventGateReport, taskID, map[string]any{
		"set":    report.Set,
		"gates":  len(report.Results),
		"failed": failed,
		"halted": report.Halted,
	})
}

// reviewFeedback trims the signal tag noise out of a rejecting review so
// the next implementation prompt carries only the substance.
func reviewFeedback(output string) string {
	const limit = 4000
	if len(output) > limit {
		output = output[len(output)-limit:]
	}
	return "The reviewer rejected this iteration:\n" + output
}
