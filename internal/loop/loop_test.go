package loop

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kazz187/taskwarden/internal/agent"
	"github.com/kazz187/taskwarden/internal/execrunner"
	"github.com/kazz187/taskwarden/internal/fixloop"
	"github.com/kazz187/taskwarden/internal/gate"
	"github.com/kazz187/taskwarden/internal/guardrail"
	"github.com/kazz187/taskwarden/internal/integrity"
	"github.com/kazz187/taskwarden/internal/service"
	"github.com/kazz187/taskwarden/internal/session"
	"github.com/kazz187/taskwarden/internal/signal"
	"github.com/kazz187/taskwarden/internal/task"
	"github.com/kazz187/taskwarden/internal/timeline"
	"github.com/kazz187/taskwarden/pkg/storage"
	"github.com/kazz187/taskwarden/pkg/werr"
)

const twoTaskSource = `tasks:
  - id: T-002
    title: Later task
    priority: 2
  - id: T-001
    title: Earlier task
    priority: 1
`

// turn is one scripted agent response.
type turn struct {
	role   agent.Role
	output func(token string) string
}

// fakeInvoker replays scripted outputs per role and records every prompt.
type fakeInvoker struct {
	t       *testing.T
	token   string
	scripts map[agent.Role][]func(token string) string
	prompts map[agent.Role][]string
}

func newFakeInvoker(t *testing.T, token string, turns []turn) *fakeInvoker {
	f := &fakeInvoker{
		t:       t,
		token:   token,
		scripts: make(map[agent.Role][]func(string) string),
		prompts: make(map[agent.Role][]string),
	}
	for _, tn := range turns {
		f.scripts[tn.role] = append(f.scripts[tn.role], tn.output)
	}
	return f
}

func (f *fakeInvoker) Invoke(_ context.Context, role agent.Role, prompt string) (string, error) {
	f.prompts[role] = append(f.prompts[role], prompt)
	script := f.scripts[role]
	if len(script) == 0 {
		f.t.Fatalf("unexpected %s turn", role)
	}
	out := script[0](f.token)
	if len(script) > 1 {
		f.scripts[role] = script[1:]
	}
	return out, nil
}

func approve(token string) string { return "looks correct\n" + signal.Marker(signal.ReviewApproved, token) }
func reject(token string) string {
	return "missing edge case handling\n" + signal.Marker(signal.ReviewRejected, token)
}
func done(kind signal.Kind) func(string) string {
	return func(token string) string { return "work done\n" + signal.Marker(kind, token) }
}
func silent(string) string { return "I did things but forgot to say so" }

// gateRunner fails commands containing "fail" and reports clean git state.
type gateRunner struct{}

func (gateRunner) Run(_ context.Context, spec execrunner.Spec) (execrunner.Result, error) {
	if spec.Command == "git status --porcelain" {
		return execrunner.Result{}, nil
	}
	if strings.Contains(spec.Command, "fail") {
		return execrunner.Result{ExitCode: 1, Stdout: "it broke"}, nil
	}
	return execrunner.Result{}, nil
}

type harness struct {
	engine  *Engine
	store   *task.Store
	invoker *fakeInvoker
	sess    *session.Session
}

func newHarness(t *testing.T, turns []turn, fastGates []gate.Gate, limits Limits) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	local, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	require.NoError(t, local.Write(ctx, "tasks.yaml", []byte(twoTaskSource)))

	sess, err := session.New("tasks.yaml")
	require.NoError(t, err)

	guard := integrity.NewGuard(local)
	store, err := task.NewStore(ctx, local, guard, task.NewSource(local, "tasks.yaml"), "status.yaml", sess.ID)
	require.NoError(t, err)

	tl, err := timeline.Open(filepath.Join(dir, "timeline.jsonl"), sess.ID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tl.Close() })

	invoker := newFakeInvoker(t, sess.Token, turns)
	validator := signal.NewValidator(sess.Token)
	runner := gateRunner{}
	gates := gate.NewRunner(runner, dir)
	enforcer := guardrail.NewEnforcer(runner, dir, []string{"**/*_test.go"})
	services := service.NewManager(nil, local, "services.yaml")
	fix := fixloop.New(gates, services, invoker, validator, sess.Token, tl, 1)

	engine := NewEngine(sess, store, invoker, validator, enforcer, gates, fastGates, nil, fix, nil, tl, limits)
	return &harness{engine: engine, store: store, invoker: invoker, sess: sess}
}

func defaultLimits() Limits {
	return Limits{MaxTaskIterations: 3, GlobalBudget: 20}
}

func happyTurns() []turn {
	return []turn{
		{agent.RoleImplement, done(signal.TaskDone)},
		{agent.RoleTestAuthor, done(signal.TestsDone)},
		{agent.RoleReview, approve},
	}
}

func TestRunCompletesTasksInPriorityOrder(t *testing.T) {
	h := newHarness(t, happyTurns(), nil, defaultLimits())

	require.NoError(t, h.engine.Run(context.Background()))
	require.True(t, h.store.AllComplete())
	require.Equal(t, []string{"T-001", "T-002"}, h.sess.CompletedTaskIDs)

	// The lower priority value ran first despite later declaration.
	prompts := h.invoker.prompts[agent.RoleImplement]
	require.Len(t, prompts, 2)
	require.Contains(t, prompts[0], "T-001")
	require.Contains(t, prompts[1], "T-002")
}

func TestPromptsEmbedSessionToken(t *testing.T) {
	h := newHarness(t, happyTurns(), nil, defaultLimits())
	require.NoError(t, h.engine.Run(context.Background()))

	for role, prompts := range h.invoker.prompts {
		for _, p := range prompts {
			require.Contains(t, p, h.sess.Token, "%s prompt must embed the token", role)
		}
	}
}

func TestNoSignalConsumesOneIteration(t *testing.T) {
	h := newHarness(t, []turn{
		{agent.RoleImplement, silent},
		{agent.RoleImplement, done(signal.TaskDone)},
		{agent.RoleTestAuthor, done(signal.TestsDone)},
		{agent.RoleReview, approve},
	}, nil, defaultLimits())

	require.NoError(t, h.engine.Run(context.Background()))

	entry, err := h.store.Entry("T-001")
	require.NoError(t, err)
	require.Equal(t, 2, entry.IterationCount, "the silent turn must cost exactly one iteration")

	// The retry prompt carries generic feedback.
	require.Contains(t, h.invoker.prompts[agent.RoleImplement][1], "no completion signal")
}

func TestInvalidTokenEscalatesWarning(t *testing.T) {
	h := newHarness(t, []turn{
		{agent.RoleImplement, func(string) string {
			return "done\n" + signal.Marker(signal.TaskDone, "forgedtoken123")
		}},
		{agent.RoleImplement, done(signal.TaskDone)},
		{agent.RoleTestAuthor, done(signal.TestsDone)},
		{agent.RoleReview, approve},
	}, nil, defaultLimits())

	require.NoError(t, h.engine.Run(context.Background()))

	// Three implement prompts: the forged turn, the escalated retry, T-002.
	prompts := h.invoker.prompts[agent.RoleImplement]
	require.Len(t, prompts, 3)
	require.NotContains(t, prompts[0], "SECURITY WARNING")
	require.Contains(t, prompts[1], "SECURITY WARNING")
	require.NotContains(t, prompts[2], "SECURITY WARNING", "the warning must not leak into the next task")
}

func TestFatalGateFailureFeedsBackAndExhausts(t *testing.T) {
	fast := []gate.Gate{{Name: "typecheck", Command: "typecheck-fail", Fatal: true, Timeout: time.Minute}}
	h := newHarness(t, []turn{
		{agent.RoleImplement, done(signal.TaskDone)},
		{agent.RoleTestAuthor, done(signal.TestsDone)},
	}, fast, Limits{MaxTaskIterations: 2, GlobalBudget: 20})

	err := h.engine.Run(context.Background())
	require.True(t, werr.IsCode(err, werr.Exhausted), "got %v", err)
	require.False(t, h.store.AllComplete())

	// Gate output reached the retry prompt; review never ran.
	require.Contains(t, h.invoker.prompts[agent.RoleImplement][1], "it broke")
	require.Empty(t, h.invoker.prompts[agent.RoleReview])

	entry, err := h.store.Entry("T-001")
	require.NoError(t, err)
	require.Contains(t, entry.LastFailureReason, "iteration budget exhausted")
}

func TestReviewSilenceIsRetryNotApproval(t *testing.T) {
	h := newHarness(t, []turn{
		{agent.RoleImplement, done(signal.TaskDone)},
		{agent.RoleTestAuthor, done(signal.TestsDone)},
		{agent.RoleReview, silent},
		{agent.RoleReview, approve},
	}, nil, defaultLimits())

	require.NoError(t, h.engine.Run(context.Background()))

	entry, err := h.store.Entry("T-001")
	require.NoError(t, err)
	require.Equal(t, 2, entry.IterationCount, "a silent review must retry, never approve")
}

func TestSilentReviewRetryCarriesFeedback(t *testing.T) {
	h := newHarness(t, []turn{
		{agent.RoleImplement, done(signal.TaskDone)},
		{agent.RoleTestAuthor, done(signal.TestsDone)},
		{agent.RoleReview, silent},
		{agent.RoleReview, approve},
	}, nil, defaultLimits())

	require.NoError(t, h.engine.Run(context.Background()))

	// T-001 reviewed twice, T-002 once. The retried review is told why it
	// is being re-run; nothing leaks into the next task.
	prompts := h.invoker.prompts[agent.RoleReview]
	require.Len(t, prompts, 3)
	require.NotContains(t, prompts[0], "without a verdict")
	require.Contains(t, prompts[1], "without a verdict")
	require.NotContains(t, prompts[2], "without a verdict")
}

func TestReviewRejectionCarriesFeedback(t *testing.T) {
	h := newHarness(t, []turn{
		{agent.RoleImplement, done(signal.TaskDone)},
		{agent.RoleTestAuthor, done(signal.TestsDone)},
		{agent.RoleReview, reject},
		{agent.RoleReview, approve},
	}, nil, defaultLimits())

	require.NoError(t, h.engine.Run(context.Background()))
	require.Contains(t, h.invoker.prompts[agent.RoleImplement][1], "missing edge case handling")
}

func TestGlobalBudgetBoundsTheRun(t *testing.T) {
	h := newHarness(t, []turn{
		{agent.RoleImplement, silent},
	}, nil, Limits{MaxTaskIterations: 100, GlobalBudget: 3})

	err := h.engine.Run(context.Background())
	require.True(t, werr.IsCode(err, werr.Exhausted), "got %v", err)

	// The failure record classifies the protocol failure.
	entry, err := h.store.Entry("T-001")
	require.NoError(t, err)
	require.Contains(t, entry.LastFailureReason, "signal_missing")
}

func TestTaskStateNeverFlipsWithoutApproval(t *testing.T) {
	fast := []gate.Gate{{Name: "unit", Command: "unit-fail", Fatal: true, Timeout: time.Minute}}
	h := newHarness(t, []turn{
		{agent.RoleImplement, done(signal.TaskDone)},
		{agent.RoleTestAuthor, done(signal.TestsDone)},
	}, fast, Limits{MaxTaskIterations: 1, GlobalBudget: 5})

	_ = h.engine.Run(context.Background())

	task, err := h.store.Get("T-001")
	require.NoError(t, err)
	require.False(t, task.Passes, "gates failed, the task must stay pending")
}
