package agent

import (
	"context"
	"log/slog"
	"time"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"

	"github.com/kazz187/taskwarden/internal/execrunner"
	"github.com/kazz187/taskwarden/pkg/werr"
)

// Invoker runs one agent turn for a role and returns the raw text
// output. The engine parses nothing beyond the signal grammar; the agent
// remains an opaque, fallible subprocess that may stall, lie or misbehave.
type Invoker interface {
	Invoke(ctx context.Context, role Role, prompt string) (string, error)
}

// RoleSettings is the per-role runtime policy from configuration.
type RoleSettings struct {
	// Command is the agent invocation for SubprocessInvoker; the prompt
	// is delivered on stdin.
	Command string
	Model   string
	Timeout time.Duration
}

func (s RoleSettings) timeoutOr(def time.Duration) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return def
}

// SubprocessInvoker drives an arbitrary agent CLI through the command
// runner. Timeouts surface as werr.Timeout, which the loop treats as a
// missing signal and charges against the retry budget.
type SubprocessInvoker struct {
	runner   execrunner.Runner
	dir      string
	settings map[Role]RoleSettings
}

func NewSubprocessInvoker(runner execrunner.Runner, dir string, settings map[Role]RoleSettings) *SubprocessInvoker {
	return &SubprocessInvoker{runner: runner, dir: dir, settings: settings}
}

func (i *SubprocessInvoker) Invoke(ctx context.Context, role Role, prompt string) (string, error) {
	settings, ok := i.settings[role]
	if !ok || settings.Command == "" {
		return "", werr.Newf(werr.Invalid, "no agent command configured for role %s", role)
	}

	env := []string{"TASKWARDEN_ROLE=" + role.String()}
	if settings.Model != "" {
		env = append(env, "TASKWARDEN_MODEL="+settings.Model)
	}

	result, err := i.runner.Run(ctx, execrunner.Spec{
		Command: settings.Command,
		Dir:     i.dir,
		Env:     env,
		Stdin:   prompt,
		Timeout: settings.timeoutOr(ContractFor(role).DefaultTimeout),
	})
	if err != nil {
		return "", err
	}
	if result.TimedOut {
		return result.Output(), werr.Newf(werr.Timeout, "agent turn for role %s timed out after %s",
			role, settings.timeoutOr(ContractFor(role).DefaultTimeout))
	}
	return result.Output(), nil
}

// ClaudeCodeInvoker drives the agent through the Claude Agent SDK
// instead of a raw CLI pipe. The result text is returned under the same
// raw-text contract: the engine still only looks for signal markers.
type ClaudeCodeInvoker struct {
	dir      string
	settings map[Role]RoleSettings
}

func NewClaudeCodeInvoker(dir string, settings map[Role]RoleSettings) *ClaudeCodeInvoker {
	return &ClaudeCodeInvoker{dir: dir, settings: settings}
}

func (i *ClaudeCodeInvoker) Invoke(ctx context.Context, role Role, prompt string) (string, error) {
	settings := i.settings[role]
	timeout := settings.timeoutOr(ContractFor(role).DefaultTimeout)

	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	permMode := claudeagent.PermissionModeBypassPermissions
	if !ContractFor(role).WritesAllowed {
		permMode = claudeagent.PermissionModeDefault
	}
	opts := &claudeagent.ClaudeAgentOptions{
		Cwd:            i.dir,
		PermissionMode: permMode,
		StderrCallback: func(line string) {
			slog.Debug("agent stderr", "role", role.String(), "line", line)
		},
	}

	result, err := claudeagent.RunQuerySync(turnCtx, prompt, opts)
	if err != nil {
		if turnCtx.Err() != nil {
			return "", werr.Newf(werr.Timeout, "agent turn for role %s timed out after %s", role, timeout)
		}
		return "", werr.New(werr.Internal, "agent query failed", err)
	}
	if result.Result == nil {
		return "", nil
	}
	// An errored turn still returns its text; the validator decides
	// whether anything in it counts.
	return result.Result.Result, nil
}
