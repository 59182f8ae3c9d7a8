// Package execrunner runs the engine's external subprocesses: agent
// invocations, gate commands and service control commands. Every call
// blocks under a hard timeout; on expiry the child's entire process
// group is killed so nothing outlives the turn.
package execrunner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kazz187/taskwarden/pkg/shellcmd"
	"github.com/kazz187/taskwarden/pkg/werr"
)

const (
	// scannerBuf bounds per-line capture; agents can emit very long lines.
	scannerBuf    = 64 * 1024
	scannerBufMax = 1024 * 1024
)

// Spec describes one subprocess invocation. Command is a shell string
// run under /bin/sh -c; the concrete strings are configuration, not logic.
type Spec struct {
	Command string
	Dir     string
	Env     []string // appended to the parent environment
	Stdin   string
	Timeout time.Duration
}

// Result captures a finished (or killed) subprocess.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Output concatenates stdout and stderr for feedback rendering.
func (r Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Success reports a zero exit without timeout.
func (r Result) Success() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// Runner executes subprocess specs. The loop depends on this interface
// so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// ExecRunner is the real Runner backed by os/exec.
type ExecRunner struct{}

func New() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the spec and blocks until the child exits or the timeout
// fires. On timeout the whole process group receives SIGKILL and the
// result reports TimedOut; the caller maps that to its retry policy.
// An error return means the process could not be started at all.
func (r *ExecRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Timeout <= 0 {
		return Result{}, werr.Newf(werr.Invalid, "command %q has no timeout", shellcmd.Summarize(spec.Command, 60))
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd := exec.Command("/bin/sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	// Own process group, so a timeout kill reaps the child's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, werr.New(werr.Internal, "failed to create stdout pipe", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, werr.New(werr.Internal, "failed to create stderr pipe", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, werr.Newf(werr.Internal, "failed to start %q: %v", shellcmd.Summarize(spec.Command, 60), err)
	}
	pgid := cmd.Process.Pid

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go capture(&wg, stdoutPipe, &stdout)
	go capture(&wg, stderrPipe, &stderr)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		KillGroup(pgid)
		waitErr = <-done
	}
	duration := time.Since(start)

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
		TimedOut: timedOut,
	}
	switch {
	case waitErr == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
	}

	slog.Debug("subprocess finished",
		"command", shellcmd.Summarize(spec.Command, 80),
		"exit_code", result.ExitCode,
		"duration", duration,
		"timed_out", timedOut,
	)
	return result, nil
}

func capture(wg *sync.WaitGroup, pipe io.ReadCloser, buf *bytes.Buffer) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, scannerBuf), scannerBufMax)
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteByte('\n')
	}
}

// KillGroup SIGKILLs an entire process group. Errors are ignored: the
// group may already be gone, which is the desired end state.
func KillGroup(pgid int) {
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// TerminateGroup asks a process group to exit with SIGTERM, then SIGKILLs
// whatever is still alive after the grace period.
func TerminateGroup(pgid int, grace time.Duration) {
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(-pgid, syscall.Signal(0)); err != nil {
			return // group is gone
		}
		time.Sleep(100 * time.Millisecond)
	}
	KillGroup(pgid)
}

// Alive probes whether any process in the group still exists.
func Alive(pgid int) bool {
	return syscall.Kill(-pgid, syscall.Signal(0)) == nil
}
