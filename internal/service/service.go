// Package service manages the long-running processes needed for
// post-completion runtime verification: dev servers, API backends,
// anything with a port and a health endpoint. Every tracked process is
// torn down on every exit path, because a leaked server blocks the next
// run via port contention.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/taskwarden/internal/execrunner"
	"github.com/kazz187/taskwarden/pkg/retry"
	"github.com/kazz187/taskwarden/pkg/storage"
	"github.com/kazz187/taskwarden/pkg/werr"
)

// Status is the lifecycle state of one managed service.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusFailed    Status = "failed"
)

// Definition is the configured shape of a service.
type Definition struct {
	Name string
	// Commands per start mode, e.g. "dev" and "prod".
	Commands map[string]string
	Dir      string
	Port     int
	// HealthPaths are polled on localhost:Port; healthy requires every
	// endpoint to respond with a 2xx.
	HealthPaths    []string
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	// StopGrace is how long SIGTERM gets before SIGKILL.
	StopGrace time.Duration
}

// State is the tracked runtime state of one service.
type State struct {
	Name      string    `yaml:"name"`
	PID       int       `yaml:"pid"`
	Port      int       `yaml:"port"`
	Status    Status    `yaml:"status"`
	StartedAt time.Time `yaml:"started_at"`
}

const defaultStopGrace = 10 * time.Second

// Manager starts, health-checks and stops services. It persists the
// pid table so a crashed run's orphans can be reaped by the next one.
type Manager struct {
	defs    map[string]Definition
	states  map[string]*State
	storage storage.Storage
	pidPath string
	client  *http.Client
}

func NewManager(defs []Definition, store storage.Storage, pidPath string) *Manager {
	m := &Manager{
		defs:    make(map[string]Definition, len(defs)),
		states:  make(map[string]*State),
		storage: store,
		pidPath: pidPath,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
	for _, d := range defs {
		if d.StopGrace == 0 {
			d.StopGrace = defaultStopGrace
		}
		m.defs[d.Name] = d
	}
	return m
}

// State returns a copy of the tracked state for name.
func (m *Manager) State(name string) (State, bool) {
	st, ok := m.states[name]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// ReapOrphans kills process groups recorded in a previous run's pid
// table. Called once at startup, before anything binds a port.
func (m *Manager) ReapOrphans(ctx context.Context) {
	data, err := m.storage.Read(ctx, m.pidPath)
	if err != nil {
		return // no table, nothing leaked
	}
	var stale []State
	if err := yaml.Unmarshal(data, &stale); err != nil {
		slog.Warn("unreadable pid table, skipping orphan reaping", "error", err)
		return
	}
	for _, st := range stale {
		if st.PID > 0 && execrunner.Alive(st.PID) {
			slog.Info("reaping orphaned service from previous run", "service", st.Name, "pid", st.PID)
			execrunner.TerminateGroup(st.PID, defaultStopGrace)
		}
	}
	_ = m.storage.Delete(ctx, m.pidPath)
}

// Start brings up a service in the given mode and polls its health
// endpoints until they all respond or the timeout budget is exhausted.
func (m *Manager) Start(ctx context.Context, name, mode string) error {
	def, ok := m.defs[name]
	if !ok {
		return werr.Newf(werr.NotFound, "service %s not configured", name)
	}
	command, ok := def.Commands[mode]
	if !ok {
		return werr.Newf(werr.Invalid, "service %s has no %q mode", name, mode)
	}

	if err := m.releasePort(def.Port); err != nil {
		return err
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = def.Dir
	cmd.Env = os.Environ()
	// Detached: own process group, no inherited stdio. The service must
	// outlive the agent turn that requested it, but not the run.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		m.states[name] = &State{Name: name, Port: def.Port, Status: StatusFailed}
		return werr.Newf(werr.Service, "failed to start service %s: %v", name, err)
	}
	// Reap the child when it dies so it never zombifies; exit handling
	// is the health check's job.
	go func() { _ = cmd.Wait() }()

	st := &State{
		Name:      name,
		PID:       cmd.Process.Pid,
		Port:      def.Port,
		Status:    StatusStarting,
		StartedAt: time.Now(),
	}
	m.states[name] = st
	if err := m.persistPIDs(ctx); err != nil {
		return err
	}
	slog.Info("service starting", "service", name, "mode", mode, "pid", st.PID, "port", def.Port)

	if m.awaitHealthy(ctx, def) {
		st.Status = StatusHealthy
		slog.Info("service healthy", "service", name, "pid", st.PID)
		return nil
	}
	st.Status = StatusUnhealthy
	return werr.Newf(werr.Service, "service %s did not become healthy within %s", name, def.HealthTimeout)
}

// awaitHealthy polls every health endpoint at the configured interval.
// The wait is bounded: attempts = timeout / interval, never fewer than one.
func (m *Manager) awaitHealthy(ctx context.Context, def Definition) bool {
	if len(def.HealthPaths) == 0 {
		return true
	}
	interval := def.HealthInterval
	if interval <= 0 {
		interval = time.Second
	}
	attempts := int(def.HealthTimeout / interval)
	if attempts < 1 {
		attempts = 1
	}
	result := retry.Do(ctx, func(ctx context.Context) (bool, error) {
		for _, path := range def.HealthPaths {
			if !m.probe(ctx, def.Port, path) {
				return false, nil
			}
		}
		return true, nil
	}, attempts, interval)
	return result.Outcome == retry.Success
}

func (m *Manager) probe(ctx context.Context, port int, path string) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, ensureLeadingSlash(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Stop tears down one service.
func (m *Manager) Stop(ctx context.Context, name string) {
	st, ok := m.states[name]
	if !ok || st.PID == 0 {
		return
	}
	def := m.defs[name]
	slog.Info("stopping service", "service", name, "pid", st.PID)
	execrunner.TerminateGroup(st.PID, def.StopGrace)
	st.Status = StatusStopped
	st.PID = 0
	_ = m.persistPIDs(ctx)
}

// StopAll kills the full process tree of every tracked pid and releases
// ports. It is idempotent and guaranteed to run on every exit path.
func (m *Manager) StopAll(ctx context.Context) {
	for name := range m.states {
		m.Stop(ctx, name)
	}
	_ = m.storage.Delete(ctx, m.pidPath)
}

func (m *Manager) persistPIDs(ctx context.Context) error {
	var states []State
	for _, st := range m.states {
		if st.PID > 0 {
			states = append(states, *st)
		}
	}
	data, err := yaml.Marshal(states)
	if err != nil {
		return werr.New(werr.Internal, "failed to marshal pid table", err)
	}
	if err := m.storage.Write(ctx, m.pidPath, data); err != nil {
		return werr.New(werr.Internal, "failed to persist pid table", err)
	}
	return nil
}

// releasePort kills whatever currently holds the port. lsof reports one
// pid per line; absence of output means the port is already free.
func (m *Manager) releasePort(port int) error {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		return nil // lsof exits non-zero when nothing matches
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid <= 0 {
			continue
		}
		slog.Warn("killing process holding service port", "port", port, "pid", pid)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
