package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/kazz187/taskwarden/internal/agent"
	"github.com/kazz187/taskwarden/internal/config"
	"github.com/kazz187/taskwarden/internal/execrunner"
	"github.com/kazz187/taskwarden/internal/fixloop"
	"github.com/kazz187/taskwarden/internal/gate"
	"github.com/kazz187/taskwarden/internal/guardrail"
	"github.com/kazz187/taskwarden/internal/integrity"
	"github.com/kazz187/taskwarden/internal/loop"
	"github.com/kazz187/taskwarden/internal/service"
	"github.com/kazz187/taskwarden/internal/session"
	"github.com/kazz187/taskwarden/internal/signal"
	"github.com/kazz187/taskwarden/internal/task"
	"github.com/kazz187/taskwarden/internal/timeline"
	"github.com/kazz187/taskwarden/internal/watcher"
	"github.com/kazz187/taskwarden/pkg/storage"
	"github.com/kazz187/taskwarden/pkg/werr"
	"github.com/kazz187/taskwarden/pkg/wlog"
)

var (
	app = kingpin.New("taskwarden", "Verified task loop engine for untrusted code-generation agents")

	runCmd    = app.Command("run", "Run the task loop over a task source")
	runConfig = runCmd.Flag("config", "Run configuration file").Default("taskwarden.yaml").String()

	statusCmd    = app.Command("status", "Show the task status store of the current project")
	statusConfig = statusCmd.Flag("config", "Run configuration file").Default("taskwarden.yaml").String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	setupLogger(env)

	var exitCode int
	switch command {
	case runCmd.FullCommand():
		exitCode = handleRun(env, *runConfig)
	case statusCmd.FullCommand():
		exitCode = handleStatus(env, *statusConfig)
	}
	os.Exit(exitCode)
}

func setupLogger(env *config.Env) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(env.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	var handler slog.Handler
	if env.Local {
		handler = wlog.NewTextHandler(os.Stderr, wlog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(wlog.NewAttributesHandler(handler)))
}

func newStorage(ctx context.Context, env *config.Env) (storage.Storage, error) {
	switch env.StorageType {
	case "s3":
		return storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
	default:
		return storage.NewLocalStorage(env.DataDir)
	}
}

func handleRun(env *config.Env, configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load run configuration", "path", configPath, "error", err)
		return 1
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = wlog.ContextWithAttrs(ctx)

	// The status store always lives on local disk next to the repo; the
	// configured backend is used for archives.
	local, err := storage.NewLocalStorage(env.DataDir)
	if err != nil {
		slog.Error("failed to open data directory", "error", err)
		return 1
	}
	archive, err := newStorage(ctx, env)
	if err != nil {
		slog.Error("failed to open storage backend", "error", err)
		return 1
	}

	sess, err := session.New(cfg.TaskSource)
	if err != nil {
		slog.Error("failed to create session", "error", err)
		return 1
	}
	wlog.AddAttribute(ctx, "session", sess.ID)
	slog.Info("session started", "task_source", cfg.TaskSource)

	tl, err := timeline.Open(env.DataDir+"/timeline.jsonl", sess.ID)
	if err != nil {
		slog.Error("failed to open timeline", "error", err)
		return 1
	}

	guard := integrity.NewGuard(local)
	source := task.NewSource(storageForSource(cfg), cfg.TaskSource)
	store, err := task.NewStore(ctx, local, guard, source, "status.yaml", sess.ID)
	if err != nil {
		slog.Error("failed to open task store", "error", err)
		_ = tl.Close()
		return 1
	}

	runner := execrunner.New()
	services := service.NewManager(cfg.ServiceDefinitions(), local, "services.yaml")
	services.ReapOrphans(ctx)

	var invoker agent.Invoker
	settings := cfg.RoleSettings()
	if cfg.Invoker == "subprocess" {
		invoker = agent.NewSubprocessInvoker(runner, cfg.RepoRoot, settings)
	} else {
		invoker = agent.NewClaudeCodeInvoker(cfg.RepoRoot, settings)
	}

	validator := signal.NewValidator(sess.Token)
	enforcer := guardrail.NewEnforcer(runner, cfg.RepoRoot, cfg.GuardrailAllow)
	gates := gate.NewRunner(runner, cfg.RepoRoot)
	fix := fixloop.New(gates, services, invoker, validator, sess.Token, tl, cfg.Limits.MaxFixIterations)

	if cfg.WatchRoot != "" {
		w, err := watcher.New(cfg.WatchRoot)
		if err != nil {
			slog.Warn("project watcher unavailable", "error", err)
		} else if err := w.Start(ctx); err != nil {
			slog.Warn("project watcher failed to start", "error", err)
		} else {
			defer w.Wait()
		}
	}

	engine := loop.NewEngine(
		sess, store, invoker, validator, enforcer,
		gates, config.Gates(cfg.GatesFast), config.Gates(cfg.GatesFull),
		fix, cfg.Families(), tl,
		loop.Limits{
			MaxTaskIterations: cfg.Limits.MaxTaskIterations,
			GlobalBudget:      cfg.Limits.GlobalBudget,
		},
	)

	runErr := engine.Run(ctx)
	stop() // release the watcher and any remaining ctx waiters

	// Shutdown order matters: services down, then timeline flushed and
	// archived, then the verdict.
	services.StopAll(context.Background())
	if err := tl.Close(); err != nil {
		slog.Warn("timeline close failed", "error", err)
	} else if err := tl.Archive(context.Background(), archive); err != nil {
		slog.Warn("timeline archive failed", "error", err)
	}

	switch {
	case runErr == nil:
		sess.MarkCompleted()
	case ctx.Err() != nil:
		sess.MarkAborted()
	default:
		sess.MarkFailed()
	}
	printSummary(sess, store, runErr)
	if runErr != nil {
		return 1
	}
	return 0
}

// storageForSource exposes the repository working directory as a storage
// root so the task source can be read and rewritten in place.
func storageForSource(cfg *config.Config) storage.Storage {
	s, err := storage.NewLocalStorage(cfg.RepoRoot)
	if err != nil {
		// RepoRoot was already validated readable by config loading; an
		// unresolvable path here is unrecoverable.
		slog.Error("failed to open repository root", "error", err)
		os.Exit(1)
	}
	return s
}

func printSummary(sess *session.Session, store *task.Store, runErr error) {
	header := color.New(color.Bold)
	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed)

	header.Println("\n=== taskwarden run summary ===")
	fmt.Printf("session:   %s\n", sess.ID)
	fmt.Printf("status:    %s\n", sess.Status)
	fmt.Printf("completed: %s\n", joinOrNone(sess.CompletedTaskIDs))
	fmt.Printf("pending:   %s\n", joinOrNone(store.PendingIDs()))
	switch {
	case runErr == nil:
		good.Println("all tasks complete, verification green")
	case werr.IsFatal(runErr):
		bad.Printf("FATAL: %v\n", runErr)
	default:
		bad.Printf("run failed: %v\n", runErr)
	}
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "(none)"
	}
	return strings.Join(ids, ", ")
}

func handleStatus(env *config.Env, configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load run configuration", "path", configPath, "error", err)
		return 1
	}
	ctx := context.Background()
	local, err := storage.NewLocalStorage(env.DataDir)
	if err != nil {
		slog.Error("failed to open data directory", "error", err)
		return 1
	}
	data, err := local.Read(ctx, "status.yaml")
	if err != nil {
		fmt.Printf("no status store yet for %s\n", cfg.TaskSource)
		return 0
	}
	guard := integrity.NewGuard(local)
	if err := guard.Check(ctx, "status.yaml"); err != nil {
		color.New(color.FgRed).Printf("integrity check failed: %v\n", err)
		return 1
	}
	fmt.Printf("# %s\n", filepath.Join(local.BasePath(), "status.yaml"))
	fmt.Print(string(data))
	return 0
}
