// Command harmonycodesvc is the HarmonyCode collaboration-hub server: one
// workspace directory, one in-memory Hub, one Orchestration Engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/peteryuqin/harmonycode/internal/bus"
	"github.com/peteryuqin/harmonycode/internal/config"
	"github.com/peteryuqin/harmonycode/internal/diversity"
	"github.com/peteryuqin/harmonycode/internal/hub"
	"github.com/peteryuqin/harmonycode/internal/identity"
	"github.com/peteryuqin/harmonycode/internal/locks"
	"github.com/peteryuqin/harmonycode/internal/orchestration"
	"github.com/peteryuqin/harmonycode/internal/scheduler"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags]                 Start the HarmonyCode server

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  HARMONYCODE_HOME           Workspace directory (default: ~/.harmonycode-workspace)
  HARMONYCODE_AUTH_TOKEN     Bearer token required on /ws and /metrics (default: none, open mode)
`)
}

func main() {
	homeDefault := os.Getenv("HARMONYCODE_HOME")
	if homeDefault == "" {
		if hd, err := os.UserHomeDir(); err == nil {
			homeDefault = filepath.Join(hd, ".harmonycode-workspace")
		} else {
			homeDefault = "."
		}
	}

	workspaceDir := flag.String("workspace", homeDefault, "workspace directory for persisted state")
	bindAddr := flag.String("bind", "", "override the configured bind address (host:port)")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Join(*workspaceDir, ".harmonycode"), 0o755); err != nil {
		fatalStartup(nil, "E_WORKSPACE_CREATE", err)
	}

	cfg, err := config.Load(*workspaceDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("HARMONYCODE_AUTH_TOKEN")
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "workspace", *workspaceDir)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	lockMgr, err := locks.NewManager(*workspaceDir, cfg.LockTTL(), eventBus, logger)
	if err != nil {
		fatalStartup(logger, "E_LOCKS_INIT", err)
	}

	idStore, err := identity.NewStore(*workspaceDir, eventBus)
	if err != nil {
		fatalStartup(logger, "E_IDENTITY_INIT", err)
	}

	profile, err := config.LoadDiversityProfile(*workspaceDir)
	if err != nil {
		fatalStartup(logger, "E_DIVERSITY_PROFILE_LOAD", err)
	}
	tracker := diversity.NewTracker(profile.Seed, cfg.AutoRotatePerspectives)
	enforcer := diversity.NewEnforcer(diversity.Config{
		Enabled:                   cfg.DiversityEnabled,
		Strict:                    cfg.DiversityStrict,
		MinimumAgentsForDiversity: cfg.MinimumAgentsForDiversity,
		MinimumDiversity:          cfg.MinimumDiversity,
		DisagreementQuota:         cfg.DisagreementQuota,
		EvidenceThreshold:         cfg.EvidenceThreshold,
	}, tracker)

	engine := orchestration.New(orchestration.Config{
		SwarmMode:            cfg.SwarmMode,
		TaskTimeout:          cfg.TaskTimeout(),
		EditConflictWindow:   cfg.EditConflictWindow(),
		WorkspaceDir:         *workspaceDir,
		Logger:               logger,
		RequiredPerspectives: diversity.ParseRequiredPerspectives(profile.RequiredPerspectives),
	}, lockMgr, eventBus, tracker)

	if err := engine.LoadSnapshot(); err != nil {
		fatalStartup(logger, "E_SNAPSHOT_LOAD", err)
	}
	logger.Info("startup phase", "phase", "snapshot_loaded")

	hubServer := hub.New(hub.Config{
		Identity:           idStore,
		Engine:             engine,
		Locks:              lockMgr,
		Enforcer:           enforcer,
		Tracker:            tracker,
		Bus:                eventBus,
		AuthToken:          cfg.AuthToken,
		AllowOrigins:       cfg.AllowOrigins,
		RateLimitPerMinute: 60,
		RateLimitBurst:     10,
		Logger:             logger,
	})

	lockSweeper := scheduler.New("lock-sweep", cfg.SweeperInterval(), func(context.Context) {
		lockMgr.Sweep()
	}, logger)
	lockSweeper.Start(ctx)
	defer lockSweeper.Stop()

	taskSweeper := scheduler.New("task-timeout-sweep", cfg.SweeperInterval(), func(context.Context) {
		engine.SweepTaskTimeouts()
	}, logger)
	taskSweeper.Start(ctx)
	defer taskSweeper.Stop()

	snapshotTicker := scheduler.New("snapshot", cfg.SnapshotInterval(), func(context.Context) {
		if err := engine.Snapshot(); err != nil {
			logger.Error("periodic snapshot failed", "error", err)
		}
	}, logger)
	snapshotTicker.Start(ctx)
	defer snapshotTicker.Stop()

	watcher := config.NewWatcher(filepath.Join(*workspaceDir, ".harmonycode"), logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start; live-reload disabled", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				switch filepath.Base(ev.Path) {
				case "config.json":
					reloadDiversityConfig(*workspaceDir, enforcer, logger)
				case "diversity.yaml":
					reloadRequiredPerspectives(*workspaceDir, engine, logger)
				default:
					logger.Info("workspace config file changed", "path", ev.Path)
				}
			}
		}()
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: hubServer.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("hub listening", "addr", cfg.BindAddr, "ws", "/ws", "config_fingerprint", cfg.Fingerprint())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("hub server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	if err := engine.Snapshot(); err != nil {
		logger.Error("final snapshot failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// newLogger builds a slog.Logger writing structured text to stderr, colorless
// when stderr isn't a terminal (matching the teacher's quiet-vs-interactive
// split, minus the TUI branch this server doesn't have).
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// reloadDiversityConfig re-reads config.json and swaps the Enforcer's
// tunables, applied without restarting the process (§9 live-reload).
// AuthToken/BindAddr/etc. are deliberately not re-applied here: they are
// read once at startup and wiring them into a running *http.Server/Hub
// would require a listener restart this watcher does not perform.
func reloadDiversityConfig(workspaceDir string, enforcer *diversity.Enforcer, logger *slog.Logger) {
	cfg, err := config.Load(workspaceDir)
	if err != nil {
		logger.Error("config.json reload failed; keeping prior diversity tunables", "error", err)
		return
	}
	enforcer.UpdateConfig(diversity.Config{
		Enabled:                   cfg.DiversityEnabled,
		Strict:                    cfg.DiversityStrict,
		MinimumAgentsForDiversity: cfg.MinimumAgentsForDiversity,
		MinimumDiversity:          cfg.MinimumDiversity,
		DisagreementQuota:         cfg.DisagreementQuota,
		EvidenceThreshold:         cfg.EvidenceThreshold,
	})
	logger.Info("diversity enforcer tunables reloaded", "diversity_enabled", cfg.DiversityEnabled, "diversity_strict", cfg.DiversityStrict)
}

// reloadRequiredPerspectives re-reads diversity.yaml and swaps the
// required-perspective baseline SpawnAgents hands to AssignPerspective. The
// Tracker's seed/auto-rotate settings are not re-applied: they only affect
// the RNG a Tracker is constructed with and agents already registered, so
// re-seeding mid-process would silently change assignment for existing
// agents without touching new ones — left for a future restart instead.
func reloadRequiredPerspectives(workspaceDir string, engine *orchestration.Engine, logger *slog.Logger) {
	profile, err := config.LoadDiversityProfile(workspaceDir)
	if err != nil {
		logger.Error("diversity.yaml reload failed; keeping prior required perspectives", "error", err)
		return
	}
	perspectives := diversity.ParseRequiredPerspectives(profile.RequiredPerspectives)
	if len(perspectives) == 0 {
		perspectives = []diversity.Perspective{diversity.Skeptic, diversity.Analytical}
	}
	engine.UpdateRequiredPerspectives(perspectives)
	logger.Info("required perspective baseline reloaded", "required_perspectives", profile.RequiredPerspectives)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
