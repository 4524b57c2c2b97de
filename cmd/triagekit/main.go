package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/triagekit/triagekit/internal/capability"
	"github.com/triagekit/triagekit/internal/engine"
	"github.com/triagekit/triagekit/internal/janitor"
	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/internal/rules"
	"github.com/triagekit/triagekit/internal/statestore"
	"github.com/triagekit/triagekit/internal/validation"
	"github.com/triagekit/triagekit/pkg/mcp"
	"github.com/triagekit/triagekit/pkg/schema"
)

const usage = `triagekit - customer support workflow orchestrator

Usage:
  triagekit serve                      run the MCP server on stdio
  triagekit process <intake.json|->    run a ticket through the workflow
  triagekit resume <session-id> <answers.json|->
                                       resume a waiting session with answers
  triagekit state <session-id>         print the latest session state
  triagekit history <session-id>       print all state versions
  triagekit sessions                   list all sessions
  triagekit report <session-id>        print the shaped session report
  triagekit purge <session-id>         delete a session and its history
  triagekit health                     print capability backend health
  triagekit version                    print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if os.Args[1] == "version" {
		printVersion()
		return
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger, command string, args []string) error {
	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	switch command {
	case "serve":
		return app.serve(ctx, cfg)
	case "process":
		if len(args) != 1 {
			return fmt.Errorf("usage: triagekit process <intake.json|->")
		}
		return app.process(ctx, args[0])
	case "resume":
		if len(args) != 2 {
			return fmt.Errorf("usage: triagekit resume <session-id> <answers.json|->")
		}
		return app.resume(ctx, args[0], args[1])
	case "state":
		if len(args) != 1 {
			return fmt.Errorf("usage: triagekit state <session-id>")
		}
		return app.printState(ctx, args[0])
	case "history":
		if len(args) != 1 {
			return fmt.Errorf("usage: triagekit history <session-id>")
		}
		return app.printHistory(ctx, args[0])
	case "sessions":
		return app.printSessions(ctx)
	case "report":
		if len(args) != 1 {
			return fmt.Errorf("usage: triagekit report <session-id>")
		}
		return app.printReport(ctx, args[0])
	case "purge":
		if len(args) != 1 {
			return fmt.Errorf("usage: triagekit purge <session-id>")
		}
		return app.purge(ctx, args[0])
	case "health":
		return app.printHealth()
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// app bundles the wired components behind the CLI commands.
type app struct {
	store     statestore.Store
	provider  capability.Provider
	engine    *engine.Engine
	validator *validation.IntakeValidator
	logger    *slog.Logger
}

func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := statestore.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	decisionRules, err := rules.New(
		rules.WithEscalationRule(cfg.EscalationRule),
		rules.WithAutoCloseRule(cfg.AutoCloseRule),
		rules.WithNotifyRule(cfg.NotifyRule),
		rules.WithReportQuery(cfg.ReportQuery),
	)
	if err != nil {
		provider.Close()
		store.Close()
		return nil, fmt.Errorf("build decision rules: %w", err)
	}

	validator, err := validation.NewIntakeValidator()
	if err != nil {
		provider.Close()
		store.Close()
		return nil, fmt.Errorf("build intake validator: %w", err)
	}

	return &app{
		store:     store,
		provider:  provider,
		engine:    engine.New(store, provider, decisionRules, logger),
		validator: validator,
		logger:    logger,
	}, nil
}

func (a *app) close() {
	if err := a.provider.Close(); err != nil {
		a.logger.Error("failed to close provider", slog.String("error", err.Error()))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", slog.String("error", err.Error()))
	}
}

func newProvider(ctx context.Context, cfg Config, logger *slog.Logger) (capability.Provider, error) {
	switch cfg.Provider {
	case "", "stub":
		return capability.NewStubProvider(), nil
	case "subprocess":
		if cfg.InternalCommand == "" || cfg.ExternalCommand == "" {
			return nil, fmt.Errorf("subprocess provider requires internal_command and external_command")
		}
		configs := []capability.BackendConfig{
			{Backend: schema.BackendInternal, Command: cfg.InternalCommand, Args: cfg.InternalArgs},
			{Backend: schema.BackendExternal, Command: cfg.ExternalCommand, Args: cfg.ExternalArgs},
		}
		return capability.NewSubprocessProvider(ctx, configs, logger)
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// serve runs the MCP server on stdio with the retention janitor alongside.
func (a *app) serve(ctx context.Context, cfg Config) error {
	sweeper, err := janitor.New(a.store, cfg.RetentionCron, cfg.retentionMaxAge(), a.logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	server := mcp.NewTriageServer(mcp.TriageServerDeps{
		Engine:    a.engine,
		Validator: a.validator,
		Logger:    a.logger,
	})
	a.logger.Info("mcp server listening on stdio")
	return server.Serve(ctx)
}

func (a *app) process(ctx context.Context, path string) error {
	raw, err := readInput(path)
	if err != nil {
		return err
	}
	intake, err := a.validator.ValidateDocument(raw)
	if err != nil {
		return err
	}
	result, err := a.engine.Run(ctx, intake)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) resume(ctx context.Context, sessionID, path string) error {
	raw, err := readInput(path)
	if err != nil {
		return err
	}
	var answers map[string]any
	if err := json.Unmarshal(raw, &answers); err != nil {
		return fmt.Errorf("decode answers: %w", err)
	}
	result, err := a.engine.Resume(ctx, sessionID, answers)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) printState(ctx context.Context, sessionID string) error {
	state, err := a.engine.State(ctx, sessionID)
	if err != nil {
		return err
	}
	return printJSON(state)
}

func (a *app) printHistory(ctx context.Context, sessionID string) error {
	history, err := a.engine.History(ctx, sessionID)
	if err != nil {
		return err
	}
	return printJSON(history)
}

func (a *app) printSessions(ctx context.Context) error {
	sessions, err := a.engine.Sessions(ctx)
	if err != nil {
		return err
	}
	return printJSON(sessions)
}

func (a *app) printReport(ctx context.Context, sessionID string) error {
	report, err := a.engine.Report(ctx, sessionID)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func (a *app) printHealth() error {
	return printJSON(a.provider.Status())
}

func (a *app) purge(ctx context.Context, sessionID string) error {
	if err := a.store.Purge(ctx, sessionID); err != nil {
		return err
	}
	a.logger.Info("session purged", slog.String("session_id", sessionID))
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
