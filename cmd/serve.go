package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/bridgebot/internal/config"
	"github.com/nextlevelbuilder/bridgebot/internal/conversation"
	"github.com/nextlevelbuilder/bridgebot/internal/dispatch"
	"github.com/nextlevelbuilder/bridgebot/internal/gateway"
	"github.com/nextlevelbuilder/bridgebot/internal/permission"
	"github.com/nextlevelbuilder/bridgebot/internal/provider"
	"github.com/nextlevelbuilder/bridgebot/internal/store"
	"github.com/nextlevelbuilder/bridgebot/internal/store/pg"
	"github.com/nextlevelbuilder/bridgebot/internal/store/sqlite"
	"github.com/nextlevelbuilder/bridgebot/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the bridge and run the agent",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	// Logging before anything else so startup failures are structured too.
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// A malformed config never gets a degraded run.
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	repo, err := openRepository(cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	snap, err := loadPolicy(ctx, cfg, repo)
	if err != nil {
		slog.Error("invalid permission policy", "error", err)
		os.Exit(1)
	}

	maxTurnAge := config.Duration(cfg.Context.MaxTurnAge, 20*time.Minute)
	if cfg.Context.MaxTurnAge == "0" {
		maxTurnAge = 0 // never expire
	}
	convo := conversation.New(repo, conversation.Options{
		MaxTurns:   cfg.Context.MaxTurns,
		MaxTurnAge: maxTurnAge,
	})

	gw := gateway.NewClient(cfg.Gateway)
	sender := gateway.NewCommandSender(cfg.Gateway)
	completer := provider.NewClient(cfg.Provider)

	disp := dispatch.New(dispatch.Config{
		Source:        gw,
		Sender:        sender,
		Completer:     completer,
		Store:         convo,
		Policy:        snap,
		SystemPrompt:  cfg.Provider.SystemPrompt,
		MaxConcurrent: cfg.Dispatch.MaxConcurrent,
		MaxAttempts:   cfg.Dispatch.MaxAttempts,
		RetryBase:     config.Duration(cfg.Dispatch.RetryBaseDelay, 2*time.Second),
		RetryMax:      config.Duration(cfg.Dispatch.RetryMaxDelay, 30*time.Second),
		DrainTimeout:  config.Duration(cfg.Dispatch.DrainTimeout, 20*time.Second),
		Trigger:       cfg.Dispatch.Trigger,
		LogChats:      cfg.Logging.LogChats,
	})

	slog.Info("bridgebot starting",
		"version", Version,
		"bridge", cfg.Gateway.WebsocketURL,
		"model", cfg.Provider.Model,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx) })
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error {
		schedule := cfg.Context.FlushSchedule
		if schedule == "" {
			schedule = "* * * * *"
		}
		return convo.RunFlushLoop(gctx, schedule)
	})
	g.Go(func() error {
		return permission.WatchConfig(gctx, cfgPath, snap, repo.SavePolicy)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("agent stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("bridgebot stopped")
}

// openRepository picks the persistence backend: Postgres when a DSN is
// configured, a local sqlite file otherwise.
func openRepository(cfg *config.Config) (store.Repository, error) {
	if cfg.Database.PostgresDSN != "" {
		return pg.Open(cfg.Database.PostgresDSN)
	}
	path := cfg.Database.SQLitePath
	if path == "" {
		path = "bridgebot.db"
	}
	return sqlite.Open(path)
}

// loadPolicy prefers the persisted policy over config.json so admin edits
// survive restarts; first run seeds the store from config.
func loadPolicy(ctx context.Context, cfg *config.Config, repo store.Repository) (*permission.Snapshot, error) {
	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	permCfg := cfg.Permission
	stored, err := repo.LoadPolicy(loadCtx)
	switch {
	case err == nil:
		permCfg = stored
		slog.Debug("permission policy loaded from store")
	case errors.Is(err, store.ErrNotFound):
		if saveErr := repo.SavePolicy(loadCtx, permCfg); saveErr != nil {
			slog.Warn("could not seed permission policy", "error", saveErr)
		}
	default:
		slog.Warn("could not load stored policy, using config", "error", err)
	}

	pol, err := permission.NewPolicy(permCfg)
	if err != nil {
		return nil, err
	}
	return permission.NewSnapshot(pol), nil
}
