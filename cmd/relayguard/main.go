package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/relayguard/relayguard/internal/api"
	"github.com/relayguard/relayguard/internal/audit"
	"github.com/relayguard/relayguard/internal/config"
	"github.com/relayguard/relayguard/internal/guard"
	"github.com/relayguard/relayguard/internal/pairing"
	"github.com/relayguard/relayguard/internal/sweeper"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "relayguard.toml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relayguard v%s (built %s)\n", version, buildTime)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	if err := serve(cfg, logger); err != nil && err != context.Canceled {
		logger.Error("daemon exited with error", "error", err)
		return 1
	}
	return 0
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	roots, err := cfg.ExpandedRoots()
	if err != nil {
		return err
	}

	// Optional rule pack overlay. It only ever tightens the built-in policy.
	var extraFragments []string
	var extraBlocked []guard.BlockedPattern
	if cfg.Paths.RulePack != "" {
		pack, err := config.LoadRulePack(cfg.Paths.RulePack)
		if err != nil {
			return err
		}
		extraFragments = pack.SensitivePaths
		for _, p := range pack.CompiledPatterns() {
			extraBlocked = append(extraBlocked, guard.BlockedPattern{
				Pattern:     p.Pattern,
				Description: p.Description,
			})
		}
		roots = append(roots, pack.AllowedRoots...)
		logger.Info("rule pack loaded", "name", pack.Name,
			"sensitive_paths", len(pack.SensitivePaths), "blocked_commands", len(pack.BlockedCommands))
	}

	paths, err := guard.NewPathGuard(roots, extraFragments)
	if err != nil {
		return err
	}
	commands := guard.NewCommandGuard(extraBlocked)

	tier := guard.TierBasic
	if cfg.Commands.Tier == "support" {
		tier = guard.TierSupport
	}

	store := pairing.NewStore(pairing.Config{
		CodeTTL:            cfg.CodeTTL(),
		MaxSessionLifetime: cfg.MaxSessionLifetime(),
		MaxAttempts:        cfg.Pairing.MaxAttempts,
		LockoutDuration:    cfg.LockoutDuration(),
		ActivityCap:        cfg.Pairing.ActivityCap,
		EndGrace:           cfg.EndGrace(),
	}, logger)

	dbPath := cfg.Audit.DBPath
	if cfg.Server.DataDir != "" && !filepath.IsAbs(dbPath) {
		if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		dbPath = filepath.Join(cfg.Server.DataDir, dbPath)
	}
	sqliteSink, err := audit.NewSQLiteSink(dbPath, logger)
	if err != nil {
		return err
	}
	defer sqliteSink.Close()
	recorder := audit.NewRecorder(logger, audit.NewSlogSink(logger), sqliteSink)

	tokens, err := api.NewTokenIssuer([]byte(cfg.Pairing.ChannelTokenSecret))
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Listen, store, paths, commands, tier, recorder, tokens, logger)

	sw, err := sweeper.New(store, sqliteSink, cfg.SweepInterval(), cfg.AuditRetention(),
		cfg.Audit.RetentionSchedule, logger)
	if err != nil {
		return err
	}

	logger.Info("relayguard starting", "version", version, "listen", cfg.Server.Listen,
		"tier", tier.String(), "roots", len(roots))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return sw.Run(ctx) })
	return g.Wait()
}
