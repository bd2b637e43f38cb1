package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openbracket/openbracket/internal/api"
	"github.com/openbracket/openbracket/internal/audit"
	"github.com/openbracket/openbracket/internal/client"
	"github.com/openbracket/openbracket/internal/db"
	"github.com/openbracket/openbracket/internal/events"
	"github.com/openbracket/openbracket/internal/game"
	"github.com/openbracket/openbracket/internal/manager"
	"github.com/openbracket/openbracket/internal/metrics"
	"github.com/openbracket/openbracket/internal/protocol"
	"github.com/openbracket/openbracket/internal/repositories"
	"github.com/openbracket/openbracket/internal/token"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes: 1 config error, 2 bind failure, 3 persistence failure,
// 4 unrecoverable protocol error.
const (
	exitConfig      = 1
	exitBind        = 2
	exitPersistence = 3
	exitProtocol    = 4
)

// exitError carries a process exit code out of run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

type config struct {
	host          string
	port          int
	databasePath  string
	auditLogPath  string
	leagueID      string
	gameType      string
	authEnabled   bool
	authSecret    string
	adminToken    string
	deadline      string
	targetPlayers int
	minPlayers    int
	minReferees   int
	clockSkewSec  int
	cooldownSec   int
	suspendAfter  int
	retryMax      int
	retryBackoff  int
	logLevel      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var xerr *exitError
		if errors.As(err, &xerr) {
			os.Exit(xerr.code)
		}
		os.Exit(exitConfig)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "openbracket-manager",
		Short: "League Manager — central coordinator of an agent league",
		Long: `The League Manager runs one round-robin tournament: it registers
referees and players, generates the deterministic schedule, assigns matches,
accepts results, and publishes standings. All state lives in a local SQLite
database plus an append-only audit log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.host, "host", envOrDefault("OPENBRACKET_HOST", "0.0.0.0"), "Bind address")
	root.PersistentFlags().IntVar(&cfg.port, "port", envOrDefaultInt("OPENBRACKET_PORT", 8080), "Listen port")
	root.PersistentFlags().StringVar(&cfg.databasePath, "database-path", envOrDefault("OPENBRACKET_DATABASE_PATH", "./league.db"), "SQLite database file")
	root.PersistentFlags().StringVar(&cfg.auditLogPath, "audit-log-path", envOrDefault("OPENBRACKET_AUDIT_LOG_PATH", ""), "Audit log file (default <database-path>.audit.ndjson)")
	root.PersistentFlags().StringVar(&cfg.leagueID, "league-id", envOrDefault("OPENBRACKET_LEAGUE_ID", "league-1"), "League identifier")
	root.PersistentFlags().StringVar(&cfg.gameType, "game-type", envOrDefault("OPENBRACKET_GAME_TYPE", "tictactoe"), "Game type played by this league")
	root.PersistentFlags().BoolVar(&cfg.authEnabled, "auth-enabled", envOrDefaultBool("OPENBRACKET_AUTH_ENABLED", true), "Validate auth tokens (disable only in tests)")
	root.PersistentFlags().StringVar(&cfg.authSecret, "auth-secret", envOrDefault("OPENBRACKET_AUTH_SECRET", ""), "HMAC secret for signing agent tokens (required when auth is enabled)")
	root.PersistentFlags().StringVar(&cfg.adminToken, "admin-token", envOrDefault("OPENBRACKET_ADMIN_TOKEN", ""), "Token authorizing LEAGUE_ADVANCE (empty disables it)")
	root.PersistentFlags().StringVar(&cfg.deadline, "registration-deadline", envOrDefault("OPENBRACKET_REGISTRATION_DEADLINE", ""), "RFC 3339 registration cutoff (empty: no deadline)")
	root.PersistentFlags().IntVar(&cfg.targetPlayers, "target-players", envOrDefaultInt("OPENBRACKET_TARGET_PLAYERS", 0), "Close registration at this player count (0: never)")
	root.PersistentFlags().IntVar(&cfg.minPlayers, "min-players", envOrDefaultInt("OPENBRACKET_MIN_PLAYERS", 2), "Minimum players to start the league")
	root.PersistentFlags().IntVar(&cfg.minReferees, "min-referees", envOrDefaultInt("OPENBRACKET_MIN_REFEREES", 1), "Minimum referees to start the league")
	root.PersistentFlags().IntVar(&cfg.clockSkewSec, "clock-skew-seconds", envOrDefaultInt("OPENBRACKET_CLOCK_SKEW_SECONDS", 120), "Tolerated envelope timestamp skew")
	root.PersistentFlags().IntVar(&cfg.cooldownSec, "errored-cooldown-seconds", envOrDefaultInt("OPENBRACKET_ERRORED_COOLDOWN_SECONDS", 30), "Cooldown before an errored referee is reassigned")
	root.PersistentFlags().IntVar(&cfg.suspendAfter, "suspend-after-auth-failures", envOrDefaultInt("OPENBRACKET_SUSPEND_AFTER_AUTH_FAILURES", 5), "Consecutive auth failures before suspension")
	root.PersistentFlags().IntVar(&cfg.retryMax, "retry-max", envOrDefaultInt("OPENBRACKET_RETRY_MAX", 3), "Outbound call retry budget")
	root.PersistentFlags().IntVar(&cfg.retryBackoff, "retry-backoff-ms", envOrDefaultInt("OPENBRACKET_RETRY_BACKOFF_MS", 500), "Initial outbound retry backoff")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("OPENBRACKET_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("openbracket-manager %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return &exitError{exitConfig, fmt.Errorf("failed to build logger: %w", err)}
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.authEnabled && cfg.authSecret == "" {
		return &exitError{exitConfig, fmt.Errorf("auth secret is required — set --auth-secret or OPENBRACKET_AUTH_SECRET")}
	}
	var deadline time.Time
	if cfg.deadline != "" {
		deadline, err = time.Parse(time.RFC3339, cfg.deadline)
		if err != nil {
			return &exitError{exitConfig, fmt.Errorf("invalid registration deadline %q: %w", cfg.deadline, err)}
		}
	}
	auditPath := cfg.auditLogPath
	if auditPath == "" {
		auditPath = cfg.databasePath + ".audit.ndjson"
	}

	logger.Info("starting league manager",
		zap.String("version", version),
		zap.String("league_id", cfg.leagueID),
		zap.String("database_path", cfg.databasePath),
		zap.Bool("auth_enabled", cfg.authEnabled),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()

	database, err := db.New(db.Config{Path: cfg.databasePath, Logger: logger, LogLevel: gormlogger.Warn})
	if err != nil {
		return &exitError{exitPersistence, fmt.Errorf("failed to open database: %w", err)}
	}
	store := repositories.NewStore(database)

	auditLog, err := audit.Open(auditPath, clock, logger)
	if err != nil {
		return &exitError{exitPersistence, fmt.Errorf("failed to open audit log: %w", err)}
	}
	defer auditLog.Close()

	m := metrics.New("manager")
	hub := events.NewHub()
	go hub.Run(ctx)

	tokens := token.NewStore([]byte(cfg.authSecret), store.Tokens, clock, 0, logger)
	validator := protocol.NewValidator(clock, cfg.clockSkewSec, cfg.authEnabled, tokens)
	rpc := client.New(15*time.Second, cfg.retryMax, time.Duration(cfg.retryBackoff)*time.Millisecond, logger)

	coord := manager.New(manager.Config{
		LeagueID:                 cfg.leagueID,
		GameType:                 cfg.gameType,
		AuthEnabled:              cfg.authEnabled,
		AdminToken:               cfg.adminToken,
		TargetPlayers:            cfg.targetPlayers,
		MinPlayers:               cfg.minPlayers,
		MinReferees:              cfg.minReferees,
		RegistrationDeadline:     deadline,
		ClockSkewSeconds:         cfg.clockSkewSec,
		ErroredCooldown:          time.Duration(cfg.cooldownSec) * time.Second,
		SuspendAfterAuthFailures: cfg.suspendAfter,
	}, store, tokens, game.NewRegistry(), rpc, auditLog, clock, hub, m, logger)

	if err := coord.Bootstrap(ctx); err != nil {
		return &exitError{exitPersistence, fmt.Errorf("failed to bootstrap league: %w", err)}
	}
	coord.Resume()
	go coord.Run(ctx)

	if !deadline.IsZero() {
		sched, err := gocron.NewScheduler(gocron.WithClock(clock))
		if err != nil {
			return &exitError{exitConfig, fmt.Errorf("failed to build scheduler: %w", err)}
		}
		if _, err := sched.NewJob(
			gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(deadline)),
			gocron.NewTask(coord.DeadlineFunc()),
		); err != nil {
			return &exitError{exitConfig, fmt.Errorf("failed to schedule registration deadline: %w", err)}
		}
		sched.Start()
		defer sched.Shutdown() //nolint:errcheck
		logger.Info("registration deadline armed", zap.Time("deadline", deadline))
	}

	handler := manager.NewHandler(validator, coord, auditLog, m, clock, logger)
	server := api.NewServer(api.ServerConfig{
		Service: "manager",
		Host:    cfg.host,
		Port:    cfg.port,
		Handler: handler,
		Logger:  logger,
		Metrics: m,
		Ping: func(ctx context.Context) error {
			return db.Ping(ctx, database)
		},
		EventsHub: hub,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case err := <-serveErr:
		if err != nil {
			return &exitError{exitBind, err}
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down league manager")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown was not clean", zap.Error(err))
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
