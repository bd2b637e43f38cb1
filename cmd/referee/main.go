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

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/api"
	"github.com/openbracket/openbracket/internal/audit"
	"github.com/openbracket/openbracket/internal/client"
	"github.com/openbracket/openbracket/internal/game"
	"github.com/openbracket/openbracket/internal/metrics"
	"github.com/openbracket/openbracket/internal/protocol"
	"github.com/openbracket/openbracket/internal/referee"
	"github.com/openbracket/openbracket/internal/token"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	exitConfig      = 1
	exitBind        = 2
	exitPersistence = 3
	exitProtocol    = 4
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

type config struct {
	host          string
	port          int
	agentID       string
	managerURL    string
	advertiseURL  string
	stateDir      string
	auditLogPath  string
	authSecret    string
	inviteTimeout int
	moveTimeout   int
	matchTimeout  int
	retryMax      int
	retryBackoff  int
	clockSkewSec  int
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
		Use:   "openbracket-referee",
		Short: "Referee — executes one league match at a time",
		Long: `The Referee registers with a League Manager, accepts match
assignments, invites the two players, drives the move loop through the game
adapter with per-move and per-match timeouts, and reports the authoritative
result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.host, "host", envOrDefault("OPENBRACKET_HOST", "0.0.0.0"), "Bind address")
	root.PersistentFlags().IntVar(&cfg.port, "port", envOrDefaultInt("OPENBRACKET_PORT", 8081), "Listen port")
	root.PersistentFlags().StringVar(&cfg.agentID, "agent-id", envOrDefault("OPENBRACKET_AGENT_ID", ""), "Referee identifier (required)")
	root.PersistentFlags().StringVar(&cfg.managerURL, "manager-url", envOrDefault("OPENBRACKET_MANAGER_URL", "http://localhost:8080/mcp"), "League manager endpoint")
	root.PersistentFlags().StringVar(&cfg.advertiseURL, "advertise-url", envOrDefault("OPENBRACKET_ADVERTISE_URL", ""), "URL under which this referee is reachable (default http://<host>:<port>/mcp)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("OPENBRACKET_STATE_DIR", "./data"), "Directory for crash-recovery state")
	root.PersistentFlags().StringVar(&cfg.auditLogPath, "audit-log-path", envOrDefault("OPENBRACKET_AUDIT_LOG_PATH", ""), "Audit log file (default <state-dir>/referee.audit.ndjson)")
	root.PersistentFlags().StringVar(&cfg.authSecret, "auth-secret", envOrDefault("OPENBRACKET_AUTH_SECRET", ""), "League HMAC secret for verifying inbound token signatures (empty: skip token checks)")
	root.PersistentFlags().IntVar(&cfg.inviteTimeout, "invite-timeout-seconds", envOrDefaultInt("OPENBRACKET_INVITE_TIMEOUT_SECONDS", 10), "Per-player invitation timeout")
	root.PersistentFlags().IntVar(&cfg.moveTimeout, "move-timeout-seconds", envOrDefaultInt("OPENBRACKET_MOVE_TIMEOUT_SECONDS", 0), "Per-move timeout override (0: game default)")
	root.PersistentFlags().IntVar(&cfg.matchTimeout, "match-timeout-seconds", envOrDefaultInt("OPENBRACKET_MATCH_TIMEOUT_SECONDS", 0), "Whole-match timeout override (0: game default)")
	root.PersistentFlags().IntVar(&cfg.retryMax, "retry-max", envOrDefaultInt("OPENBRACKET_RETRY_MAX", 3), "Result report retry budget")
	root.PersistentFlags().IntVar(&cfg.retryBackoff, "retry-backoff-ms", envOrDefaultInt("OPENBRACKET_RETRY_BACKOFF_MS", 500), "Initial retry backoff")
	root.PersistentFlags().IntVar(&cfg.clockSkewSec, "clock-skew-seconds", envOrDefaultInt("OPENBRACKET_CLOCK_SKEW_SECONDS", 120), "Tolerated envelope timestamp skew")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("OPENBRACKET_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("openbracket-referee %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return &exitError{exitConfig, fmt.Errorf("failed to build logger: %w", err)}
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.agentID == "" {
		return &exitError{exitConfig, fmt.Errorf("agent id is required — set --agent-id or OPENBRACKET_AGENT_ID")}
	}
	advertise := cfg.advertiseURL
	if advertise == "" {
		advertise = fmt.Sprintf("http://%s:%d/mcp", cfg.host, cfg.port)
	}

	logger.Info("starting referee",
		zap.String("version", version),
		zap.String("agent_id", cfg.agentID),
		zap.String("manager_url", cfg.managerURL),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()
	m := metrics.New("referee")
	rpc := client.New(15*time.Second, cfg.retryMax, time.Duration(cfg.retryBackoff)*time.Millisecond, logger)

	auditPath := cfg.auditLogPath
	if auditPath == "" {
		auditPath = cfg.stateDir + "/referee.audit.ndjson"
	}
	auditLog, err := audit.Open(auditPath, clock, logger)
	if err != nil {
		return &exitError{exitPersistence, fmt.Errorf("failed to open audit log: %w", err)}
	}
	defer auditLog.Close()

	refCfg := referee.Config{
		AgentID:       cfg.agentID,
		Endpoint:      advertise,
		ManagerURL:    cfg.managerURL,
		StateDir:      cfg.stateDir,
		InviteTimeout: time.Duration(cfg.inviteTimeout) * time.Second,
		MoveTimeout:   time.Duration(cfg.moveTimeout) * time.Second,
		MatchTimeout:  time.Duration(cfg.matchTimeout) * time.Second,
	}
	executor := referee.NewExecutor(refCfg, game.NewRegistry(), rpc, auditLog, clock, m, logger)
	service := referee.NewService(refCfg, executor, rpc, clock, logger)

	// With the league secret the referee checks inbound token signatures
	// itself; liveness against the manager's database stays the manager's
	// concern.
	validator := protocol.NewValidator(clock, cfg.clockSkewSec, false, nil)
	if cfg.authSecret != "" {
		verifier := token.NewSignatureVerifier([]byte(cfg.authSecret), clock)
		validator = protocol.NewValidator(clock, cfg.clockSkewSec, true, verifier)
	}
	handler := referee.NewHandler(validator, service, clock)

	server := api.NewServer(api.ServerConfig{
		Service: "referee",
		Host:    cfg.host,
		Port:    cfg.port,
		Handler: handler,
		Logger:  logger,
		Metrics: m,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	regErr := make(chan error, 1)
	go func() { regErr <- service.Register(ctx) }()

	select {
	case err := <-serveErr:
		if err != nil {
			return &exitError{exitBind, err}
		}
	case err := <-regErr:
		if err != nil {
			return &exitError{exitProtocol, err}
		}
		select {
		case err := <-serveErr:
			if err != nil {
				return &exitError{exitBind, err}
			}
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down referee")
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
