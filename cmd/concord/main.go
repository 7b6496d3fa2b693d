package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/concord-dev/concord/internal/audit"
	"github.com/concord-dev/concord/internal/config"
	"github.com/concord-dev/concord/internal/locks"
	"github.com/concord-dev/concord/internal/mcpserver"
	"github.com/concord-dev/concord/internal/memory"
	"github.com/concord-dev/concord/internal/message"
	"github.com/concord-dev/concord/internal/notify"
	"github.com/concord-dev/concord/internal/presence"
	"github.com/concord-dev/concord/internal/schema"
	"github.com/concord-dev/concord/internal/search"
	"github.com/concord-dev/concord/internal/session"
	"github.com/concord-dev/concord/internal/store"
	"github.com/concord-dev/concord/internal/tasks"
	"github.com/concord-dev/concord/internal/token"
	ws "github.com/concord-dev/concord/internal/websocket"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	flagConfig  string
	flagDB      string
	flagWSAddr  string
	flagVerbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "concord",
		Short: "Session-scoped shared context for AI agents",
		Long: `Concord is a shared context server for multi-agent coordination.

Agents authenticate, join sessions, exchange visibility-scoped messages,
keep private memory, and search shared context over MCP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to JSON config file")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug logging")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("concord v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio with the WebSocket event listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&flagWSAddr, "ws-addr", "", "WebSocket listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagDB != "" {
		cfg.DatabasePath = flagDB
	}
	if flagWSAddr != "" {
		cfg.WebSocketAddr = flagWSAddr
	}

	log := newLogger(cfg.LogLevel)

	db, err := store.Open(cfg.DatabasePath, store.Options{
		PoolMin: cfg.PoolMin,
		PoolMax: cfg.PoolMax,
	}, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	// Migrate initializes fresh databases and upgrades old ones.
	if err := schema.Migrate(db.Raw()); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	auditLog := audit.New(db, cfg.AuditBatchSize, log)
	hub := notify.NewHub(0, log)
	sessions := session.NewRegistry(db, auditLog, log)
	messages := message.NewLog(db, auditLog, hub, log)
	mem := memory.NewStore(db, auditLog, log)
	engine := search.NewEngine(db, auditLog, log)
	lockMgr := locks.NewManager(auditLog, hub, log)
	tracker := presence.NewTracker()

	tokens, err := token.New(db, token.Config{
		SigningKey:    cfg.JWTSecret,
		EncryptionKey: cfg.EncryptionKey,
		APIKey:        cfg.APIKey,
		TTL:           time.Duration(cfg.TokenTTLHours) * time.Hour,
	}, log)
	if err != nil {
		return err
	}

	runner := tasks.NewRunner(tasks.Config{
		SweepInterval: time.Duration(cfg.SweepSeconds) * time.Second,
		FlushInterval: time.Duration(cfg.FlushSeconds) * time.Second,
		IdleTimeout:   time.Duration(cfg.IdleSeconds) * time.Second,
	}, mem, tokens, lockMgr, hub, auditLog, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner.Start(ctx)
	defer runner.Stop()

	wsServer := ws.NewServer(cfg.WebSocketAddr, hub, tokens, log)
	if err := wsServer.Start(ctx); err != nil {
		return fmt.Errorf("start websocket server: %w", err)
	}
	defer func() { _ = wsServer.Stop() }()

	srv := mcpserver.NewServer(mcpserver.Deps{
		DB:       db,
		Sessions: sessions,
		Messages: messages,
		Memory:   mem,
		Search:   engine,
		Locks:    lockMgr,
		Presence: tracker,
		Audit:    auditLog,
		Tokens:   tokens,
		Hub:      hub,
		Log:      log,
	}, mcpserver.WithVersion(Version))

	log.Info("concord serving", "db", cfg.DatabasePath, "ws_addr", cfg.WebSocketAddr)
	return srv.Run(ctx)
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate the secrets required at startup",
		Long: `Generates values for CONCORD_JWT_SECRET, CONCORD_ENCRYPTION_KEY, and
CONCORD_API_KEY. Prompts for confirmation before printing to a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if term.IsTerminal(int(os.Stdout.Fd())) {
				fmt.Fprint(os.Stderr, "Secrets will be printed to this terminal. Continue? [y/N] ")
				reader := bufio.NewReader(os.Stdin)
				line, _ := reader.ReadString('\n')
				if line != "y\n" && line != "Y\n" {
					return fmt.Errorf("aborted")
				}
			}
			fmt.Printf("export CONCORD_JWT_SECRET=%s\n", randomHex(32))
			fmt.Printf("export CONCORD_ENCRYPTION_KEY=%s\n", randomHex(32))
			fmt.Printf("export CONCORD_API_KEY=%s\n", randomHex(24))
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check database health and print basic counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flagDB
			if path == "" {
				cfg := config.Default()
				if v := os.Getenv("CONCORD_DATABASE_PATH"); v != "" {
					cfg.DatabasePath = v
				}
				path = cfg.DatabasePath
			}

			log := newLogger("error")
			db, err := store.Open(path, store.Options{}, log)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			ctx := cmd.Context()
			health := db.HealthCheck(ctx)
			if !health.OK {
				return fmt.Errorf("database unhealthy: %s", path)
			}

			version, err := schema.GetSchemaVersion(db.Raw())
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}

			var sessions, messages int
			_ = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&sessions)
			_ = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&messages)

			fmt.Printf("database:  %s\n", path)
			fmt.Printf("healthy:   true (%.1f ms)\n", health.LatencyMS)
			fmt.Printf("schema:    v%d\n", version)
			fmt.Printf("sessions:  %d\n", sessions)
			fmt.Printf("messages:  %d\n", messages)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("concord v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
		},
	}
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
	if flagVerbose {
		lvl = slog.LevelDebug
	}
	// stdout carries the MCP stdio transport; logs go to stderr.
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
