// Command vigild is the vigil change-notification daemon. It loads a YAML
// configuration file, creates the kernel notification engine, optionally
// opens a local SQLite change journal and a PostgreSQL archive, exposes a
// REST API plus a WebSocket change feed over HTTP, and shuts down gracefully
// on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vigilfs/vigil/internal/archive"
	"github.com/vigilfs/vigil/internal/config"
	"github.com/vigilfs/vigil/internal/journal"
	"github.com/vigilfs/vigil/internal/monitor"
	"github.com/vigilfs/vigil/internal/server/rest"
	"github.com/vigilfs/vigil/internal/server/websocket"
	"github.com/vigilfs/vigil/watch"
)

func main() {
	configPath := flag.String("config", "/etc/vigil/vigild.yaml", "Path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigild: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("vigild starting",
		slog.String("config", *configPath),
		slog.String("api_addr", cfg.APIAddr),
		slog.Int("num_watches", len(cfg.Watches)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Notification engine ───────────────────────────────────────────────────
	engine, err := watch.NewWithOptions(watch.Options{
		Logger:          logger,
		AlwaysBroadcast: cfg.AlwaysBroadcast,
		PollTimeout:     cfg.EffectivePollTimeout(),
	})
	if err != nil {
		logger.Error("failed to create notification engine", slog.Any("error", err))
		os.Exit(1)
	}

	// ── SQLite change journal (optional) ──────────────────────────────────────
	var jnl *journal.Journal
	if cfg.JournalPath != "" {
		jnl, err = journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Error("failed to open change journal", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("change journal opened",
			slog.String("path", cfg.JournalPath),
			slog.Int64("records", jnl.Size()),
		)
	} else {
		logger.Warn("no journal_path configured; change journal disabled")
	}

	// ── PostgreSQL archive (optional) ─────────────────────────────────────────
	var arc *archive.Store
	if cfg.Archive.DSN != "" {
		arc, err = archive.New(ctx, cfg.Archive.DSN, cfg.Archive.BatchSize, cfg.Archive.FlushInterval)
		if err != nil {
			logger.Error("failed to connect change archive", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("PostgreSQL change archive connected")
	} else {
		logger.Warn("no archive DSN configured; archive disabled")
	}

	// ── WebSocket change feed ─────────────────────────────────────────────────
	bc := websocket.NewBroadcaster(logger, 0)
	wsHandler := websocket.NewHandler(bc, logger, 0)

	// ── Monitor ───────────────────────────────────────────────────────────────
	opts := []monitor.Option{monitor.WithPublisher(bc)}
	if jnl != nil {
		opts = append(opts, monitor.WithJournal(jnl))
	}
	if arc != nil {
		opts = append(opts, monitor.WithArchiver(arc))
	}
	mon := monitor.New(cfg, logger, engine, opts...)

	if err := mon.Start(ctx); err != nil {
		logger.Error("failed to start monitor", slog.Any("error", err))
		os.Exit(1)
	}

	// ── REST API server ───────────────────────────────────────────────────────
	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("jwt_public_key not configured; API authentication disabled (dev mode)")
	}

	var changeLog rest.ChangeLog
	if jnl != nil {
		changeLog = jnl
	}
	restSrv := rest.NewServer(mon, changeLog)
	httpHandler := rest.NewRouter(restSrv, wsHandler, pubKey)

	httpServer := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── Start HTTP server ─────────────────────────────────────────────────────
	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", slog.String("addr", cfg.APIAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ───────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	// Stop closes the engine, drains in-flight events, then closes the
	// journal and archive.
	mon.Stop()
	bc.Close()

	logger.Info("vigild exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
