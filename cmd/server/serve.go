package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/sparsh/internal/api"
	"github.com/ashureev/sparsh/internal/config"
	"github.com/ashureev/sparsh/internal/events"
	"github.com/ashureev/sparsh/internal/gateway"
	"github.com/ashureev/sparsh/internal/identity"
	"github.com/ashureev/sparsh/internal/middleware"
	"github.com/ashureev/sparsh/internal/session"
	"github.com/ashureev/sparsh/internal/transcript"
	"github.com/ashureev/sparsh/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

func serveCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(logger)
		},
	}
}

// backends holds the optional gRPC clients. Either may be nil.
type backends struct {
	responder *gateway.GrpcClient
	guardian  *gateway.GrpcClient
}

func (b backends) close() {
	if b.responder != nil {
		b.responder.Close()
	}
	if b.guardian != nil && b.guardian != b.responder {
		b.guardian.Close()
	}
}

func connectBackends(cfg *config.Config, logger *slog.Logger) backends {
	dial := func(name, addr string) *gateway.GrpcClient {
		if addr == "" {
			slog.Info("Backend not configured", "backend", name)
			return nil
		}
		gcfg := gateway.DefaultGrpcClientConfig()
		gcfg.Address = addr
		gcfg.RequestTimeout = cfg.GatewayTimeout
		client, err := gateway.NewGrpcClient(gcfg, logger)
		if err != nil {
			slog.Warn("Failed to connect backend, feature disabled", "backend", name, "address", addr, "error", err)
			return nil
		}
		slog.Info("Backend connected", "backend", name, "address", addr)
		return client
	}

	var b backends
	b.responder = dial("responder", cfg.ResponderAddr)
	if cfg.GuardianAddr != "" && cfg.GuardianAddr == cfg.ResponderAddr {
		b.guardian = b.responder
	} else {
		b.guardian = dial("guardian", cfg.GuardianAddr)
	}
	return b
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(logger *slog.Logger) error {
	cfg, repo, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "journal_sealed", cfg.JournalKey != "")

	if err := repo.Ping(context.Background()); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	transcripts, err := transcript.NewLogger(transcript.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	b := connectBackends(cfg, logger)
	defer b.close()

	bus := events.NewBus(cfg.EventQueueSize, logger)
	deps := session.Deps{
		Repo:       repo,
		Publisher:  bus,
		Transcript: transcripts,
		Logger:     logger,
	}
	// Assigned only when present so the interfaces stay nil otherwise.
	if b.responder != nil {
		deps.Responder = b.responder
	}
	if b.guardian != nil {
		deps.Analyzer = b.guardian
	}

	sessions := session.NewManager(session.Config{
		CounselorID:     cfg.CounselorID,
		PollInterval:    cfg.PollInterval,
		AgentTimeout:    cfg.AgentTimeout,
		ReplyTimeout:    cfg.GatewayTimeout,
		AvatarIdleDelay: cfg.AvatarIdle,
	}, deps)
	defer sessions.Close()

	handler := api.NewHandler(repo, sessions, bus, api.Options{
		ChatEnabled:    b.responder != nil,
		AIEnabled:      b.guardian != nil,
		CounselorToken: cfg.CounselorToken,
		ChatRateLimit:  cfg.ChatRateLimit,
		ChatRateWindow: cfg.ChatRateWindow,
		AllowedOrigins: cfg.AllowedOrigins(),
		IsDevelopment:  cfg.IsDevelopment(),
		Logger:         logger,
	})
	defer handler.Close()

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	handler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Websocket streams and slow chat turns need long writes.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions.StartSweeper(ctx, session.DefaultSweepInterval, cfg.SessionTTL, logger)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}
