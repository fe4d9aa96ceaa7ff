// Package main is the orchestrator entry point: it loads configuration,
// wires the store, workspace filesystem, sandbox, auth, session manager
// and the HTTP/WebSocket gateway, runs the mono-user bootstrap when
// configured, and serves until signalled.
//
// Exit codes: 0 clean shutdown, 1 fatal startup error, 2 configuration
// error.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/auth"
	"github.com/agentharbor/core/internal/broadcast"
	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/gateway/httpapi"
	"github.com/agentharbor/core/internal/sandbox"
	"github.com/agentharbor/core/internal/session"
	"github.com/agentharbor/core/internal/store"
	"github.com/agentharbor/core/internal/tracing"
	"github.com/agentharbor/core/internal/workspacefs"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	st, err := openStore(cfg, log)
	if err != nil {
		log.Error("failed to open store", zap.Error(err))
		return 1
	}
	defer st.Close()

	fs, err := workspacefs.New(cfg.Deployment, cfg.Sandbox, log)
	if err != nil {
		log.Error("failed to initialize workspace filesystem", zap.Error(err))
		return 1
	}

	sbx, err := sandbox.New(cfg.Sandbox, cfg.Docker, "", "", log)
	if err != nil {
		log.Error("failed to initialize sandbox", zap.Error(err))
		return 1
	}

	authSvc, err := auth.NewService(st, cfg.Auth, log)
	if err != nil {
		log.Error("failed to initialize auth service", zap.Error(err))
		return 1
	}

	bc := broadcast.New(cfg.Session.BroadcasterQueueSize, log)
	mgr := session.NewManager(st, fs, sbx, bc, cfg.Session, log)
	mgr.StartGC()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Deployment.Mode == config.ModeMonoUser {
		boot := auth.NewBootstrapper(st, authSvc, fs, cfg.Deployment, cfg.Server, log)
		if _, _, err := boot.Run(ctx); err != nil {
			log.Error("mono-user bootstrap failed", zap.Error(err))
			return 1
		}
	}

	api := httpapi.NewServer(cfg, authSvc, mgr, st, fs, log)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("mode", string(cfg.Deployment.Mode)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Error("server failed", zap.Error(err))
		return 1
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	mgr.Shutdown(shutdownCtx)
	_ = tracing.Shutdown(shutdownCtx)
	return 0
}

func openStore(cfg *config.Config, log *logger.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StorageExternal:
		return store.OpenNATSStore(cfg.NATS, log)
	default:
		return store.OpenSQLiteStore(cfg.Store.SQLitePath, cfg.Store.BusyTimeout())
	}
}
