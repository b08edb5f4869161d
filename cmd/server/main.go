// Welcome app server
//
// Features:
// - Failover routing across a PostgreSQL primary and its replicas
// - Content create/list/delete with images on a shared store (local mount or S3)
// - Health endpoint for the load balancer
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/welcomeapp/welcomeapp/internal/api"
	"github.com/welcomeapp/welcomeapp/internal/app"
	"github.com/welcomeapp/welcomeapp/internal/config"
	"github.com/welcomeapp/welcomeapp/internal/logging"
	"github.com/welcomeapp/welcomeapp/internal/metrics"
)

const (
	schemaTimeout   = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		Instance: cfg.InstanceName,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("welcome app starting...",
		zap.String("instance", cfg.InstanceName),
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		logging.Fatal("init failed", zap.Error(err))
	}
	defer a.Close()

	// Without a writable node the table may already exist; keep serving reads.
	schemaCtx, cancel := context.WithTimeout(ctx, schemaTimeout)
	if err := a.Content.EnsureSchema(schemaCtx); err != nil {
		logging.Error("could not ensure content table, continuing", zap.Error(err))
	}
	cancel()

	srv := api.NewServer(a.Content, a.Health, api.Config{
		MaxUploadSize: cfg.MaxUploadSize,
		CORSOrigin:    cfg.CORSAllowedOrigin,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		return serve(metricsServer)
	})
	g.Go(func() error {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		return serve(httpServer)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(httpServer.Shutdown(sctx), metricsServer.Shutdown(sctx))
	})

	if err := g.Wait(); err != nil {
		logging.Error("server error", zap.Error(err))
	}
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
