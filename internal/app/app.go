// Package app wires the components shared by the server and welcomectl.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/welcomeapp/welcomeapp/internal/config"
	"github.com/welcomeapp/welcomeapp/internal/content"
	"github.com/welcomeapp/welcomeapp/internal/failover"
	"github.com/welcomeapp/welcomeapp/internal/health"
	"github.com/welcomeapp/welcomeapp/internal/logging"
	"github.com/welcomeapp/welcomeapp/internal/registry"
	"github.com/welcomeapp/welcomeapp/internal/storage"
	"github.com/welcomeapp/welcomeapp/internal/storage/backends"
	"github.com/welcomeapp/welcomeapp/internal/storage/local"
	s3backend "github.com/welcomeapp/welcomeapp/internal/storage/s3"
)

// App holds the wired components.
type App struct {
	Registry *registry.Registry
	Router   *failover.Router
	Blobs    storage.Backend
	Content  *content.Coordinator
	Health   *health.Reporter
}

// New builds every component from cfg. dialer may be nil to use lib/pq.
func New(ctx context.Context, cfg *config.Config, dialer failover.Dialer) (*App, error) {
	reg, err := registry.New(cfg.Endpoints)
	if err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = failover.PQDialer{ApplicationName: cfg.ApplicationName}
	}

	prober := &failover.Prober{Timeout: failover.DefaultProbeTimeout}
	router := failover.NewRouter(reg, dialer, failover.Config{
		RetryDelay: cfg.FailoverRetryDelay,
		Prober:     prober,
	})

	blobs, err := backends.New(ctx, backends.Config{
		Backend: cfg.StorageBackend,
		Local: local.Config{
			RootPath:     cfg.LocalStoragePath,
			FallbackPath: cfg.LocalFallbackPath,
			CreateDirs:   true,
		},
		S3: s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage backend: %w", err)
	}

	for i, ep := range reg.Endpoints() {
		logging.Info("database endpoint", zap.String("endpoint", ep.Label(i)), zap.String("database", ep.Database))
	}
	logging.Info("storage backend ready", zap.String("type", blobs.Type()))

	return &App{
		Registry: reg,
		Router:   router,
		Blobs:    blobs,
		Content: content.NewCoordinator(router, blobs, content.Config{
			MaxSize:           cfg.MaxUploadSize,
			AllowedExtensions: cfg.AllowedExtensions,
		}),
		Health: health.NewReporter(router, health.Config{
			Hostname: cfg.InstanceName,
			Timeout:  cfg.HealthTimeout,
			Prober:   prober,
		}),
	}, nil
}

// Close releases the storage backend.
func (a *App) Close() error {
	return a.Blobs.Close()
}
