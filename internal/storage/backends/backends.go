// Package backends builds the configured storage.Backend.
package backends

import (
	"context"
	"fmt"

	"github.com/welcomeapp/welcomeapp/internal/storage"
	"github.com/welcomeapp/welcomeapp/internal/storage/local"
	s3backend "github.com/welcomeapp/welcomeapp/internal/storage/s3"
)

// Config selects and configures a backend.
type Config struct {
	Backend string // "local" or "s3"
	Local   local.Config
	S3      s3backend.Config
}

// New creates the Backend named by cfg.Backend.
func New(ctx context.Context, cfg Config) (storage.Backend, error) {
	switch cfg.Backend {
	case "", "local":
		return local.New(cfg.Local)
	case "s3":
		return s3backend.New(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
