package content

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/welcomeapp/welcomeapp/internal/failover"
	"github.com/welcomeapp/welcomeapp/internal/logging"
)

// Migrate runs the *.up.sql files in dir, in name order, on a writable node.
// It returns the files applied.
func (c *Coordinator) Migrate(ctx context.Context, dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no migrations in %s", dir)
	}

	h, err := c.db.Acquire(ctx, failover.ReadWrite)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	applied := make([]string, 0, len(files))
	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)), zap.String("endpoint", h.Label()))
		sql, err := os.ReadFile(f)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := h.Conn.ExecContext(ctx, string(sql)); err != nil {
			return applied, fmt.Errorf("exec migration %s: %w", f, err)
		}
		applied = append(applied, filepath.Base(f))
	}
	return applied, nil
}
