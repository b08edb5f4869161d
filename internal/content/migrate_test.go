package content

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/welcomeapp/welcomeapp/internal/pgtest"
)

func TestMigrateRunsShippedMigrations(t *testing.T) {
	f := newFixture(t, pgtest.Standby, pgtest.Primary)
	f.cluster.DropTable()

	applied, err := f.coord.Migrate(context.Background(), filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	assert.Equal(t, []string{"001_content.up.sql"}, applied)
	assert.True(t, f.cluster.HasTable())
}

func TestMigrateStopsAtFailingFile(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_ok.up.sql"), []byte("CREATE TABLE IF NOT EXISTS content (id SERIAL);"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_bad.up.sql"), []byte("DROP DATABASE welcome_app;"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_bad.down.sql"), []byte("ignored"), 0644))

	applied, err := f.coord.Migrate(context.Background(), dir)
	assert.Error(t, err)
	assert.Equal(t, []string{"001_ok.up.sql"}, applied)
}

func TestMigrateEmptyDir(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Migrate(context.Background(), t.TempDir())
	assert.Error(t, err)
}
