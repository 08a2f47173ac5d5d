package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dnc-compliance-engine/internal/testutil"
	"github.com/davidleathers/dnc-compliance-engine/internal/testutil/containers"
)

func TestCreateMigration(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "migrations")
	at := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

	files, err := createMigration(dir, "add_opt_out_index", at)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "20250301123000_add_opt_out_index.up.sql"),
		filepath.Join(dir, "20250301123000_add_opt_out_index.down.sql"),
	}, files)
	for _, f := range files {
		_, err := os.Stat(f)
		assert.NoError(t, err)
	}

	_, err = createMigration(dir, "Bad Name", at)
	assert.Error(t, err)
}

func TestRun_RequiresDatabaseURL(t *testing.T) {
	cfg := config.Defaults()
	err := run(zaptest.NewLogger(t), cfg, "up", "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}

func TestMigrator_UpDown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	db, err := sql.Open("postgres", pg.ConnectionString)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	migrator, err := NewMigrator(db, testutil.MigrationsDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, _, err = migrator.Version()
	assert.ErrorIs(t, err, migrate.ErrNilVersion)

	require.NoError(t, migrator.Up(0))
	version, dirty, err := migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
	require.NoError(t, migrator.Up(0), "re-running up is a no-op")

	var tables int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_name LIKE 'dnc_%'`).Scan(&tables))
	assert.Equal(t, 3, tables)

	require.NoError(t, migrator.Status())
	require.NoError(t, migrator.Down(0))
	_, _, err = migrator.Version()
	assert.ErrorIs(t, err, migrate.ErrNilVersion)
}
