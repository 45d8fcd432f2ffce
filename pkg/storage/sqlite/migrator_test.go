package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scopeq/scopeq/pkg/storage"
	"github.com/scopeq/scopeq/pkg/storage/sqlcommon"
)

func TestSQLiteMigrationProvider(t *testing.T) {
	provider := NewSQLiteMigrationProvider()

	t.Run("GetSupportedEngine", func(t *testing.T) {
		require.Equal(t, "sqlite", provider.GetSupportedEngine())
	})

	t.Run("ImplementsMigrationProvider", func(t *testing.T) {
		require.Implements(t, (*storage.MigrationProvider)(nil), provider)
	})
}

// Migrating a fresh database file must leave it at the embedded schema
// revision and ready for this build.
func TestSQLiteMigrationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	config := storage.MigrationConfig{
		Engine:  "sqlite",
		URI:     filepath.Join(t.TempDir(), "scopeq.db"),
		Timeout: 5 * time.Second,
	}

	provider := NewSQLiteMigrationProvider()
	require.NoError(t, provider.RunMigrations(ctx, config))

	version, err := provider.GetCurrentVersion(ctx, config)
	require.NoError(t, err)
	require.EqualValues(t, 1, version)

	// Idempotent on re-run.
	require.NoError(t, provider.RunMigrations(ctx, config))

	ds, err := New(config.URI, sqlcommon.NewConfig())
	require.NoError(t, err)
	defer ds.Close()

	status, err := ds.IsReady(ctx)
	require.NoError(t, err)
	require.True(t, status.IsReady)
}
