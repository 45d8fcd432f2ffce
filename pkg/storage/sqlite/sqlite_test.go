package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scopeq/scopeq/pkg/storage"
	"github.com/scopeq/scopeq/pkg/storage/sqlcommon"
	"github.com/scopeq/scopeq/pkg/storage/test"
)

func TestSQLiteDatastore(t *testing.T) {
	uri := filepath.Join(t.TempDir(), "scopeq.db")

	provider := NewSQLiteMigrationProvider()
	require.NoError(t, provider.RunMigrations(context.Background(), storage.MigrationConfig{
		Engine:  "sqlite",
		URI:     uri,
		Timeout: 5 * time.Second,
	}))

	ds, err := New(uri, sqlcommon.NewConfig())
	require.NoError(t, err)
	defer ds.Close()

	test.RunAllTests(t, ds)
}
