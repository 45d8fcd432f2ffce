package sqlite

import (
	"context"
	"fmt"
	"io/fs"
	"log"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"

	"github.com/scopeq/scopeq/assets"
	"github.com/scopeq/scopeq/pkg/storage"
)

// SQLiteMigrationProvider implements [storage.MigrationProvider] for SQLite.
type SQLiteMigrationProvider struct{}

func NewSQLiteMigrationProvider() *SQLiteMigrationProvider {
	return &SQLiteMigrationProvider{}
}

// GetSupportedEngine returns the database engine this provider supports.
func (s *SQLiteMigrationProvider) GetSupportedEngine() string {
	return "sqlite"
}

// RunMigrations executes SQLite database migrations.
func (s *SQLiteMigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	provider, cleanup, err := s.newProvider(ctx, config, true)
	if err != nil {
		return err
	}
	defer cleanup()

	return s.executeMigrations(ctx, provider, config)
}

// GetCurrentVersion returns the current migration version.
func (s *SQLiteMigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	provider, cleanup, err := s.newProvider(ctx, config, false)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	return provider.GetDBVersion(ctx)
}

func (s *SQLiteMigrationProvider) newProvider(ctx context.Context, config storage.MigrationConfig, ping bool) (*goose.Provider, func(), error) {
	// Credentials do not apply to sqlite; the URI is the database file.
	uri, err := PrepareDSN(config.URI)
	if err != nil {
		return nil, nil, err
	}

	db, err := goose.OpenDBWithDriver("sqlite", uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}

	if ping {
		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = config.Timeout
		if err := backoff.Retry(func() error {
			return db.PingContext(ctx)
		}, policy); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to initialize sqlite connection: %w", err)
		}
	}

	migrationsFS, err := fs.Sub(assets.EmbedMigrations, assets.SqliteMigrationDir)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create sqlite migrations filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrationsFS)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create goose provider: %w", err)
	}

	return provider, func() { _ = db.Close() }, nil
}

func (s *SQLiteMigrationProvider) executeMigrations(ctx context.Context, provider *goose.Provider, config storage.MigrationConfig) error {
	currentVersion, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get db version: %w", err)
	}

	if config.Verbose {
		log.Printf("current version %d", currentVersion)
	}

	if config.TargetVersion == 0 {
		if _, err := provider.Up(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	}

	targetVersion := int64(config.TargetVersion)
	switch {
	case targetVersion < currentVersion:
		if _, err := provider.DownTo(ctx, targetVersion); err != nil {
			return fmt.Errorf("failed to run migrations down to %v: %w", targetVersion, err)
		}
	case targetVersion > currentVersion:
		if _, err := provider.UpTo(ctx, targetVersion); err != nil {
			return fmt.Errorf("failed to run migrations up to %v: %w", targetVersion, err)
		}
	}
	return nil
}
