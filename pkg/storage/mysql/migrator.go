package mysql

import (
	"context"
	"fmt"
	"io/fs"
	"log"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"

	"github.com/scopeq/scopeq/assets"
	"github.com/scopeq/scopeq/pkg/storage"
)

// MySQLMigrationProvider implements [storage.MigrationProvider] for MySQL.
type MySQLMigrationProvider struct{}

func NewMySQLMigrationProvider() *MySQLMigrationProvider {
	return &MySQLMigrationProvider{}
}

// GetSupportedEngine returns the database engine this provider supports.
func (m *MySQLMigrationProvider) GetSupportedEngine() string {
	return "mysql"
}

// RunMigrations executes MySQL database migrations.
func (m *MySQLMigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	provider, cleanup, err := m.newProvider(ctx, config, true)
	if err != nil {
		return err
	}
	defer cleanup()

	return m.executeMigrations(ctx, provider, config)
}

// GetCurrentVersion returns the current migration version.
func (m *MySQLMigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	provider, cleanup, err := m.newProvider(ctx, config, false)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	return provider.GetDBVersion(ctx)
}

func (m *MySQLMigrationProvider) newProvider(ctx context.Context, config storage.MigrationConfig, ping bool) (*goose.Provider, func(), error) {
	uri, err := m.prepareURI(config)
	if err != nil {
		return nil, nil, err
	}

	db, err := goose.OpenDBWithDriver("mysql", uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	if ping {
		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = config.Timeout
		if err := backoff.Retry(func() error {
			return db.PingContext(ctx)
		}, policy); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to initialize mysql connection: %w", err)
		}
	}

	migrationsFS, err := fs.Sub(assets.EmbedMigrations, assets.MySQLMigrationDir)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create mysql migrations filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectMySQL, db, migrationsFS)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create goose provider: %w", err)
	}

	return provider, func() { _ = db.Close() }, nil
}

// prepareURI processes the database URI with username/password overrides.
func (m *MySQLMigrationProvider) prepareURI(config storage.MigrationConfig) (string, error) {
	dsn, err := mysql.ParseDSN(config.URI)
	if err != nil {
		return "", fmt.Errorf("invalid mysql database uri: %v", err)
	}

	if config.Username != "" {
		dsn.User = config.Username
	}
	if config.Password != "" {
		dsn.Passwd = config.Password
	}

	return dsn.FormatDSN(), nil
}

// executeMigrations moves the schema to the configured target version, or
// all the way up when no target is set.
func (m *MySQLMigrationProvider) executeMigrations(ctx context.Context, provider *goose.Provider, config storage.MigrationConfig) error {
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
