package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"net/url"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"

	"github.com/scopeq/scopeq/assets"
	"github.com/scopeq/scopeq/pkg/storage"
)

// PostgresMigrationProvider implements [storage.MigrationProvider] for
// Postgres.
type PostgresMigrationProvider struct{}

func NewPostgresMigrationProvider() *PostgresMigrationProvider {
	return &PostgresMigrationProvider{}
}

// GetSupportedEngine returns the database engine this provider supports.
func (p *PostgresMigrationProvider) GetSupportedEngine() string {
	return "postgres"
}

// RunMigrations executes Postgres database migrations.
func (p *PostgresMigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	provider, cleanup, err := p.newProvider(ctx, config, true)
	if err != nil {
		return err
	}
	defer cleanup()

	return p.executeMigrations(ctx, provider, config)
}

// GetCurrentVersion returns the current migration version.
func (p *PostgresMigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	provider, cleanup, err := p.newProvider(ctx, config, false)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	return provider.GetDBVersion(ctx)
}

func (p *PostgresMigrationProvider) newProvider(ctx context.Context, config storage.MigrationConfig, ping bool) (*goose.Provider, func(), error) {
	uri, err := p.prepareURI(config)
	if err != nil {
		return nil, nil, err
	}

	db, err := goose.OpenDBWithDriver("pgx", uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if ping {
		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = config.Timeout
		if err := backoff.Retry(func() error {
			return db.PingContext(ctx)
		}, policy); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to initialize postgres connection: %w", err)
		}
	}

	migrationsFS, err := fs.Sub(assets.EmbedMigrations, assets.PostgresMigrationDir)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create postgres migrations filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrationsFS)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create goose provider: %w", err)
	}

	return provider, func() { _ = db.Close() }, nil
}

// prepareURI processes the database URI with username/password overrides.
func (p *PostgresMigrationProvider) prepareURI(config storage.MigrationConfig) (string, error) {
	parsed, err := url.Parse(config.URI)
	if err != nil {
		return "", fmt.Errorf("invalid postgres database uri: %v", err)
	}

	username := ""
	password := ""
	if parsed.User != nil {
		username = parsed.User.Username()
		password, _ = parsed.User.Password()
	}
	if config.Username != "" {
		username = config.Username
	}
	if config.Password != "" {
		password = config.Password
	}
	parsed.User = url.UserPassword(username, password)

	return parsed.String(), nil
}

func (p *PostgresMigrationProvider) executeMigrations(ctx context.Context, provider *goose.Provider, config storage.MigrationConfig) error {
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
