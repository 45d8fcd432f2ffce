// Package postgres provides a PostgreSQL backed datastore.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/logger"
	"github.com/scopeq/scopeq/pkg/storage"
	"github.com/scopeq/scopeq/pkg/storage/sqlcommon"
)

var tracer = otel.Tracer("scopeq/pkg/storage/postgres")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "postgres."+name)
}

// Datastore provides a PostgreSQL based implementation of [storage.Datastore].
type Datastore struct {
	db               *sql.DB
	dbInfo           *sqlcommon.DBInfo
	compiler         *sqlcommon.Compiler
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
	maxRowsPerWrite  int
}

// Ensures that Datastore implements the Datastore interface.
var _ storage.Datastore = (*Datastore)(nil)

// initDB initializes a new postgres database connection.
func initDB(uri string, username string, password string, cfg *sqlcommon.Config) (*sql.DB, error) {
	if username != "" || password != "" {
		parsed, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("parse postgres connection uri: %w", err)
		}

		if username == "" && parsed.User != nil {
			username = parsed.User.Username()
		}

		switch {
		case password != "":
			parsed.User = url.UserPassword(username, password)
		case parsed.User != nil:
			if password, ok := parsed.User.Password(); ok {
				parsed.User = url.UserPassword(username, password)
			} else {
				parsed.User = url.User(username)
			}
		default:
			parsed.User = url.User(username)
		}

		uri = parsed.String()
	}

	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}

	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns) // default is 2, not retaining connections(0) would be detrimental for performance
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// configureDB waits for the database to come up, then registers its stats
// collector when metrics are enabled.
func configureDB(db *sql.DB, cfg *sqlcommon.Config) (prometheus.Collector, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err := backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for database", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "scopeq")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return collector, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	db, err := initDB(uri, cfg.Username, cfg.Password, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}

	return NewWithDB(db, cfg)
}

// NewWithDB creates a new [Datastore] storage with the provided database
// connection.
func NewWithDB(db *sql.DB, cfg *sqlcommon.Config) (*Datastore, error) {
	collector, err := configureDB(db, cfg)
	if err != nil {
		return nil, fmt.Errorf("configure db: %w", err)
	}

	stbl := sqlcommon.NewStatementBuilder(db, "postgres")
	dbInfo := sqlcommon.NewDBInfo(db, stbl, HandleSQLError, "postgres")

	return &Datastore{
		db:               db,
		dbInfo:           dbInfo,
		compiler:         sqlcommon.NewCompiler("postgres"),
		logger:           cfg.Logger,
		dbStatsCollector: collector,
		maxRowsPerWrite:  cfg.MaxRowsPerWrite,
	}, nil
}

// Close see [storage.Datastore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// Compile see [storage.QueryCompiler].Compile.
func (s *Datastore) Compile(q *storage.Query) (*storage.CompiledQuery, error) {
	return s.compiler.Compile(q)
}

// Select see [storage.RowReader].Select.
func (s *Datastore) Select(ctx context.Context, q *storage.Query) ([]storage.Row, error) {
	ctx, span := startTrace(ctx, "Select")
	defer span.End()

	return sqlcommon.SelectRows(ctx, s.dbInfo, s.compiler, q)
}

// Count see [storage.RowReader].Count.
func (s *Datastore) Count(ctx context.Context, q *storage.Query) (int64, error) {
	ctx, span := startTrace(ctx, "Count")
	defer span.End()

	return sqlcommon.CountRows(ctx, s.dbInfo, s.compiler, q)
}

// Aggregate see [storage.RowReader].Aggregate.
func (s *Datastore) Aggregate(ctx context.Context, q *storage.Query) (storage.Row, error) {
	ctx, span := startTrace(ctx, "Aggregate")
	defer span.End()

	return sqlcommon.AggregateRows(ctx, s.dbInfo, s.compiler, q)
}

// Insert see [storage.RowWriter].Insert.
func (s *Datastore) Insert(ctx context.Context, model *modelgraph.Model, rows []storage.Row) ([]any, error) {
	ctx, span := startTrace(ctx, "Insert")
	defer span.End()

	return sqlcommon.InsertRows(ctx, s.dbInfo, model, rows, s.maxRowsPerWrite, true)
}

// Update see [storage.RowWriter].Update.
func (s *Datastore) Update(ctx context.Context, q *storage.Query, values storage.Row) (int64, error) {
	ctx, span := startTrace(ctx, "Update")
	defer span.End()

	return sqlcommon.UpdateRows(ctx, s.dbInfo, s.compiler, q, values)
}

// Delete see [storage.RowWriter].Delete.
func (s *Datastore) Delete(ctx context.Context, q *storage.Query) (int64, error) {
	ctx, span := startTrace(ctx, "Delete")
	defer span.End()

	return sqlcommon.DeleteRows(ctx, s.dbInfo, s.compiler, q)
}

// AppendEvent see [storage.EventLogBackend].AppendEvent.
func (s *Datastore) AppendEvent(ctx context.Context, record storage.EventRecord) error {
	ctx, span := startTrace(ctx, "AppendEvent")
	defer span.End()

	return sqlcommon.AppendEvent(ctx, s.dbInfo, record)
}

// ReadEvents see [storage.EventLogBackend].ReadEvents.
func (s *Datastore) ReadEvents(ctx context.Context, filter storage.EventFilter) ([]storage.EventRecord, string, error) {
	ctx, span := startTrace(ctx, "ReadEvents")
	defer span.End()

	return sqlcommon.ReadEvents(ctx, s.dbInfo, filter)
}

// EnsureModelTables see [storage.Datastore].EnsureModelTables.
func (s *Datastore) EnsureModelTables(ctx context.Context, g *modelgraph.Graph) error {
	ctx, span := startTrace(ctx, "EnsureModelTables")
	defer span.End()

	return sqlcommon.EnsureModelTables(ctx, s.db, "postgres", g)
}

// IsReady see [storage.Datastore].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	return sqlcommon.IsReady(ctx, s.db)
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return storage.ErrQueryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return storage.ErrCancelled
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return storage.ErrCollision
		case "40001": // serialization_failure
			return storage.ErrTransactionalWriteFailed
		case "57014": // query_canceled
			return storage.ErrQueryTimeout
		}
	}

	return fmt.Errorf("sql error: %w", err)
}
