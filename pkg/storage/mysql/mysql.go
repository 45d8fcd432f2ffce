// Package mysql provides a MySQL backed datastore.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
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

var tracer = otel.Tracer("scopeq/pkg/storage/mysql")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mysql."+name)
}

// Datastore provides a MySQL based implementation of [storage.Datastore].
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

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	dsnCfg, err := mysql.ParseDSN(uri)
	if err != nil {
		return nil, fmt.Errorf("parse mysql connection dsn: %w", err)
	}

	if cfg.Username != "" {
		dsnCfg.User = cfg.Username
	}
	if cfg.Password != "" {
		dsnCfg.Passwd = cfg.Password
	}
	// Datetime columns scan as time.Time.
	dsnCfg.ParseTime = true

	db, err := sql.Open("mysql", dsnCfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("initialize mysql connection: %w", err)
	}

	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return NewWithDB(db, cfg)
}

// NewWithDB creates a new [Datastore] storage with the provided database
// connection.
func NewWithDB(db *sql.DB, cfg *sqlcommon.Config) (*Datastore, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err := backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for mysql", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("initialize mysql connection: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "scopeq")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	stbl := sqlcommon.NewStatementBuilder(db, "mysql")
	dbInfo := sqlcommon.NewDBInfo(db, stbl, HandleSQLError, "mysql")

	return &Datastore{
		db:               db,
		dbInfo:           dbInfo,
		compiler:         sqlcommon.NewCompiler("mysql"),
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

	return sqlcommon.InsertRows(ctx, s.dbInfo, model, rows, s.maxRowsPerWrite, false)
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

	return sqlcommon.EnsureModelTables(ctx, s.db, "mysql", g)
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

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1062: // ER_DUP_ENTRY
			return storage.ErrCollision
		case 1213: // ER_LOCK_DEADLOCK
			return storage.ErrTransactionalWriteFailed
		case 1317, 3024: // ER_QUERY_INTERRUPTED, ER_QUERY_TIMEOUT
			return storage.ErrQueryTimeout
		}
	}

	return fmt.Errorf("sql error: %w", err)
}
