// Package sqlite provides a SQLite backed datastore.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/logger"
	"github.com/scopeq/scopeq/pkg/storage"
	"github.com/scopeq/scopeq/pkg/storage/sqlcommon"
)

var tracer = otel.Tracer("scopeq/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

// Datastore provides a SQLite based implementation of [storage.Datastore].
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

// PrepareDSN prepares a raw DSN for use with SQLite, specifying defaults for
// journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	// Set journal mode and busy timeout pragmas if not specified.
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	// Set transaction mode to immediate if not specified
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	return NewWithDB(db, cfg)
}

// NewWithDB creates a new [Datastore] storage with the provided database
// connection.
func NewWithDB(db *sql.DB, cfg *sqlcommon.Config) (*Datastore, error) {
	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "scopeq")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	stbl := sqlcommon.NewStatementBuilder(db, "sqlite")
	dbInfo := sqlcommon.NewDBInfo(db, stbl, HandleSQLError, "sqlite")

	return &Datastore{
		db:               db,
		dbInfo:           dbInfo,
		compiler:         sqlcommon.NewCompiler("sqlite"),
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

	var pks []any
	err := busyRetry(func() error {
		var err error
		pks, err = sqlcommon.InsertRows(ctx, s.dbInfo, model, rows, s.maxRowsPerWrite, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pks, nil
}

// Update see [storage.RowWriter].Update.
func (s *Datastore) Update(ctx context.Context, q *storage.Query, values storage.Row) (int64, error) {
	ctx, span := startTrace(ctx, "Update")
	defer span.End()

	var affected int64
	err := busyRetry(func() error {
		var err error
		affected, err = sqlcommon.UpdateRows(ctx, s.dbInfo, s.compiler, q, values)
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// Delete see [storage.RowWriter].Delete.
func (s *Datastore) Delete(ctx context.Context, q *storage.Query) (int64, error) {
	ctx, span := startTrace(ctx, "Delete")
	defer span.End()

	var affected int64
	err := busyRetry(func() error {
		var err error
		affected, err = sqlcommon.DeleteRows(ctx, s.dbInfo, s.compiler, q)
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// AppendEvent see [storage.EventLogBackend].AppendEvent.
func (s *Datastore) AppendEvent(ctx context.Context, record storage.EventRecord) error {
	ctx, span := startTrace(ctx, "AppendEvent")
	defer span.End()

	return busyRetry(func() error {
		return sqlcommon.AppendEvent(ctx, s.dbInfo, record)
	})
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

	return busyRetry(func() error {
		return sqlcommon.EnsureModelTables(ctx, s.db, "sqlite", g)
	})
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

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xFF {
		case sqlite3.SQLITE_CONSTRAINT:
			return storage.ErrCollision
		case sqlite3.SQLITE_INTERRUPT:
			return storage.ErrQueryTimeout
		}
	}

	return fmt.Errorf("sql error: %w", err)
}

// SQLite will return an SQLITE_BUSY error when the database is locked rather
// than waiting for the lock. This function retries the operation up to
// maxRetries times before returning the error.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
