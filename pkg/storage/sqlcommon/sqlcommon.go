// Package sqlcommon holds the pieces shared by every SQL datastore: the
// connection configuration, the query compiler, table DDL and the row
// read/write helpers the dialect packages delegate to.
package sqlcommon

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"

	"github.com/scopeq/scopeq/internal/build"
	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/logger"
	"github.com/scopeq/scopeq/pkg/storage"
)

var tracer = otel.Tracer("pkg/storage/sqlcommon")

// Config defines the configuration parameters
// for setting up and managing a sql connection.
type Config struct {
	Username        string
	Password        string
	Logger          logger.Logger
	MaxRowsPerWrite int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type
// used for configuring a Config object.
type DatastoreOption func(*Config)

// WithUsername returns a DatastoreOption that sets the username in the Config.
func WithUsername(username string) DatastoreOption {
	return func(config *Config) {
		config.Username = username
	}
}

// WithPassword returns a DatastoreOption that sets the password in the Config.
func WithPassword(password string) DatastoreOption {
	return func(config *Config) {
		config.Password = password
	}
}

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithMaxRowsPerWrite returns a DatastoreOption that sets
// the maximum number of rows per insert batch in the Config.
func WithMaxRowsPerWrite(maxRows int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxRowsPerWrite = maxRows
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the
// maximum number of open connections in the Config.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the
// maximum number of idle connections in the Config.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets
// the maximum idle time for a connection in the Config.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets
// the maximum lifetime for a connection in the Config.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// WithMetrics returns a DatastoreOption that
// enables the export of metrics in the Config.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// NewConfig creates a new Config instance with default values
// and applies any provided DatastoreOption modifications.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	if cfg.MaxRowsPerWrite == 0 {
		cfg.MaxRowsPerWrite = storage.DefaultMaxRowsPerWrite
	}

	return cfg
}

type errorHandlerFn func(error, ...interface{}) error

// NewStatementBuilder returns a statement builder bound to db using the
// dialect's placeholder format.
func NewStatementBuilder(db *sql.DB, dialect string) sq.StatementBuilderType {
	stbl := sq.StatementBuilder.RunWith(db)
	if dialect == "postgres" {
		stbl = stbl.PlaceholderFormat(sq.Dollar)
	}
	return stbl
}

// DBInfo encapsulates DB information for use in common methods.
type DBInfo struct {
	db             *sql.DB
	stbl           sq.StatementBuilderType
	HandleSQLError errorHandlerFn
}

// NewDBInfo constructs a [DBInfo] object.
func NewDBInfo(db *sql.DB, stbl sq.StatementBuilderType, errorHandler errorHandlerFn, dialect string) *DBInfo {
	if err := goose.SetDialect(dialect); err != nil {
		panic("failed to set database dialect: " + err.Error())
	}

	return &DBInfo{
		db:             db,
		stbl:           stbl,
		HandleSQLError: errorHandler,
	}
}

// EventsTable is the system table backing the mutation event log.
const EventsTable = "scopeq_events"

var eventColumns = []string{
	"ulid", "namespace", "model", "operation", "actor", "request_id", "payload", "inserted_at",
}

// SelectRows runs q and scans the result set into rows keyed by field name.
func SelectRows(ctx context.Context, dbInfo *DBInfo, compiler *Compiler, q *storage.Query) ([]storage.Row, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.SelectRows")
	defer span.End()

	fields, err := compiler.SelectFields(q)
	if err != nil {
		return nil, err
	}

	sb, err := compiler.SelectBuilder(q)
	if err != nil {
		return nil, err
	}

	rows, err := sb.RunWith(dbInfo.db).QueryContext(ctx)
	if err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}
	defer rows.Close()

	var out []storage.Row
	for rows.Next() {
		scanned := make([]any, len(fields))
		targets := make([]any, len(fields))
		for i := range scanned {
			targets[i] = &scanned[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, dbInfo.HandleSQLError(err)
		}

		row := make(storage.Row, len(fields))
		for i, field := range fields {
			value, err := fromScanValue(field, scanned[i])
			if err != nil {
				return nil, err
			}
			row[field.Name] = value
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}

	return out, nil
}

// CountRows returns the number of rows matching q, ignoring pagination.
func CountRows(ctx context.Context, dbInfo *DBInfo, compiler *Compiler, q *storage.Query) (int64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.CountRows")
	defer span.End()

	counted := q.Clone()
	counted.Offset = -1
	counted.Limit = -1
	counted.Orderings = nil
	counted.Aggregations = []storage.Aggregation{{Func: storage.AggCount}}

	result, err := aggregateRows(ctx, dbInfo, compiler, counted)
	if err != nil {
		return 0, err
	}

	count, ok := result[storage.AggCount].(int64)
	if !ok {
		return 0, nil
	}
	return count, nil
}

// AggregateRows evaluates q's aggregations and returns one row keyed by alias.
func AggregateRows(ctx context.Context, dbInfo *DBInfo, compiler *Compiler, q *storage.Query) (storage.Row, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.AggregateRows")
	defer span.End()

	return aggregateRows(ctx, dbInfo, compiler, q)
}

func aggregateRows(ctx context.Context, dbInfo *DBInfo, compiler *Compiler, q *storage.Query) (storage.Row, error) {
	sb, err := compiler.SelectBuilder(q)
	if err != nil {
		return nil, err
	}

	scanned := make([]any, len(q.Aggregations))
	targets := make([]any, len(q.Aggregations))
	for i := range scanned {
		targets[i] = &scanned[i]
	}

	if err := sb.RunWith(dbInfo.db).QueryRowContext(ctx).Scan(targets...); err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}

	row := make(storage.Row, len(q.Aggregations))
	for i, agg := range q.Aggregations {
		value, err := normalizeAggregateValue(scanned[i])
		if err != nil {
			return nil, err
		}
		row[agg.Alias()] = value
	}
	return row, nil
}

// InsertRows writes the batch in one transaction and returns the primary
// keys in input order. Dialects with RETURNING support report generated keys
// through it; the others fall back to LastInsertId.
func InsertRows(ctx context.Context, dbInfo *DBInfo, model *modelgraph.Model, rows []storage.Row, maxRows int, useReturning bool) ([]any, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.InsertRows")
	defer span.End()

	if maxRows > 0 && len(rows) > maxRows {
		return nil, storage.ErrExceededWriteBatchLimit
	}

	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	pk := model.PK()
	pks := make([]any, 0, len(rows))

	for _, row := range rows {
		names := make([]string, 0, len(row))
		for name := range row {
			names = append(names, name)
		}
		sort.Strings(names)

		columns := make([]string, 0, len(names))
		values := make([]any, 0, len(names))
		for _, name := range names {
			field := model.Field(name)
			if field == nil || field.Column == "" {
				continue
			}
			bound, err := BindValue(field, row[name])
			if err != nil {
				return nil, err
			}
			columns = append(columns, field.Column)
			values = append(values, bound)
		}

		ib := dbInfo.stbl.
			Insert(model.Table).
			Columns(columns...).
			Values(values...).
			RunWith(txn)

		if provided, ok := row[pk.Name]; ok && provided != nil {
			if _, err := ib.ExecContext(ctx); err != nil {
				return nil, dbInfo.HandleSQLError(err)
			}
			pks = append(pks, provided)
			continue
		}

		if useReturning {
			var generated any
			if err := ib.Suffix("RETURNING " + pk.Column).QueryRowContext(ctx).Scan(&generated); err != nil {
				return nil, dbInfo.HandleSQLError(err)
			}
			value, err := fromScanValue(pk, generated)
			if err != nil {
				return nil, err
			}
			pks = append(pks, value)
			continue
		}

		res, err := ib.ExecContext(ctx)
		if err != nil {
			return nil, dbInfo.HandleSQLError(err)
		}
		generated, err := res.LastInsertId()
		if err != nil {
			return nil, dbInfo.HandleSQLError(err)
		}
		pks = append(pks, generated)
	}

	if err := txn.Commit(); err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}

	return pks, nil
}

// UpdateRows assigns values to every row matching q and returns the number
// of rows updated. Pagination and ordering carried by q are ignored.
func UpdateRows(ctx context.Context, dbInfo *DBInfo, compiler *Compiler, q *storage.Query, values storage.Row) (int64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.UpdateRows")
	defer span.End()

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	ub := dbInfo.stbl.Update(q.Model.Table)
	for _, name := range names {
		field := q.Model.Field(name)
		if field == nil || field.Column == "" {
			continue
		}
		bound, err := BindValue(field, values[name])
		if err != nil {
			return 0, err
		}
		ub = ub.Set(field.Column, bound)
	}

	predicates, err := compiler.WherePredicates(q)
	if err != nil {
		return 0, err
	}
	for _, predicate := range predicates {
		ub = ub.Where(predicate)
	}

	res, err := ub.RunWith(dbInfo.db).ExecContext(ctx)
	if err != nil {
		return 0, dbInfo.HandleSQLError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, dbInfo.HandleSQLError(err)
	}
	return affected, nil
}

// DeleteRows removes every row matching q and returns the number removed.
func DeleteRows(ctx context.Context, dbInfo *DBInfo, compiler *Compiler, q *storage.Query) (int64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.DeleteRows")
	defer span.End()

	db := dbInfo.stbl.Delete(q.Model.Table)

	predicates, err := compiler.WherePredicates(q)
	if err != nil {
		return 0, err
	}
	for _, predicate := range predicates {
		db = db.Where(predicate)
	}

	res, err := db.RunWith(dbInfo.db).ExecContext(ctx)
	if err != nil {
		return 0, dbInfo.HandleSQLError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, dbInfo.HandleSQLError(err)
	}
	return affected, nil
}

// AppendEvent records one mutation event.
func AppendEvent(ctx context.Context, dbInfo *DBInfo, record storage.EventRecord) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.AppendEvent")
	defer span.End()

	_, err := dbInfo.stbl.
		Insert(EventsTable).
		Columns(eventColumns...).
		Values(
			record.ID,
			record.Namespace,
			record.Model,
			record.Operation,
			record.Actor,
			record.RequestID,
			record.Payload,
			record.InsertedAt,
		).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	return nil
}

// ReadEvents returns one page of the event log in ULID order. The
// continuation token is the last returned ULID; it is empty once the log is
// exhausted. One extra row is fetched to decide whether a token is needed.
func ReadEvents(ctx context.Context, dbInfo *DBInfo, filter storage.EventFilter) ([]storage.EventRecord, string, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.ReadEvents")
	defer span.End()

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}

	sb := dbInfo.stbl.
		Select(eventColumns...).
		From(EventsTable).
		OrderBy("ulid").
		Limit(uint64(pageSize + 1))

	if filter.Namespace != "" {
		sb = sb.Where(sq.Eq{"namespace": filter.Namespace})
	}
	if filter.Model != "" {
		sb = sb.Where(sq.Eq{"model": filter.Model})
	}
	if filter.Pagination.From != "" {
		if _, err := ulid.Parse(filter.Pagination.From); err != nil {
			return nil, "", storage.ErrInvalidContinuationToken
		}
		sb = sb.Where(sq.Gt{"ulid": filter.Pagination.From})
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, "", dbInfo.HandleSQLError(err)
	}
	defer rows.Close()

	var records []storage.EventRecord
	for rows.Next() {
		var record storage.EventRecord
		var insertedAt any
		if err := rows.Scan(
			&record.ID,
			&record.Namespace,
			&record.Model,
			&record.Operation,
			&record.Actor,
			&record.RequestID,
			&record.Payload,
			&insertedAt,
		); err != nil {
			return nil, "", dbInfo.HandleSQLError(err)
		}
		if ts, err := toTime(insertedAt); err == nil {
			record.InsertedAt = ts
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, "", dbInfo.HandleSQLError(err)
	}

	if len(records) > pageSize {
		records = records[:pageSize]
		return records, records[len(records)-1].ID, nil
	}
	return records, "", nil
}

// IsReady returns true if connection to datastore is successful AND
// the datastore has the latest migration applied.
func IsReady(ctx context.Context, db *sql.DB) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// do ping first to ensure we have a better error message
	// if the error is due to a connection issue.
	if pingErr := db.PingContext(ctx); pingErr != nil {
		return storage.ReadinessStatus{}, pingErr
	}

	revision, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return storage.ReadinessStatus{}, err
	}

	if revision < build.MinimumSupportedDatastoreSchemaRevision {
		return storage.ReadinessStatus{
			Message: "datastore requires migrations: at revision '" +
				strconv.FormatInt(revision, 10) +
				"', but requires '" +
				strconv.FormatInt(build.MinimumSupportedDatastoreSchemaRevision, 10) +
				"'. Run 'scopeq migrate'.",
			IsReady: false,
		}, nil
	}
	return storage.ReadinessStatus{
		IsReady: true,
	}, nil
}
