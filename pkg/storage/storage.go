// Package storage contains storage interfaces and implementations.
//
//go:generate mockgen -source storage.go -destination ../../internal/mocks/mock_storage.go -package mocks Datastore
package storage

import (
	"context"
	"time"

	"github.com/scopeq/scopeq/internal/modelgraph"
)

const (
	// DefaultMaxRowsPerWrite is the maximum number of rows accepted by a
	// single insert batch unless the datastore is configured otherwise.
	DefaultMaxRowsPerWrite = 100

	DefaultPageSize = 50
)

// Row is one stored record. Keys are model field names, not column names;
// the datastore translates between the two at its boundary.
type Row = map[string]any

// PaginationOptions is used on the event log read path.
type PaginationOptions struct {
	PageSize int
	From     string
}

// NewPaginationOptions clamps a page size to the default when unset.
func NewPaginationOptions(ps int32, contToken string) PaginationOptions {
	pageSize := DefaultPageSize
	if ps != 0 {
		pageSize = int(ps)
	}

	return PaginationOptions{
		PageSize: pageSize,
		From:     contToken,
	}
}

// EventRecord is one entry in the mutation event log. Records are ordered
// by ULID, which doubles as the continuation token for paginated reads.
type EventRecord struct {
	ID         string
	Namespace  string
	Model      string
	Operation  string
	Actor      string
	RequestID  string
	Payload    []byte
	InsertedAt time.Time
}

// EventFilter narrows an event log read. Zero-valued fields match everything.
type EventFilter struct {
	Namespace  string
	Model      string
	Pagination PaginationOptions
}

// RowReader reads rows of registered models.
type RowReader interface {
	// Select returns the rows matching q, in q's requested order. Column
	// selection, filtering, search, ordering and pagination are all carried
	// by the query value.
	Select(ctx context.Context, q *Query) ([]Row, error)

	// Count returns the number of rows matching q, ignoring any pagination
	// carried by q.
	Count(ctx context.Context, q *Query) (int64, error)

	// Aggregate evaluates q's aggregations over the matching rows and
	// returns a single row keyed by each aggregation's alias. Aggregating
	// over zero rows yields nil values, not an error.
	Aggregate(ctx context.Context, q *Query) (Row, error)
}

// RowWriter mutates rows of registered models.
type RowWriter interface {
	// Insert writes the given rows in one transaction and returns their
	// primary keys in input order. If any row fails, none are written.
	// If more than the configured batch limit is given, it must return
	// ErrExceededWriteBatchLimit.
	Insert(ctx context.Context, model *modelgraph.Model, rows []Row) ([]any, error)

	// Update assigns the given values to every row matching q and returns
	// the number of rows updated.
	Update(ctx context.Context, q *Query, values Row) (int64, error)

	// Delete removes every row matching q and returns the number removed.
	Delete(ctx context.Context, q *Query) (int64, error)
}

// RowBackend provides an R/W interface for managing model rows.
type RowBackend interface {
	RowReader
	RowWriter
}

// EventLogBackend provides an append/read interface over the mutation
// event log.
type EventLogBackend interface {
	// AppendEvent records a mutation event. Append failures must not be
	// able to fail the mutation that produced them; callers log and move on.
	AppendEvent(ctx context.Context, record EventRecord) error

	// ReadEvents returns a page of events matching the filter, ordered by
	// ULID ascending, plus a continuation token that is empty when the log
	// is exhausted.
	ReadEvents(ctx context.Context, filter EventFilter) ([]EventRecord, string, error)
}

// QueryCompiler renders a query value to its canonical text form plus bound
// parameters. The rendered text is what cache keys are derived from, so two
// equal queries must compile to byte-identical output.
type QueryCompiler interface {
	Compile(q *Query) (*CompiledQuery, error)
}

// CompiledQuery is the canonical rendering of a query.
type CompiledQuery struct {
	SQL  string
	Args []any
}

// ReadinessStatus of the datastore.
// If the datastore is not ready, the status message explains why.
type ReadinessStatus struct {
	Message string
	IsReady bool
}

// Datastore is the complete storage contract the executor runs against.
type Datastore interface {
	RowBackend
	EventLogBackend
	QueryCompiler

	// EnsureModelTables creates any missing tables and indexes for the
	// models in the graph, plus the event log system table. It never
	// alters existing tables.
	EnsureModelTables(ctx context.Context, g *modelgraph.Graph) error

	// IsReady reports whether the datastore is reachable and migrated far
	// enough for this build to run against it.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close releases held resources.
	Close()
}
