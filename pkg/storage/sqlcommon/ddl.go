package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/schema"
)

// scalarColumnType maps a field type to the dialect's column type.
func scalarColumnType(dialect string, fieldType schema.FieldType) string {
	switch dialect {
	case "postgres":
		switch fieldType {
		case schema.FieldInteger:
			return "BIGINT"
		case schema.FieldFloat:
			return "DOUBLE PRECISION"
		case schema.FieldString:
			return "VARCHAR(255)"
		case schema.FieldText:
			return "TEXT"
		case schema.FieldBoolean:
			return "BOOLEAN"
		case schema.FieldDatetime:
			return "TIMESTAMPTZ"
		case schema.FieldJSON:
			return "JSONB"
		}
	case "mysql":
		switch fieldType {
		case schema.FieldInteger:
			return "BIGINT"
		case schema.FieldFloat:
			return "DOUBLE"
		case schema.FieldString:
			return "VARCHAR(255)"
		case schema.FieldText:
			return "TEXT"
		case schema.FieldBoolean:
			return "BOOLEAN"
		case schema.FieldDatetime:
			return "DATETIME(6)"
		case schema.FieldJSON:
			return "JSON"
		}
	default:
		switch fieldType {
		case schema.FieldInteger:
			return "INTEGER"
		case schema.FieldFloat:
			return "REAL"
		case schema.FieldString, schema.FieldText, schema.FieldDatetime, schema.FieldJSON:
			return "TEXT"
		case schema.FieldBoolean:
			return "INTEGER"
		}
	}
	return "TEXT"
}

func pkColumnDefinition(dialect string, pk *modelgraph.Field) string {
	if pk.Type == schema.FieldString {
		switch dialect {
		case "mysql":
			return pk.Column + " VARCHAR(255) NOT NULL PRIMARY KEY"
		default:
			return pk.Column + " TEXT PRIMARY KEY"
		}
	}

	switch dialect {
	case "postgres":
		return pk.Column + " BIGSERIAL PRIMARY KEY"
	case "mysql":
		return pk.Column + " BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
	default:
		return pk.Column + " INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

// CreateTableStatements renders the CREATE TABLE plus index statements for
// one model. Many-valued relations have no column on the owning table.
func CreateTableStatements(dialect string, m *modelgraph.Model) []string {
	pk := m.PK()
	columns := []string{pkColumnDefinition(dialect, pk)}
	var indexes []string

	for _, field := range m.Fields {
		if field == pk || field.Column == "" {
			continue
		}

		fieldType := field.Type
		if field.IsRelation() {
			fieldType = field.Rel.To.PK().Type
			// MySQL has no CREATE INDEX IF NOT EXISTS; re-runs are
			// tolerated by the duplicate check in EnsureModelTables.
			ifNotExists := "IF NOT EXISTS "
			if dialect == "mysql" {
				ifNotExists = ""
			}
			indexes = append(indexes, fmt.Sprintf(
				"CREATE INDEX %sidx_%s_%s ON %s (%s)",
				ifNotExists, m.Table, field.Column, m.Table, field.Column,
			))
		}

		definition := field.Column + " " + scalarColumnType(dialect, fieldType)
		if !field.Nullable {
			definition += " NOT NULL"
		}
		columns = append(columns, definition)
	}

	statements := []string{fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s)",
		m.Table, strings.Join(columns, ", "),
	)}
	return append(statements, indexes...)
}

// EventLogStatements renders the CREATE TABLE plus index statements for the
// event log system table. The same DDL ships as a goose migration; having it
// here keeps EnsureModelTables sufficient for tests and local bootstrap.
func EventLogStatements(dialect string) []string {
	payloadType := "BLOB"
	timestampType := "TEXT"
	ulidType := "TEXT"
	ifNotExists := "IF NOT EXISTS "

	switch dialect {
	case "postgres":
		payloadType = "BYTEA"
		timestampType = "TIMESTAMPTZ"
		ulidType = "VARCHAR(26)"
	case "mysql":
		payloadType = "BLOB"
		timestampType = "DATETIME(6)"
		ulidType = "VARCHAR(26)"
		ifNotExists = ""
	}

	return []string{
		fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (ulid %s PRIMARY KEY, namespace VARCHAR(255) NOT NULL, model VARCHAR(255) NOT NULL, operation VARCHAR(64) NOT NULL, actor VARCHAR(255) NOT NULL, request_id VARCHAR(255) NOT NULL, payload %s, inserted_at %s NOT NULL)",
			EventsTable, ulidType, payloadType, timestampType,
		),
		fmt.Sprintf(
			"CREATE INDEX %sidx_%s_namespace_model ON %s (namespace, model)",
			ifNotExists, EventsTable, EventsTable,
		),
	}
}

// EnsureModelTables creates any missing model tables and indexes, plus the
// event log system table. Existing tables are left untouched; this is a
// bootstrap convenience, not a migration system.
func EnsureModelTables(ctx context.Context, db *sql.DB, dialect string, g *modelgraph.Graph) error {
	statements := EventLogStatements(dialect)
	for _, model := range g.Models() {
		statements = append(statements, CreateTableStatements(dialect, model)...)
	}

	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			if isDuplicateIndexError(dialect, err) {
				continue
			}
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

// isDuplicateIndexError recognizes re-runs of index creation on dialects
// without CREATE INDEX IF NOT EXISTS.
func isDuplicateIndexError(dialect string, err error) bool {
	message := err.Error()
	switch dialect {
	case "mysql":
		return strings.Contains(message, "Duplicate key name")
	case "postgres":
		return strings.Contains(message, "already exists")
	default:
		return strings.Contains(message, "already exists")
	}
}
