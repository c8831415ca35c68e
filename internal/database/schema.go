package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Snapshot lists tables by name, each with columns in ordinal order.
type Snapshot struct {
	Schema string  `json:"schema"`
	Tables []Table `json:"tables"`
}

type SchemaProvider struct {
	db     *sql.DB
	schema string
}

func NewSchemaProvider(db *sql.DB, schema string) *SchemaProvider {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	return &SchemaProvider{db: db, schema: schema}
}

const snapshotQuery = `
SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`

func (p *SchemaProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	if p == nil || p.db == nil {
		return Snapshot{}, fmt.Errorf("schema provider is not configured")
	}

	rows, err := p.db.QueryContext(ctx, snapshotQuery, p.schema)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query schema %q: %w", p.schema, err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := Snapshot{Schema: p.schema, Tables: make([]Table, 0)}
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return Snapshot{}, fmt.Errorf("scan schema row: %w", err)
		}
		last := len(snapshot.Tables) - 1
		if last < 0 || snapshot.Tables[last].Name != tableName {
			snapshot.Tables = append(snapshot.Tables, Table{Name: tableName})
			last++
		}
		snapshot.Tables[last].Columns = append(snapshot.Tables[last].Columns, Column{Name: columnName, DataType: dataType})
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate schema rows: %w", err)
	}
	return snapshot, nil
}
