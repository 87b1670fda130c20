// Package duckdb provides a warehouse connector backed by an embedded DuckDB
// database, used for local development and self-contained demos.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/querysmith/querysmith/internal/warehouse"
)

type Connector struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// Open creates a connector over a DuckDB database file. An empty path opens
// an in-memory database.
func Open(path string, queryTimeout time.Duration) (*Connector, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &Connector{db: db, queryTimeout: queryTimeout}, nil
}

func (c *Connector) Close() error {
	return c.db.Close()
}

func (c *Connector) HealthCheck(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping duckdb: %w", err)
	}
	return nil
}

func (c *Connector) Execute(ctx context.Context, sqlText string) (warehouse.RowSet, error) {
	queryCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := c.db.QueryContext(queryCtx, sqlText)
	if err != nil {
		return warehouse.RowSet{}, classify(err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return warehouse.RowSet{}, classify(err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return warehouse.RowSet{}, classify(err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return warehouse.RowSet{}, classify(err)
	}

	return warehouse.RowSet{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
		Duration: time.Since(start),
	}, nil
}

func (c *Connector) GetSchema(ctx context.Context, table string) (warehouse.SchemaInfo, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_name = ?
ORDER BY ordinal_position`, table)
	if err != nil {
		return warehouse.SchemaInfo{}, classify(err)
	}
	defer func() { _ = rows.Close() }()

	info := warehouse.SchemaInfo{Table: table}
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return warehouse.SchemaInfo{}, classify(err)
		}
		info.Columns = append(info.Columns, warehouse.ColumnInfo{
			Name:     name,
			DataType: dataType,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return warehouse.SchemaInfo{}, classify(err)
	}
	if len(info.Columns) == 0 {
		return warehouse.SchemaInfo{}, warehouse.NewError(warehouse.KindMissingRelation, fmt.Sprintf("table %q does not exist", table))
	}
	return info, nil
}

func (c *Connector) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_type = 'BASE TABLE'
ORDER BY table_name ASC`)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classify(err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return tables, nil
}

// classify maps DuckDB errors onto the warehouse taxonomy. The driver exposes
// no structured codes, so classification keys on message text.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return warehouse.NewError(warehouse.KindTimeout, err.Error())
	}
	if errors.Is(err, sql.ErrConnDone) {
		return warehouse.NewError(warehouse.KindConnectionLost, err.Error())
	}

	message := err.Error()
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "does not exist") || strings.Contains(lower, "not found in from clause"):
		return warehouse.NewError(warehouse.KindMissingRelation, message)
	case strings.Contains(lower, "parser error") || strings.Contains(lower, "syntax error") || strings.Contains(lower, "binder error"):
		return warehouse.NewError(warehouse.KindSyntax, message)
	case strings.Contains(lower, "permission denied"):
		return warehouse.NewError(warehouse.KindPermission, message)
	case strings.Contains(lower, "interrupt") || strings.Contains(lower, "timeout"):
		return warehouse.NewError(warehouse.KindTimeout, message)
	default:
		return warehouse.NewError(warehouse.KindSyntax, message)
	}
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
