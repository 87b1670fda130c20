package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/querysmith/querysmith/internal/warehouse"
)

// Connector executes agent-generated SQL against a Postgres warehouse.
type Connector struct {
	db           *sql.DB
	queryTimeout time.Duration
}

func NewConnector(db *sql.DB, queryTimeout time.Duration) *Connector {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &Connector{db: db, queryTimeout: queryTimeout}
}

func (c *Connector) HealthCheck(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping warehouse db: %w", err)
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
		resultRows = append(resultRows, normalizeRow(values))
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
	query := `
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = $1
ORDER BY ordinal_position`

	rows, err := c.db.QueryContext(ctx, query, table)
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
		return warehouse.SchemaInfo{}, warehouse.NewError(warehouse.KindMissingRelation, fmt.Sprintf("relation %q does not exist", table))
	}
	return info, nil
}

func (c *Connector) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
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

// classify maps driver errors onto the warehouse error taxonomy so the
// orchestrator can tell correctable failures from infrastructure ones.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return warehouse.NewError(warehouse.KindTimeout, err.Error())
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01" || pgErr.Code == "42703":
			// undefined_table / undefined_column
			return warehouse.NewError(warehouse.KindMissingRelation, pgErr.Message)
		case pgErr.Code == "42501" || strings.HasPrefix(pgErr.Code, "28"):
			return warehouse.NewError(warehouse.KindPermission, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "42"):
			return warehouse.NewError(warehouse.KindSyntax, pgErr.Message)
		case pgErr.Code == "57014":
			// query_canceled, typically a statement timeout
			return warehouse.NewError(warehouse.KindTimeout, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"):
			return warehouse.NewError(warehouse.KindConnectionLost, pgErr.Message)
		default:
			return warehouse.NewError(warehouse.KindSyntax, pgErr.Message)
		}
	}

	if errors.Is(err, sql.ErrConnDone) {
		return warehouse.NewError(warehouse.KindConnectionLost, err.Error())
	}
	return warehouse.NewError(warehouse.KindConnectionLost, err.Error())
}

func normalizeRow(values []any) []any {
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
