package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/querysmith/querysmith/internal/metadata"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping metadata db: %w", err)
	}
	return nil
}

func (r *Repository) GetTableContext(ctx context.Context, tableName string) (metadata.TableContext, error) {
	query := `
SELECT table_name, description, columns_json, lineage_json, annotations_json, updated_at
FROM table_context
WHERE table_name = $1`

	var (
		tc          metadata.TableContext
		columns     []byte
		lineage     []byte
		annotations []byte
	)
	if err := r.db.QueryRowContext(ctx, query, tableName).Scan(
		&tc.TableName,
		&tc.Description,
		&columns,
		&lineage,
		&annotations,
		&tc.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return metadata.TableContext{}, metadata.ErrNotFound
		}
		return metadata.TableContext{}, fmt.Errorf("get table context: %w", err)
	}
	if err := decodeDocs(&tc, columns, lineage, annotations); err != nil {
		return metadata.TableContext{}, err
	}
	return tc, nil
}

func (r *Repository) ListTableContexts(ctx context.Context) ([]metadata.TableContext, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT table_name, description, columns_json, lineage_json, annotations_json, updated_at
FROM table_context
ORDER BY table_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list table contexts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	contexts := make([]metadata.TableContext, 0)
	for rows.Next() {
		var (
			tc          metadata.TableContext
			columns     []byte
			lineage     []byte
			annotations []byte
		)
		if err := rows.Scan(&tc.TableName, &tc.Description, &columns, &lineage, &annotations, &tc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan table context row: %w", err)
		}
		if err := decodeDocs(&tc, columns, lineage, annotations); err != nil {
			return nil, err
		}
		contexts = append(contexts, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table context rows: %w", err)
	}
	return contexts, nil
}

func (r *Repository) UpsertTableContext(ctx context.Context, in metadata.UpsertTableContextInput) (metadata.TableContext, error) {
	columns, err := json.Marshal(emptyColumnsIfNil(in.Columns))
	if err != nil {
		return metadata.TableContext{}, fmt.Errorf("encode columns: %w", err)
	}
	lineage, err := json.Marshal(emptyStringsIfNil(in.Lineage))
	if err != nil {
		return metadata.TableContext{}, fmt.Errorf("encode lineage: %w", err)
	}
	annotations, err := json.Marshal(emptyMapIfNil(in.Annotations))
	if err != nil {
		return metadata.TableContext{}, fmt.Errorf("encode annotations: %w", err)
	}

	query := `
INSERT INTO table_context (table_name, description, columns_json, lineage_json, annotations_json, updated_at)
VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb, NOW())
ON CONFLICT (table_name)
DO UPDATE SET
    description = EXCLUDED.description,
    columns_json = EXCLUDED.columns_json,
    lineage_json = EXCLUDED.lineage_json,
    annotations_json = EXCLUDED.annotations_json,
    updated_at = NOW()
RETURNING updated_at`

	tc := metadata.TableContext{
		TableName:   in.TableName,
		Description: in.Description,
		Columns:     in.Columns,
		Lineage:     in.Lineage,
		Annotations: in.Annotations,
	}
	if err := r.db.QueryRowContext(ctx, query, in.TableName, in.Description, string(columns), string(lineage), string(annotations)).Scan(&tc.UpdatedAt); err != nil {
		return metadata.TableContext{}, fmt.Errorf("upsert table context: %w", err)
	}
	return tc, nil
}

func decodeDocs(tc *metadata.TableContext, columns, lineage, annotations []byte) error {
	if len(columns) > 0 {
		if err := json.Unmarshal(columns, &tc.Columns); err != nil {
			return fmt.Errorf("decode columns for %q: %w", tc.TableName, err)
		}
	}
	if len(lineage) > 0 {
		if err := json.Unmarshal(lineage, &tc.Lineage); err != nil {
			return fmt.Errorf("decode lineage for %q: %w", tc.TableName, err)
		}
	}
	if len(annotations) > 0 {
		if err := json.Unmarshal(annotations, &tc.Annotations); err != nil {
			return fmt.Errorf("decode annotations for %q: %w", tc.TableName, err)
		}
	}
	return nil
}

func emptyColumnsIfNil(columns []metadata.ColumnDoc) []metadata.ColumnDoc {
	if columns == nil {
		return []metadata.ColumnDoc{}
	}
	return columns
}

func emptyStringsIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func emptyMapIfNil(values map[string]string) map[string]string {
	if values == nil {
		return map[string]string{}
	}
	return values
}
