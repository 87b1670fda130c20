// Package metadata holds curated warehouse documentation the assembler and
// tools surface to the model: table descriptions, column docs, lineage notes.
package metadata

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("metadata: not found")

type ColumnDoc struct {
	Name        string `json:"name"`
	DataType    string `json:"data_type"`
	Description string `json:"description,omitempty"`
}

type TableContext struct {
	TableName   string            `json:"table_name"`
	Description string            `json:"description,omitempty"`
	Columns     []ColumnDoc       `json:"columns,omitempty"`
	Lineage     []string          `json:"lineage,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type UpsertTableContextInput struct {
	TableName   string
	Description string
	Columns     []ColumnDoc
	Lineage     []string
	Annotations map[string]string
}

type Repository interface {
	GetTableContext(ctx context.Context, tableName string) (TableContext, error)
	ListTableContexts(ctx context.Context) ([]TableContext, error)
	UpsertTableContext(ctx context.Context, in UpsertTableContextInput) (TableContext, error)
}
