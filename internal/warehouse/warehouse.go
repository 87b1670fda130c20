// Package warehouse defines the connector contract the agent executes SQL
// through, plus the error taxonomy the self-correction loop keys on.
package warehouse

import (
	"context"
	"fmt"
	"time"
)

type ErrorKind string

const (
	KindSyntax          ErrorKind = "syntax"
	KindMissingRelation ErrorKind = "missing_relation"
	KindPermission      ErrorKind = "permission"
	KindTimeout         ErrorKind = "timeout"
	KindConnectionLost  ErrorKind = "connection_lost"
)

// Error is an execution failure the generation loop may correct and retry.
// All kinds are retryable within the episode's attempt budget.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("warehouse %s: %s", e.Kind, e.Message)
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

type RowSet struct {
	Columns  []string
	Rows     [][]any
	RowCount int
	Duration time.Duration
}

type ColumnInfo struct {
	Name     string
	DataType string
	Nullable bool
}

type SchemaInfo struct {
	Table   string
	Columns []ColumnInfo
}

type Connector interface {
	Execute(ctx context.Context, sql string) (RowSet, error)
	GetSchema(ctx context.Context, table string) (SchemaInfo, error)
	ListTables(ctx context.Context) ([]string, error)
}
