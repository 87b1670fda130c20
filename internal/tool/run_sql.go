package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/querysmith/querysmith/internal/warehouse"
)

type RunSQLInput struct {
	SQL string `json:"sql" jsonschema_description:"SQL query to execute. Read-only SELECT or WITH statements only."`
}

type runSQLOutput struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated,omitempty"`
}

// NewRunSQL builds the run_sql tool. SQL is screened before execution:
// a single read-only statement, capped result rows, per-call timeout.
func NewRunSQL(connector warehouse.Connector, maxRows int, timeout time.Duration) Definition {
	if maxRows <= 0 {
		maxRows = 1000
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return Definition{
		Name:        "run_sql",
		Description: "Execute a read-only SQL query against the warehouse and return the result rows.",
		Params:      ReflectParams[RunSQLInput](),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input RunSQLInput
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("decode run_sql arguments: %w", err)
			}
			sqlText, err := screenSQL(input.SQL)
			if err != nil {
				return "", err
			}

			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			rowSet, err := connector.Execute(execCtx, sqlText)
			if err != nil {
				return "", err
			}

			output := runSQLOutput{
				Columns:  rowSet.Columns,
				Rows:     rowSet.Rows,
				RowCount: rowSet.RowCount,
			}
			if len(output.Rows) > maxRows {
				output.Rows = output.Rows[:maxRows]
				output.RowCount = maxRows
				output.Truncated = true
			}
			encoded, err := json.Marshal(output)
			if err != nil {
				return "", fmt.Errorf("encode run_sql result: %w", err)
			}
			return string(encoded), nil
		},
	}
}

// screenSQL enforces the read-only policy: exactly one statement, starting
// with SELECT or WITH. Semicolons inside quoted literals and identifiers are
// not statement separators.
func screenSQL(sqlText string) (string, error) {
	trimmed := strings.TrimSpace(sqlText)
	if cut := bareSemicolon(trimmed); cut >= 0 {
		if rest := strings.Trim(trimmed[cut:], "; \t\r\n"); rest != "" {
			return "", fmt.Errorf("%w: multiple statements are not allowed", ErrQueryRejected)
		}
		trimmed = strings.TrimSpace(trimmed[:cut])
	}
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty statement", ErrQueryRejected)
	}

	firstWord := strings.ToUpper(strings.Fields(trimmed)[0])
	switch firstWord {
	case "SELECT", "WITH":
		return trimmed, nil
	default:
		return "", fmt.Errorf("%w: statement %q is not allowed, only SELECT and WITH", ErrQueryRejected, firstWord)
	}
}

// bareSemicolon returns the index of the first semicolon outside any
// single-quoted literal or double-quoted identifier, or -1 if none.
func bareSemicolon(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			i = skipQuoted(s, i, '\'')
		case '"':
			i = skipQuoted(s, i, '"')
		case ';':
			return i
		}
	}
	return -1
}

// skipQuoted returns the index of the closing quote, treating a doubled quote
// as an escape. An unterminated region runs to the end of the string; the
// warehouse reports the syntax error.
func skipQuoted(s string, start int, quote byte) int {
	for i := start + 1; i < len(s); i++ {
		if s[i] != quote {
			continue
		}
		if i+1 < len(s) && s[i+1] == quote {
			i++
			continue
		}
		return i
	}
	return len(s)
}
