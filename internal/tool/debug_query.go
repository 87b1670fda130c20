package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/querysmith/querysmith/internal/warehouse"
)

type DebugQueryInput struct {
	SQL   string `json:"sql" jsonschema_description:"SQL query that failed."`
	Error string `json:"error" jsonschema_description:"Error message from the failed query."`
}

type debugQueryOutput struct {
	SQL         string   `json:"sql"`
	Error       string   `json:"error"`
	Suggestions []string `json:"suggestions"`
	Tables      []string `json:"tables,omitempty"`
}

// NewDebugQuery builds the debug_query tool. It performs no execution: it
// analyzes the error text and hands back revision hints plus the list of
// tables that actually exist.
func NewDebugQuery(connector warehouse.Connector) Definition {
	return Definition{
		Name:        "debug_query",
		Description: "Analyze a failed SQL query and provide suggestions for fixing it.",
		Params:      ReflectParams[DebugQueryInput](),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input DebugQueryInput
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("decode debug_query arguments: %w", err)
			}

			output := debugQueryOutput{
				SQL:         input.SQL,
				Error:       input.Error,
				Suggestions: suggestFixes(input.Error),
			}
			if connector != nil {
				// Best effort. A down warehouse should not break analysis.
				if tables, err := connector.ListTables(ctx); err == nil {
					output.Tables = tables
				}
			}

			encoded, err := json.Marshal(output)
			if err != nil {
				return "", fmt.Errorf("encode debug_query result: %w", err)
			}
			return string(encoded), nil
		},
	}
}

func suggestFixes(errorText string) []string {
	suggestions := make([]string, 0, 4)
	lower := strings.ToLower(errorText)

	if strings.Contains(lower, "syntax") {
		suggestions = append(suggestions,
			"Check for typos in SQL keywords",
			"Verify proper use of quotes and parentheses",
			"Ensure proper table and column names",
		)
	}
	if strings.Contains(lower, "relation") || strings.Contains(lower, "table") {
		suggestions = append(suggestions,
			"Verify the table exists",
			"Check if table name is spelled correctly",
			"Ensure proper schema prefix if required",
		)
	}
	if strings.Contains(lower, "column") {
		suggestions = append(suggestions,
			"Verify column names are correct",
			"Check for case sensitivity issues",
			"Ensure the column exists in the referenced table",
		)
	}
	if strings.Contains(lower, "permission") || strings.Contains(lower, "denied") {
		suggestions = append(suggestions, "Check user permissions for this operation")
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "canceled") {
		suggestions = append(suggestions,
			"Query may be taking too long, consider adding limits",
			"Check for missing indexes on join columns",
		)
	}
	if len(suggestions) == 0 {
		suggestions = append(suggestions, "Use search_tables to confirm the schema before revising the query")
	}
	return suggestions
}
