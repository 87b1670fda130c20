package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/querysmith/querysmith/internal/metadata"
	"github.com/querysmith/querysmith/internal/retrieval"
)

type SearchTablesInput struct {
	Query string `json:"query" jsonschema_description:"Natural language description of the data you are looking for."`
	TopK  int    `json:"top_k,omitempty" jsonschema_description:"Maximum number of tables to return (default 5)."`
}

type tableMatch struct {
	Table       string               `json:"table"`
	Score       float64              `json:"score"`
	Description string               `json:"description,omitempty"`
	Columns     []metadata.ColumnDoc `json:"columns,omitempty"`
}

// NewSearchTables builds the search_tables tool. Retrieval ranks candidate
// tables; the metadata repository enriches each hit with column docs when it
// has an entry for the table.
func NewSearchTables(searcher retrieval.Searcher, repo metadata.Repository) Definition {
	return Definition{
		Name:        "search_tables",
		Description: "Find warehouse tables relevant to a natural language question, with schema documentation.",
		Params:      ReflectParams[SearchTablesInput](),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input SearchTablesInput
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("decode search_tables arguments: %w", err)
			}
			topK := input.TopK
			if topK <= 0 {
				topK = 5
			}

			hits, err := searcher.Search(ctx, retrieval.Query{
				Text:   input.Query,
				Source: retrieval.SourceTable,
				TopK:   topK,
			})
			if err != nil {
				return "", fmt.Errorf("search tables: %w", err)
			}

			matches := make([]tableMatch, 0, len(hits))
			for _, hit := range hits {
				match := tableMatch{Table: tableNameFromOrigin(hit.OriginID), Score: hit.Score, Description: hit.Text}
				if repo != nil {
					tc, err := repo.GetTableContext(ctx, match.Table)
					if err == nil {
						if tc.Description != "" {
							match.Description = tc.Description
						}
						match.Columns = tc.Columns
					} else if !errors.Is(err, metadata.ErrNotFound) {
						return "", fmt.Errorf("load table context for %q: %w", match.Table, err)
					}
				}
				matches = append(matches, match)
			}

			encoded, err := json.Marshal(map[string]any{"tables": matches})
			if err != nil {
				return "", fmt.Errorf("encode search_tables result: %w", err)
			}
			return string(encoded), nil
		},
	}
}

// tableNameFromOrigin strips the index prefix, e.g. "table:orders" -> "orders".
func tableNameFromOrigin(originID string) string {
	const prefix = "table:"
	if len(originID) > len(prefix) && originID[:len(prefix)] == prefix {
		return originID[len(prefix):]
	}
	return originID
}
