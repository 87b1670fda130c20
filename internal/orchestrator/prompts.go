package orchestrator

import (
	"fmt"
	"strings"

	"github.com/querysmith/querysmith/internal/assembler"
	"github.com/querysmith/querysmith/internal/memory"
)

const baseSystemPrompt = `You are QuerySmith, a data agent that answers natural language questions by querying the warehouse.

Your capabilities:
1. Search for relevant tables using the search_tables tool
2. Run read-only SQL queries using the run_sql tool
3. Debug and fix failed queries using the debug_query tool

Guidelines:
- Explore available tables before writing complex queries
- Provide clear explanations of your SQL
- If a query fails, revise it using the error message and the debug_query tool
- Return results in a user-friendly format`

// buildSystemPrompt folds the assembled context and injected memories into
// the agent's instructions.
func buildSystemPrompt(bundle assembler.Bundle, records []memory.Record) string {
	var sb strings.Builder
	sb.WriteString(baseSystemPrompt)

	if rendered := bundle.Render(); rendered != "" {
		sb.WriteString("\n\nWarehouse context:\n")
		sb.WriteString(rendered)
	}
	if len(records) > 0 {
		sb.WriteString("\n\nLearned corrections from past sessions:\n")
		for _, record := range records {
			sb.WriteString(record.Content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func exhaustedAnswerText(lastSQL, lastError string) string {
	return fmt.Sprintf("I could not verify an answer. Last attempted SQL:\n%s\n\nLast error: %s", lastSQL, lastError)
}

func fallbackSummary(rowCount int) string {
	if rowCount == 1 {
		return "The query succeeded and returned 1 row."
	}
	return fmt.Sprintf("The query succeeded and returned %d rows.", rowCount)
}
