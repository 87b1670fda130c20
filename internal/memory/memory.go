// Package memory persists learned query corrections and injects them back
// into future episodes.
package memory

import (
	"context"
	"fmt"
	"time"
)

// Scope partitions memories. The global scope is shared; user scopes are
// "user:<id>".
type Scope string

const ScopeGlobal Scope = "global"

func UserScope(userID string) Scope {
	return Scope("user:" + userID)
}

type Provenance struct {
	ConversationID string `json:"conversation_id"`
	TurnIndex      int    `json:"turn_index"`
}

type Record struct {
	Scope      Scope      `json:"scope"`
	Subject    string     `json:"subject"`
	Content    string     `json:"content"`
	Provenance Provenance `json:"provenance"`
	CreatedAt  time.Time  `json:"created_at"`
}

type Store interface {
	Read(ctx context.Context, scope Scope, query string, limit int) ([]Record, error)
	Write(ctx context.Context, record Record) error
}

// Correction captures a failed-then-fixed SQL pair from a successful episode.
type Correction struct {
	OriginalSQL  string
	CorrectedSQL string
	ErrorMessage string
	Explanation  string
}

// Content renders the correction in the canonical memory text form.
func (c Correction) Content() string {
	return fmt.Sprintf("Query Correction:\nOriginal: %s\nCorrected: %s\nError: %s\nExplanation: %s",
		c.OriginalSQL, c.CorrectedSQL, c.ErrorMessage, c.Explanation)
}
