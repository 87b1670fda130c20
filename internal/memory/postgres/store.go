// Package postgres persists memory records in the application database.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/querysmith/querysmith/internal/memory"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping memory db: %w", err)
	}
	return nil
}

// Read returns the newest records in scope whose subject or content matches
// the query text. Vector ranking lives in the retrieval service; this is the
// durable store of record.
func (s *Store) Read(ctx context.Context, scope memory.Scope, query string, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT scope, subject, content, conversation_id, turn_index, created_at
FROM memory_record
WHERE scope = $1
  AND ($2 = '' OR subject ILIKE '%' || $2 || '%' OR content ILIKE '%' || $2 || '%')
ORDER BY created_at DESC
LIMIT $3`, string(scope), query, limit)
	if err != nil {
		return nil, fmt.Errorf("read memory records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]memory.Record, 0)
	for rows.Next() {
		var record memory.Record
		if err := rows.Scan(
			&record.Scope,
			&record.Subject,
			&record.Content,
			&record.Provenance.ConversationID,
			&record.Provenance.TurnIndex,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan memory record row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory record rows: %w", err)
	}
	return records, nil
}

func (s *Store) Write(ctx context.Context, record memory.Record) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO memory_record (scope, subject, content, conversation_id, turn_index, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		string(record.Scope),
		record.Subject,
		record.Content,
		record.Provenance.ConversationID,
		record.Provenance.TurnIndex,
		record.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("write memory record: %w", err)
	}
	return nil
}
