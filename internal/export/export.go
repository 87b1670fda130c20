// Package export writes episode audit records as parquet objects for
// offline analysis of answer quality and retry behavior.
package export

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/querysmith/querysmith/internal/storage"
)

// AuditRecord captures the terminal outcome of one episode.
type AuditRecord struct {
	ConversationID string
	EpisodeID      string
	Question       string
	Status         string
	FatalReason    string
	Attempts       int
	SQL            string
	LastError      string
	StartedUnixMs  int64
	DurationMs     int64
}

type auditRow struct {
	ConversationID string `parquet:"conversation_id"`
	EpisodeID      string `parquet:"episode_id"`
	Question       string `parquet:"question"`
	Status         string `parquet:"status"`
	FatalReason    string `parquet:"fatal_reason"`
	Attempts       int32  `parquet:"attempts"`
	SQL            string `parquet:"sql"`
	LastError      string `parquet:"last_error"`
	StartedUnixMs  int64  `parquet:"started_unix_ms"`
	DurationMs     int64  `parquet:"duration_ms"`
}

// EncodeAuditRecords serializes records into a single parquet payload.
func EncodeAuditRecords(records []AuditRecord) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("records are required")
	}

	rows := make([]auditRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, auditRow{
			ConversationID: record.ConversationID,
			EpisodeID:      record.EpisodeID,
			Question:       record.Question,
			Status:         record.Status,
			FatalReason:    record.FatalReason,
			Attempts:       int32(record.Attempts),
			SQL:            record.SQL,
			LastError:      record.LastError,
			StartedUnixMs:  record.StartedUnixMs,
			DurationMs:     record.DurationMs,
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[auditRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Sink buffers audit records and flushes them to the object store in
// batches. Recording never fails the request path; flush errors are logged
// and the batch is retried on the next flush.
type Sink struct {
	store      storage.ObjectStore
	logger     *slog.Logger
	flushEvery int

	mu      sync.Mutex
	pending []AuditRecord
}

func NewSink(store storage.ObjectStore, logger *slog.Logger, flushEvery int) *Sink {
	if flushEvery <= 0 {
		flushEvery = 50
	}
	return &Sink{store: store, logger: logger, flushEvery: flushEvery}
}

// Record buffers one audit record and flushes when the batch is full.
func (s *Sink) Record(ctx context.Context, record AuditRecord) {
	s.mu.Lock()
	s.pending = append(s.pending, record)
	full := len(s.pending) >= s.flushEvery
	s.mu.Unlock()

	if full {
		if err := s.Flush(ctx); err != nil {
			s.logger.ErrorContext(ctx, "audit_flush_failed", slog.String("error", err.Error()))
		}
	}
}

// Flush writes all buffered records as one parquet object. The batch is
// re-queued on failure.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	payload, err := EncodeAuditRecords(batch)
	if err != nil {
		s.requeue(batch)
		return fmt.Errorf("encode audit batch: %w", err)
	}

	batchID := fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405Z"), uuid.NewString())
	key := storage.ExportKey("audit", batchID)
	if _, err := s.store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{
		ContentType: "application/vnd.apache.parquet",
	}); err != nil {
		s.requeue(batch)
		return fmt.Errorf("put audit batch %q: %w", key, err)
	}

	s.logger.InfoContext(ctx, "audit_batch_flushed",
		slog.String("key", key),
		slog.Int("records", len(batch)),
	)
	return nil
}

// Pending reports how many records are buffered.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Sink) requeue(batch []AuditRecord) {
	s.mu.Lock()
	s.pending = append(batch, s.pending...)
	s.mu.Unlock()
}
