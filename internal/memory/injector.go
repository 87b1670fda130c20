package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/querysmith/querysmith/internal/observability"
)

// Injector sits between the orchestrator and the store. Reads and writes are
// both best effort: memory must never fail an episode.
type Injector struct {
	store  Store
	logger *slog.Logger
	limit  int
}

func NewInjector(store Store, logger *slog.Logger, limit int) *Injector {
	if limit <= 0 {
		limit = 5
	}
	return &Injector{store: store, logger: logger, limit: limit}
}

// Fetch returns relevant memories for the scope and question. On failure it
// logs and returns an empty slice.
func (i *Injector) Fetch(ctx context.Context, scope Scope, question string) []Record {
	records, err := i.store.Read(ctx, scope, question, i.limit)
	if err != nil {
		i.logger.WarnContext(ctx, "memory_fetch_failed",
			slog.String("scope", string(scope)),
			slog.String("error", err.Error()),
		)
		return []Record{}
	}
	return records
}

// SaveCorrection persists a correction derived from a successful episode
// that needed at least one retry. Failures are logged only.
func (i *Injector) SaveCorrection(ctx context.Context, scope Scope, subject string, correction Correction, provenance Provenance) {
	record := Record{
		Scope:      scope,
		Subject:    subject,
		Content:    correction.Content(),
		Provenance: provenance,
		CreatedAt:  time.Now().UTC(),
	}
	if err := i.store.Write(ctx, record); err != nil {
		observability.IncrementMemoryWrite("error")
		i.logger.WarnContext(ctx, "memory_write_failed",
			slog.String("scope", string(scope)),
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		return
	}
	observability.IncrementMemoryWrite("ok")
}
