package conversation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/querysmith/querysmith/internal/storage"
)

// Archive persists conversation snapshots to the object store so sessions
// survive process restarts. Saving is best effort: failures are logged and
// never fail the episode that triggered them.
type Archive struct {
	store  storage.ObjectStore
	logger *slog.Logger
}

func NewArchive(store storage.ObjectStore, logger *slog.Logger) *Archive {
	return &Archive{store: store, logger: logger}
}

func (a *Archive) Save(ctx context.Context, conversationID string, snapshot []byte) {
	key := storage.SnapshotKey(conversationID)
	_, err := a.store.Put(ctx, key, bytes.NewReader(snapshot), int64(len(snapshot)), storage.PutOptions{
		ContentType: "application/json",
	})
	if err != nil {
		a.logger.WarnContext(ctx, "snapshot_archive_failed",
			slog.String("conversation_id", conversationID),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.DebugContext(ctx, "snapshot_archived",
		slog.String("conversation_id", conversationID),
		slog.String("key", key),
	)
}

func (a *Archive) Load(ctx context.Context, conversationID string) ([]byte, error) {
	reader, err := a.store.Get(ctx, storage.SnapshotKey(conversationID))
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %q: %w", conversationID, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot for %q: %w", conversationID, err)
	}
	return data, nil
}
