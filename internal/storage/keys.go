package storage

import (
	"fmt"
	"strings"
)

// SnapshotKey is where a conversation's snapshot archive lives.
func SnapshotKey(conversationID string) string {
	return fmt.Sprintf("conversations/%s.json", sanitizeComponent(conversationID))
}

// ExportKey is where an episode's audit export lives.
func ExportKey(conversationID, episodeID string) string {
	return fmt.Sprintf("exports/%s/%s.parquet", sanitizeComponent(conversationID), sanitizeComponent(episodeID))
}

func sanitizeComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "unknown"
	}
	return value
}
