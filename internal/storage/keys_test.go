package storage

import "testing"

func TestSnapshotKey(t *testing.T) {
	if got := SnapshotKey("conv-1"); got != "conversations/conv-1.json" {
		t.Fatalf("SnapshotKey() = %q", got)
	}
}

func TestExportKeySanitizesComponents(t *testing.T) {
	if got := ExportKey("../evil", "ep/1"); got != "exports/__evil/ep_1.parquet" {
		t.Fatalf("ExportKey() = %q", got)
	}
	if got := ExportKey("", ""); got != "exports/unknown/unknown.parquet" {
		t.Fatalf("ExportKey() = %q", got)
	}
}
