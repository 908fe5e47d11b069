package catalog

import (
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	cat := &Catalog{conn: conn, logger: slog.Default()}
	if err := cat.init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return cat
}

func TestGetOrCreateFilesystemIsIdempotent(t *testing.T) {
	cat := newTestCatalog(t)

	a, err := cat.GetOrCreateFilesystem("aaaaaaaa-0000-0000-0000-000000000000")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := cat.GetOrCreateFilesystem("aaaaaaaa-0000-0000-0000-000000000000")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("expected same filesystem row, got ids %d and %d", a.ID, b.ID)
	}

	all, err := cat.ListFilesystems()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 filesystem, got %d", len(all))
	}
}

func TestVolumeLifecycle(t *testing.T) {
	cat := newTestCatalog(t)

	fs, err := cat.GetOrCreateFilesystem("fs-uuid")
	if err != nil {
		t.Fatalf("create fs: %v", err)
	}

	vol, err := cat.GetOrCreateVolume(fs.ID, 256, 8<<20)
	if err != nil {
		t.Fatalf("create vol: %v", err)
	}
	if vol.SizeCutoff != 8<<20 {
		t.Fatalf("expected default cutoff, got %d", vol.SizeCutoff)
	}

	again, err := cat.GetOrCreateVolume(fs.ID, 256, 99)
	if err != nil {
		t.Fatalf("get vol: %v", err)
	}
	if again.ID != vol.ID || again.SizeCutoff != 8<<20 {
		t.Fatalf("expected existing volume to be returned unchanged, got %+v", again)
	}

	if err := cat.AdvanceVolumeCursor(vol.ID, 42, 8<<20); err != nil {
		t.Fatalf("advance: %v", err)
	}
	refreshed, err := cat.GetVolume(fs.ID, 256)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if refreshed.LastTrackedGeneration != 42 {
		t.Fatalf("expected generation 42, got %d", refreshed.LastTrackedGeneration)
	}
	if !refreshed.LastTrackedSizeCutoff.Valid || refreshed.LastTrackedSizeCutoff.Int64 != 8<<20 {
		t.Fatalf("expected tracked cutoff to be recorded, got %+v", refreshed.LastTrackedSizeCutoff)
	}

	if err := cat.UpsertScannedInode(vol.ID, 300, 16<<20); err != nil {
		t.Fatalf("upsert inode: %v", err)
	}

	if err := cat.ForgetVolume(vol.ID); err != nil {
		t.Fatalf("forget: %v", err)
	}
	forgotten, err := cat.GetVolume(fs.ID, 256)
	if err != nil {
		t.Fatalf("reload after forget: %v", err)
	}
	if forgotten.LastTrackedGeneration != 0 || forgotten.LastTrackedSizeCutoff.Valid {
		t.Fatalf("expected cursor reset after forget, got %+v", forgotten)
	}
	updated, err := cat.ListUpdatedInodes(vol.ID)
	if err != nil {
		t.Fatalf("list updated: %v", err)
	}
	if len(updated) != 0 {
		t.Fatalf("expected inodes cleared by forget, got %d", len(updated))
	}
}

func TestVolumePathHistory(t *testing.T) {
	cat := newTestCatalog(t)

	fs, _ := cat.GetOrCreateFilesystem("fs-uuid")
	vol, _ := cat.GetOrCreateVolume(fs.ID, 5, 8<<20)

	if err := cat.RecordVolumePath(vol.ID, "/mnt/a", time.Now()); err != nil {
		t.Fatalf("record path: %v", err)
	}
	if err := cat.RecordVolumePath(vol.ID, "/mnt/b", time.Now()); err != nil {
		t.Fatalf("record path 2: %v", err)
	}
	// Re-observing the same path should not duplicate the row.
	if err := cat.RecordVolumePath(vol.ID, "/mnt/a", time.Now()); err != nil {
		t.Fatalf("re-record path: %v", err)
	}

	paths, err := cat.ListVolumePaths(vol.ID)
	if err != nil {
		t.Fatalf("list paths: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 distinct paths, got %d: %v", len(paths), paths)
	}
}

func TestInodeScanAndHashFlow(t *testing.T) {
	cat := newTestCatalog(t)

	fs, _ := cat.GetOrCreateFilesystem("fs-uuid")
	volA, _ := cat.GetOrCreateVolume(fs.ID, 1, 8<<20)
	volB, _ := cat.GetOrCreateVolume(fs.ID, 2, 8<<20)

	if err := cat.UpsertScannedInode(volA.ID, 100, 16<<20); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if err := cat.UpsertScannedInode(volB.ID, 200, 16<<20); err != nil {
		t.Fatalf("upsert b: %v", err)
	}
	if err := cat.UpsertScannedInode(volA.ID, 101, 4<<20); err != nil {
		t.Fatalf("upsert c: %v", err)
	}

	bySize, err := cat.ListInodesBySize(16 << 20)
	if err != nil {
		t.Fatalf("list by size: %v", err)
	}
	if len(bySize) != 2 {
		t.Fatalf("expected 2 inodes of size 16MiB, got %d", len(bySize))
	}

	if err := cat.SetMiniHash(volA.ID, 100, 555); err != nil {
		t.Fatalf("set mini hash: %v", err)
	}
	if err := cat.SetFiemapHash(volA.ID, 100, 777); err != nil {
		t.Fatalf("set fiemap hash: %v", err)
	}

	byMini, err := cat.ListInodesByMiniHash(16<<20, 555)
	if err != nil {
		t.Fatalf("list by mini hash: %v", err)
	}
	if len(byMini) != 1 || byMini[0].Ino != 100 {
		t.Fatalf("expected exactly inode 100, got %+v", byMini)
	}

	if err := cat.ClearHasUpdates(volA.ID, 100); err != nil {
		t.Fatalf("clear has_updates: %v", err)
	}
	updated, err := cat.ListUpdatedInodes(volA.ID)
	if err != nil {
		t.Fatalf("list updated: %v", err)
	}
	for _, in := range updated {
		if in.Ino == 100 {
			t.Fatalf("expected inode 100 to have has_updates cleared")
		}
	}

	if err := cat.DeleteInode(volA.ID, 101); err != nil {
		t.Fatalf("delete inode: %v", err)
	}
	remaining, err := cat.ListInodesBySize(4 << 20)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected inode 101 gone, got %+v", remaining)
	}
}

func TestDedupEventAudit(t *testing.T) {
	cat := newTestCatalog(t)

	fs, _ := cat.GetOrCreateFilesystem("fs-uuid")
	volA, _ := cat.GetOrCreateVolume(fs.ID, 1, 8<<20)
	volB, _ := cat.GetOrCreateVolume(fs.ID, 2, 8<<20)

	id, err := cat.RecordDedupEvent(fs.ID, 16<<20, time.Now().UTC(), []DedupEventInode{
		{VolID: volA.ID, Ino: 100},
		{VolID: volB.ID, Ino: 200},
	})
	if err != nil {
		t.Fatalf("record event: %v", err)
	}

	events, err := cat.ListDedupEventsByFilesystem(fs.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].ID != id {
		t.Fatalf("expected 1 event with id %d, got %+v", id, events)
	}

	n, err := cat.CountDedupEventInodes(id)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 participant rows, got %d", n)
	}

	gain := events[0].EstimatedSpaceGain(n)
	if gain != 16<<20 {
		t.Fatalf("expected space gain of one item size, got %d", gain)
	}
}
