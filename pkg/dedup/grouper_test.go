package dedup

import (
	"log/slog"
	"testing"
)

func TestGrouperPartitionsBySizeAcrossVolumeSet(t *testing.T) {
	cat := newTestCatalog(t)
	g := NewGrouper(cat, slog.Default())

	fs, err := cat.GetOrCreateFilesystem("fs-uuid")
	if err != nil {
		t.Fatalf("create fs: %v", err)
	}
	volA, err := cat.GetOrCreateVolume(fs.ID, 1, 8<<20)
	if err != nil {
		t.Fatalf("create vol a: %v", err)
	}
	volB, err := cat.GetOrCreateVolume(fs.ID, 2, 8<<20)
	if err != nil {
		t.Fatalf("create vol b: %v", err)
	}

	// Two inodes of 16MiB across both volumes form a group; a lone
	// 4MiB inode does not, since nothing else shares its size.
	if err := cat.UpsertScannedInode(volA.ID, 100, 16<<20); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := cat.UpsertScannedInode(volB.ID, 200, 16<<20); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := cat.UpsertScannedInode(volA.ID, 101, 4<<20); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	volIDs := map[int64]bool{volA.ID: true, volB.ID: true}
	groups, err := g.Groups(volIDs)
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected exactly 1 group (the lone 4MiB inode has no peer), got %d: %+v", len(groups), groups)
	}
	if groups[0].Size != 16<<20 {
		t.Fatalf("expected group size 16MiB, got %d", groups[0].Size)
	}
	if len(groups[0].Inodes) != 2 {
		t.Fatalf("expected 2 members, got %d", len(groups[0].Inodes))
	}
}

func TestGrouperOrdersGroupsBySizeDescending(t *testing.T) {
	cat := newTestCatalog(t)
	g := NewGrouper(cat, slog.Default())

	fs, _ := cat.GetOrCreateFilesystem("fs-uuid")
	vol, _ := cat.GetOrCreateVolume(fs.ID, 1, 1<<20)

	if err := cat.UpsertScannedInode(vol.ID, 1, 2<<20); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := cat.UpsertScannedInode(vol.ID, 2, 2<<20); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := cat.UpsertScannedInode(vol.ID, 3, 8<<20); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := cat.UpsertScannedInode(vol.ID, 4, 8<<20); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := cat.UpsertScannedInode(vol.ID, 5, 4<<20); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := cat.UpsertScannedInode(vol.ID, 6, 4<<20); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	groups, err := g.Groups(map[int64]bool{vol.ID: true})
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	for i := 1; i < len(groups); i++ {
		if groups[i-1].Size < groups[i].Size {
			t.Fatalf("groups not in descending size order: %+v", groups)
		}
	}
	if groups[0].Size != 8<<20 {
		t.Fatalf("expected largest group first, got %d", groups[0].Size)
	}
}

func TestGrouperIgnoresVolumesOutsideTheRequestedSet(t *testing.T) {
	cat := newTestCatalog(t)
	g := NewGrouper(cat, slog.Default())

	fs, _ := cat.GetOrCreateFilesystem("fs-uuid")
	volA, _ := cat.GetOrCreateVolume(fs.ID, 1, 8<<20)
	volB, _ := cat.GetOrCreateVolume(fs.ID, 2, 8<<20)

	if err := cat.UpsertScannedInode(volA.ID, 100, 16<<20); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := cat.UpsertScannedInode(volB.ID, 200, 16<<20); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Only volA is in scope for this run, so the size class has a
	// single member and shouldn't be reported as a group.
	groups, err := g.Groups(map[int64]bool{volA.ID: true})
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no groups when only one volume is in scope, got %+v", groups)
	}
}
