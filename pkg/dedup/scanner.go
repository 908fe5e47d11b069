package dedup

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"github.com/elee1766/btrdedup/pkg/catalog"
	"github.com/elee1766/btrdedup/pkg/fsprimitives"
)

// inodeItem offsets within struct btrfs_inode_item (on-disk layout):
// generation at 0, transid at 8, size at 16, mode at 52. mode is a
// plain POSIX mode_t; the file-type bits live in S_IFMT.
const (
	inodeItemGenerationOffset = 0
	inodeItemSizeOffset       = 16
	inodeItemModeOffset       = 52
	inodeItemMinLen           = 56

	modeTypeMask = 0170000
	modeTypeReg  = 0100000
)

// Scanner is the first pass of the pipeline: an incremental tree-search
// over a volume's INODE_ITEMs, gated by the generation the volume was
// last tracked at, recording every regular file whose size clears the
// cutoff as has_updates for the Grouper to pick up.
type Scanner struct {
	prim   *fsprimitives.Primitives
	cat    *catalog.Catalog
	logger *slog.Logger
}

func NewScanner(prim *fsprimitives.Primitives, cat *catalog.Catalog, logger *slog.Logger) *Scanner {
	return &Scanner{prim: prim, cat: cat, logger: logger.With("component", "scanner")}
}

// ScanResult summarizes one volume scan for CLI reporting.
type ScanResult struct {
	InodesSeen    int
	InodesTracked int
	InodesRemoved int
	NewGeneration uint64
}

// Scan walks vol's fs tree for inodes touched after its tracked
// generation cursor (or every inode, when the cutoff shrank), updating
// the Catalog's Inode rows and advancing the cursor to the root
// generation read before the walk began.
func (s *Scanner) Scan(vol *catalog.Volume, mountFile *os.File) (*ScanResult, error) {
	topGeneration, err := fsprimitives.RootGeneration(mountFile, vol.RootID)
	if err != nil {
		return nil, newErr(KindScanInterrupted, "scan", err)
	}

	// Only pick up where the last scan left off if the cutoff hasn't
	// shrunk since; a shrinking cutoff can expose files that were
	// always below the old cutoff and were therefore never tracked,
	// however old their generation, so the only sound move is a full
	// re-walk.
	var minGeneration uint64
	cutoffUnchangedOrGrew := vol.LastTrackedSizeCutoff.Valid && vol.LastTrackedSizeCutoff.Int64 <= vol.SizeCutoff
	if cutoffUnchangedOrGrew {
		minGeneration = vol.LastTrackedGeneration + 1
	} else {
		minGeneration = 0
	}

	res := &ScanResult{NewGeneration: topGeneration}

	if minGeneration > topGeneration {
		if err := s.cat.AdvanceVolumeCursor(vol.ID, topGeneration, vol.SizeCutoff); err != nil {
			return nil, fmt.Errorf("advance cursor: %w", err)
		}
		return res, nil
	}

	results, err := fsprimitives.TreeSearch(mountFile, fsprimitives.SearchSpec{
		TreeID:      0, // the fs tree of the open fd
		MinObjectID: fsprimitives.FirstFreeObjectID,
		MaxObjectID: ^uint64(0),
		MinType:     fsprimitives.InodeItemKey,
		MaxType:     fsprimitives.InodeItemKey,
		MinTransID:  minGeneration,
	})
	if err != nil {
		return nil, newErr(KindScanInterrupted, "scan", err)
	}

	for _, item := range results {
		res.InodesSeen++
		if len(item.Data) < inodeItemMinLen {
			continue
		}

		ino := item.ObjectID
		size := int64(binary.LittleEndian.Uint64(item.Data[inodeItemSizeOffset : inodeItemSizeOffset+8]))
		generation := binary.LittleEndian.Uint64(item.Data[inodeItemGenerationOffset : inodeItemGenerationOffset+8])
		mode := binary.LittleEndian.Uint32(item.Data[inodeItemModeOffset : inodeItemModeOffset+4])

		if mode&modeTypeMask != modeTypeReg {
			continue
		}

		if size < vol.SizeCutoff {
			continue
		}

		// Above (or at) the size cutoff that produced the last tracked
		// generation, gate on the inode's own stacked generation
		// strictly exceeding that generation; otherwise (the cutoff
		// shrank, or this inode only now clears it) gate on the lower
		// bound driving this search.
		if vol.LastTrackedSizeCutoff.Valid && size >= vol.LastTrackedSizeCutoff.Int64 {
			if generation <= vol.LastTrackedGeneration {
				continue
			}
		} else {
			if generation < minGeneration {
				continue
			}
		}

		if _, err := fsprimitives.LookupInoPathOne(mountFile, ino); err != nil {
			// Any lookup failure, not only ENOENT, withdraws the row:
			// a persistently-failing lookup must not leave a stale row
			// behind once the generation cursor advances past it.
			if derr := s.cat.DeleteInode(vol.ID, ino); derr != nil {
				return nil, newErr(KindIo, "scan", derr)
			}
			res.InodesRemoved++
			s.logger.Debug("path lookup failed, inode withdrawn", "ino", ino, "error", err)
			continue
		}

		if err := s.cat.UpsertScannedInode(vol.ID, ino, size); err != nil {
			return nil, newErr(KindIo, "scan", err)
		}
		res.InodesTracked++
	}

	if err := s.cat.AdvanceVolumeCursor(vol.ID, res.NewGeneration, vol.SizeCutoff); err != nil {
		return nil, fmt.Errorf("advance cursor: %w", err)
	}

	return res, nil
}
