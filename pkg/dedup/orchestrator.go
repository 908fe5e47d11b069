package dedup

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.uber.org/fx"

	"github.com/elee1766/btrdedup/pkg/catalog"
	"github.com/elee1766/btrdedup/pkg/fsprimitives"
)

// Module provides *Orchestrator to the fx graph; NewOrchestrator builds
// its constituent passes itself.
var Module = fx.Module("dedup",
	fx.Provide(NewOrchestrator),
)

// Orchestrator is the top-level driver: for one volume set it opens
// every volume's descriptor, runs the Scanner over each, then drives
// Grouper -> Hasher -> Cloner across the whole set, accumulating the
// skipped list, whose inodes keep has_updates set for the next run.
type Orchestrator struct {
	prim    *fsprimitives.Primitives
	cat     *catalog.Catalog
	scanner *Scanner
	grouper *Grouper
	hasher  *Hasher
	cloner  *Cloner
	logger  *slog.Logger
}

func NewOrchestrator(prim *fsprimitives.Primitives, cat *catalog.Catalog, logger *slog.Logger) *Orchestrator {
	logger = logger.With("component", "orchestrator")
	return &Orchestrator{
		prim:    prim,
		cat:     cat,
		scanner: NewScanner(prim, cat, logger),
		grouper: NewGrouper(cat, logger),
		hasher:  NewHasher(prim, cat, logger),
		cloner:  NewCloner(prim, cat, logger),
		logger:  logger,
	}
}

// VolumeTarget names one subvolume to include in a run: the mountpoint
// to open it at, and the size cutoff to apply if it has never been
// seen before.
type VolumeTarget struct {
	MountPath         string
	DefaultSizeCutoff int64
}

// ScanSummary reports one volume's Scanner pass for CLI output.
type ScanSummary struct {
	Volume *catalog.Volume
	Result *ScanResult
}

// RunScan drives the Scanner alone over each target (the `scan-vol`
// CLI surface): opens the volume, resolves or creates its Catalog
// row, and runs one incremental scan.
func (o *Orchestrator) RunScan(targets []VolumeTarget) ([]ScanSummary, error) {
	var out []ScanSummary
	for _, t := range targets {
		vh, vol, err := o.openVolume(t)
		if err != nil {
			return out, err
		}

		res, err := o.scanner.Scan(vol, vh.File)
		vh.File.Close()
		if err != nil {
			return out, fmt.Errorf("scan %s: %w", t.MountPath, err)
		}
		out = append(out, ScanSummary{Volume: vol, Result: res})
	}
	return out, nil
}

// DedupSummary reports the outcome of one RunDedup call for CLI
// output and tests.
type DedupSummary struct {
	GroupsExamined int
	ClonedCount    int
	NoOpCount      int
	SkippedCount   int
	DeletedCount   int
}

// RunDedup drives the full pipeline over the volumes named by
// targets: scan each, then Grouper -> Hasher -> Cloner across their
// combined, currently-has-updates inode set. Each run rescans before
// deduping so it reflects the filesystem's current state.
func (o *Orchestrator) RunDedup(targets []VolumeTarget) (*DedupSummary, error) {
	summary := &DedupSummary{}

	vhByVol := map[int64]VolumeHandle{}
	volIDs := map[int64]bool{}
	var fsID int64 = -1

	defer func() {
		for _, vh := range vhByVol {
			vh.File.Close()
		}
	}()

	for _, t := range targets {
		vh, vol, err := o.openVolume(t)
		if err != nil {
			return summary, err
		}
		if fsID == -1 {
			fsID = vol.FsID
		} else if fsID != vol.FsID {
			return summary, fmt.Errorf("volume %s belongs to a different filesystem than the rest of the set", t.MountPath)
		}

		if _, err := o.scanner.Scan(vol, vh.File); err != nil {
			return summary, fmt.Errorf("scan %s: %w", t.MountPath, err)
		}

		vhByVol[vol.ID] = vh
		volIDs[vol.ID] = true
	}

	if len(vhByVol) == 0 {
		return summary, nil
	}

	budget, err := fdBudget(len(vhByVol))
	if err != nil {
		return summary, fmt.Errorf("fd budget: %w", err)
	}

	if err := o.cat.RelaxDurability(); err != nil {
		return summary, fmt.Errorf("relax durability: %w", err)
	}
	defer func() {
		if err := o.cat.RestoreDurability(); err != nil {
			o.logger.Error("failed to restore catalog durability", "error", err)
		}
	}()

	groups, err := o.grouper.Groups(volIDs)
	if err != nil {
		return summary, fmt.Errorf("group: %w", err)
	}

	var allSkipped []*catalog.Inode

	for _, group := range groups {
		summary.GroupsExamined++

		subgroups, err := o.hasher.Narrow(vhByVol, group)
		if err != nil {
			if !aborting(err) {
				o.logger.Warn("deferring size class after recoverable failure", "size", group.Size, "error", err)
				allSkipped = append(allSkipped, group.Inodes...)
				continue
			}
			return summary, fmt.Errorf("narrow size %d: %w", group.Size, err)
		}

		for _, members := range subgroups {
			if len(members) < 2 {
				if len(members) == 1 {
					if err := o.cat.ClearHasUpdates(members[0].VolID, members[0].Ino); err != nil {
						return summary, fmt.Errorf("clear has_updates: %w", err)
					}
				}
				continue
			}

			res, err := o.cloner.Clone(fsID, group.Size, members, vhByVol, budget)
			if err != nil {
				if !aborting(err) {
					o.logger.Warn("deferring subgroup after recoverable failure", "size", group.Size, "error", err)
					allSkipped = append(allSkipped, members...)
					continue
				}
				return summary, fmt.Errorf("clone size %d: %w", group.Size, err)
			}

			summary.ClonedCount += res.ClonedCount
			summary.NoOpCount += res.NoOpCount
			summary.DeletedCount += len(res.Deleted)
			allSkipped = append(allSkipped, res.Skipped...)

			for _, in := range res.Processed {
				if err := o.cat.ClearHasUpdates(in.VolID, in.Ino); err != nil {
					return summary, fmt.Errorf("clear has_updates: %w", err)
				}
			}
		}
	}

	// Deferred candidates keep has_updates set so a future run retries
	// them; nothing to do here but count them, since has_updates was
	// never cleared for anything in allSkipped.
	summary.SkippedCount = len(allSkipped)

	return summary, nil
}

// openVolume resolves t.MountPath to its (Filesystem, Volume) catalog
// rows, recording this observation in VolumePathHistory, and returns
// an open read-only handle to the subvolume root for the ioctls the
// rest of the pipeline needs.
func (o *Orchestrator) openVolume(t VolumeTarget) (VolumeHandle, *catalog.Volume, error) {
	f, err := os.Open(t.MountPath)
	if err != nil {
		return VolumeHandle{}, nil, fmt.Errorf("open %s: %w", t.MountPath, err)
	}

	info, err := fsprimitives.GetFilesystemInfo(f)
	if err != nil {
		f.Close()
		return VolumeHandle{}, nil, fmt.Errorf("fs info %s: %w", t.MountPath, err)
	}
	rootID, err := fsprimitives.RootID(f)
	if err != nil {
		f.Close()
		return VolumeHandle{}, nil, fmt.Errorf("root id %s: %w", t.MountPath, err)
	}

	fs, err := o.cat.GetOrCreateFilesystem(info.UUID)
	if err != nil {
		f.Close()
		return VolumeHandle{}, nil, fmt.Errorf("get fs: %w", err)
	}
	vol, err := o.cat.GetOrCreateVolume(fs.ID, rootID, t.DefaultSizeCutoff)
	if err != nil {
		f.Close()
		return VolumeHandle{}, nil, fmt.Errorf("get vol: %w", err)
	}
	if err := o.cat.RecordVolumePath(vol.ID, t.MountPath, time.Now().UTC()); err != nil {
		f.Close()
		return VolumeHandle{}, nil, fmt.Errorf("record path: %w", err)
	}

	if device, derr := o.prim.DescribeDevice(t.MountPath); derr != nil {
		o.logger.Debug("could not resolve backing device", "path", t.MountPath, "error", derr)
	} else {
		o.logger.Info("opened volume", "path", t.MountPath, "root_id", rootID, "device", device)
	}

	return VolumeHandle{VolID: vol.ID, File: f, SizeCutoff: vol.SizeCutoff}, vol, nil
}
