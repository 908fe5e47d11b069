package dedup

import (
	"log/slog"
	"sort"

	"github.com/elee1766/btrdedup/pkg/catalog"
	"github.com/elee1766/btrdedup/pkg/config"
)

// Group is a candidate set of inodes that might be byte-identical:
// everything sharing one size, within one dedup run's volume set.
type Group struct {
	Size   int64
	Inodes []*catalog.Inode
}

// Grouper is the second pass: partitions a volume set's
// recently-updated inodes into size classes, each a candidate group
// for the Hasher to narrow further.
type Grouper struct {
	cat    *catalog.Catalog
	logger *slog.Logger
}

func NewGrouper(cat *catalog.Catalog, logger *slog.Logger) *Grouper {
	return &Grouper{cat: cat, logger: logger.With("component", "grouper")}
}

// Groups returns one Group per distinct size among volIDs' inodes
// still marked has_updates, each populated with every tracked inode of
// that size across volIDs — including inodes that weren't themselves
// touched by the last scan but share a size with one that was. Bounded
// to config.WindowSize inodes per group; an oversize group is logged
// and truncated rather than silently dropped, since the original's
// unbounded groups[50000:] slice was a known bug, not a feature.
// Groups are returned in descending size order so the Cloner recovers
// the biggest space savings first.
func (g *Grouper) Groups(volIDs map[int64]bool) ([]Group, error) {
	sizes := map[int64]bool{}
	for volID := range volIDs {
		updated, err := g.cat.ListUpdatedInodes(volID)
		if err != nil {
			return nil, err
		}
		for _, in := range updated {
			sizes[in.Size] = true
		}
	}

	var groups []Group
	for size := range sizes {
		all, err := g.cat.ListInodesBySize(size)
		if err != nil {
			return nil, err
		}

		var members []*catalog.Inode
		for _, in := range all {
			if volIDs[in.VolID] {
				members = append(members, in)
			}
		}
		if len(members) < 2 {
			continue
		}

		if len(members) > config.WindowSize {
			g.logger.Warn("size class exceeds window, truncating",
				"size", size, "count", len(members), "window", config.WindowSize)
			members = members[:config.WindowSize]
		}

		groups = append(groups, Group{Size: size, Inodes: members})
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Size > groups[j].Size })

	return groups, nil
}
