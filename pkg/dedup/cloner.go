package dedup

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/elee1766/btrdedup/pkg/catalog"
	"github.com/elee1766/btrdedup/pkg/config"
	"github.com/elee1766/btrdedup/pkg/fsprimitives"
)

// Cloner is the fourth and final pass: given a subgroup the Hasher
// has already narrowed to one mini-hash/fiemap-hash bucket, it
// opens every candidate, holds them immutable just long enough to take
// a strong digest and a byte-for-byte compare, and issues the actual
// extent-clone ioctl. An equal digest over unequal bytes is treated as
// a bug, never retried.
type Cloner struct {
	prim   *fsprimitives.Primitives
	cat    *catalog.Catalog
	logger *slog.Logger
}

func NewCloner(prim *fsprimitives.Primitives, cat *catalog.Catalog, logger *slog.Logger) *Cloner {
	return &Cloner{prim: prim, cat: cat, logger: logger.With("component", "cloner")}
}

// CloneResult summarizes the outcome of one Clone call for the
// Orchestrator's reporting and has_updates bookkeeping.
type CloneResult struct {
	// Processed holds every inode that reached a terminal,
	// non-deferred state (Source, Cloned destination, NoOp
	// destination, or an orphaned singleton digest bucket):
	// has_updates is cleared for these.
	Processed []*catalog.Inode
	// Skipped holds every inode deferred for a future run:
	// has_updates is left set.
	Skipped []*catalog.Inode
	// Deleted holds every inode withdrawn from the catalog (ENOENT,
	// or size fell below the volume's cutoff).
	Deleted []*catalog.Inode
	// ClonedCount is how many destinations actually had extents
	// replaced; NoOpCount how many were already fully shared.
	ClonedCount, NoOpCount int
}

type openCandidate struct {
	inode        *catalog.Inode
	vh           VolumeHandle
	file         *os.File
	flagRaised   bool
	wasImmutable bool
	digest       [sha1.Size]byte
}

// Clone drives one narrowed subgroup sharing size across vhByVol's
// volumes through open, immobilize, hash, and clone. budget is the
// number of descriptors the Orchestrator's fd accounting has
// available for this call; Clone itself never touches the rlimit.
func (cl *Cloner) Clone(fsID int64, size int64, members []*catalog.Inode, vhByVol map[int64]VolumeHandle, budget int) (*CloneResult, error) {
	result := &CloneResult{}

	required := 2 * len(members)
	if required > budget {
		cl.logger.Warn("size class exceeds fd budget, deferring intact",
			"size", size, "count", len(members), "required", required, "budget", budget)
		result.Skipped = append(result.Skipped, members...)
		return result, nil
	}

	cands, err := cl.openAll(members, vhByVol, result)

	// The scoped-resource block: every descriptor stays open, and every
	// raised immutable flag stays raised, until hashing, the final byte
	// compare, and the clone ioctl have all run. Restoration happens on
	// every exit path out of Clone, error included, tolerating
	// individual restore failures so the rest still get released.
	defer func() {
		for _, c := range cands {
			if c.flagRaised && !c.wasImmutable {
				if cerr := fsprimitives.ClearImmutable(c.file); cerr != nil {
					cl.logger.Warn("failed to restore immutable flag", "vol", c.inode.VolID, "ino", c.inode.Ino, "error", cerr)
				}
			}
			c.file.Close()
		}
	}()
	if err != nil {
		return nil, err
	}

	if len(cands) < 2 {
		for _, c := range cands {
			result.Processed = append(result.Processed, c.inode)
		}
		return result, nil
	}

	active, err := cl.immobilizeAndFilter(cands, result)
	if err != nil {
		return nil, err
	}

	hashed, err := cl.hashAndRecheck(active, size, result)
	if err != nil {
		return nil, err
	}

	buckets := bucketByDigest(hashed)
	for _, bucket := range buckets {
		if len(bucket) < 2 {
			result.Processed = append(result.Processed, bucket[0].inode)
			continue
		}
		if err := cl.cloneBucket(fsID, size, bucket, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// openAll resolves a path and opens a read-write descriptor for every
// member, routing recognized races to Skipped/Deleted. On error the
// descriptors opened so far are still returned so the caller's
// deferred release can close them.
func (cl *Cloner) openAll(members []*catalog.Inode, vhByVol map[int64]VolumeHandle, result *CloneResult) ([]*openCandidate, error) {
	var cands []*openCandidate
	for _, in := range members {
		vh, ok := vhByVol[in.VolID]
		if !ok {
			result.Skipped = append(result.Skipped, in)
			continue
		}

		path, err := fsprimitives.LookupInoPathOne(vh.File, in.Ino)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if derr := cl.deleteInode(in); derr != nil {
					return cands, derr
				}
				result.Deleted = append(result.Deleted, in)
				continue
			}
			result.Skipped = append(result.Skipped, in)
			continue
		}

		f, err := cl.prim.OpenReadWrite(vh.File, path)
		if err != nil {
			switch {
			case errors.Is(err, syscall.ETXTBSY), errors.Is(err, syscall.EACCES):
				result.Skipped = append(result.Skipped, in)
			case errors.Is(err, fs.ErrNotExist):
				if derr := cl.deleteInode(in); derr != nil {
					return cands, derr
				}
				result.Deleted = append(result.Deleted, in)
			default:
				return cands, newErr(KindIo, "open", err)
			}
			continue
		}

		cands = append(cands, &openCandidate{inode: in, vh: vh, file: f})
	}
	return cands, nil
}

// immobilizeAndFilter raises the immutable flag on every opened
// descriptor, then drops the ones some other process already held
// writable before the flag went up. Releasing the flags and closing
// the descriptors is Clone's deferred block, which runs only after
// hashing, comparing, and cloning are all finished.
func (cl *Cloner) immobilizeAndFilter(cands []*openCandidate, result *CloneResult) (active []*openCandidate, err error) {
	targets := map[fsprimitives.DevIno]bool{}
	byDevIno := map[fsprimitives.DevIno]*openCandidate{}

	for _, c := range cands {
		prev, serr := fsprimitives.SetImmutableReturningPrevious(c.file)
		if serr != nil {
			result.Skipped = append(result.Skipped, c.inode)
			continue
		}
		c.flagRaised = true
		c.wasImmutable = prev

		di, _, serr := fsprimitives.Stat(c.file)
		if serr != nil {
			result.Skipped = append(result.Skipped, c.inode)
			continue
		}
		targets[di] = true
		byDevIno[di] = c
	}

	writeUse, werr := fsprimitives.FdsInWriteUse(targets)
	if werr != nil {
		cl.logger.Warn("failed to scan for concurrent writers, deferring candidates conservatively", "error", werr)
		for _, c := range byDevIno {
			result.Skipped = append(result.Skipped, c.inode)
		}
		return nil, nil
	}

	for di, c := range byDevIno {
		if writeUse[di] {
			result.Skipped = append(result.Skipped, c.inode)
			continue
		}
		active = append(active, c)
	}
	return active, nil
}

// hashAndRecheck computes the strong digest for every active
// candidate and re-validates identity and size against the catalog
// record immediately afterward, the race-detection policy applied
// throughout the pipeline.
func (cl *Cloner) hashAndRecheck(active []*openCandidate, size int64, result *CloneResult) ([]*openCandidate, error) {
	var hashed []*openCandidate
	for _, c := range active {
		volDevIno, _, err := fsprimitives.Stat(c.vh.File)
		if err != nil {
			result.Skipped = append(result.Skipped, c.inode)
			continue
		}

		digest, err := sha1Sum(c.file, config.BufSize)
		if err != nil {
			result.Skipped = append(result.Skipped, c.inode)
			continue
		}

		di, length, err := fsprimitives.Stat(c.file)
		if err != nil {
			result.Skipped = append(result.Skipped, c.inode)
			continue
		}
		if di.Ino != c.inode.Ino || di.Dev != volDevIno.Dev {
			result.Skipped = append(result.Skipped, c.inode)
			continue
		}
		if length != size {
			if length < c.vh.SizeCutoff {
				if derr := cl.deleteInode(c.inode); derr != nil {
					return nil, derr
				}
				result.Deleted = append(result.Deleted, c.inode)
			} else {
				result.Skipped = append(result.Skipped, c.inode)
			}
			continue
		}

		c.digest = digest
		hashed = append(hashed, c)
	}
	return hashed, nil
}

// cloneBucket orders, compares, and clones one digest-equal subgroup:
// the first member (by (vol_id, ino), an arbitrary but deterministic
// order) becomes the source, every other member a destination.
func (cl *Cloner) cloneBucket(fsID int64, size int64, bucket []*openCandidate, result *CloneResult) error {
	sort.Slice(bucket, func(i, j int) bool {
		if bucket[i].inode.VolID != bucket[j].inode.VolID {
			return bucket[i].inode.VolID < bucket[j].inode.VolID
		}
		return bucket[i].inode.Ino < bucket[j].inode.Ino
	})

	src := bucket[0]
	var participants []catalog.DedupEventInode
	participants = append(participants, catalog.DedupEventInode{VolID: src.inode.VolID, Ino: src.inode.Ino})

	anySucceeded := false
	for _, dst := range bucket[1:] {
		equal, err := fsprimitives.CompareFiles(src.file, dst.file, config.BufSize)
		if err != nil {
			return newErr(KindIo, "compare", err)
		}
		if !equal {
			return newErr(KindHashCollision, "compare",
				fmt.Errorf("size %d vol=%d ino=%d and vol=%d ino=%d hashed equal but differ byte-for-byte",
					size, src.inode.VolID, src.inode.Ino, dst.inode.VolID, dst.inode.Ino))
		}

		cloned, err := fsprimitives.CloneData(dst.file, src.file, true)
		if err != nil {
			result.Skipped = append(result.Skipped, dst.inode)
			continue
		}
		if cloned {
			result.ClonedCount++
			anySucceeded = true
			participants = append(participants, catalog.DedupEventInode{VolID: dst.inode.VolID, Ino: dst.inode.Ino})
		} else {
			cl.logger.Debug("extents already shared, nothing to clone",
				"vol", dst.inode.VolID, "ino", dst.inode.Ino, "size", size)
			result.NoOpCount++
		}
		result.Processed = append(result.Processed, dst.inode)
	}

	result.Processed = append(result.Processed, src.inode)

	if anySucceeded {
		if _, err := cl.cat.RecordDedupEvent(fsID, size, time.Now().UTC(), participants); err != nil {
			return newErr(KindIo, "record_event", err)
		}
	}
	return nil
}

func (cl *Cloner) deleteInode(in *catalog.Inode) error {
	if err := cl.cat.DeleteInode(in.VolID, in.Ino); err != nil {
		return newErr(KindIo, "delete_inode", err)
	}
	return nil
}

func bucketByDigest(cands []*openCandidate) [][]*openCandidate {
	byDigest := map[[sha1.Size]byte][]*openCandidate{}
	var order [][sha1.Size]byte
	for _, c := range cands {
		if _, ok := byDigest[c.digest]; !ok {
			order = append(order, c.digest)
		}
		byDigest[c.digest] = append(byDigest[c.digest], c)
	}
	out := make([][]*openCandidate, 0, len(order))
	for _, d := range order {
		out = append(out, byDigest[d])
	}
	return out
}

func sha1Sum(f *os.File, bufSize int) ([sha1.Size]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return [sha1.Size]byte{}, err
	}
	h := sha1.New()
	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return [sha1.Size]byte{}, err
	}
	var out [sha1.Size]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}
