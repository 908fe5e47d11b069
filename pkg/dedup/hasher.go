package dedup

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/cespare/xxhash/v2"

	"github.com/elee1766/btrdedup/pkg/catalog"
	"github.com/elee1766/btrdedup/pkg/config"
	"github.com/elee1766/btrdedup/pkg/fsprimitives"
)

// isStale reports whether err is the KindStaleInode error staleOrErr
// constructs for an ENOENT target; every other error must propagate.
func isStale(err error) bool {
	var derr *Error
	return errors.As(err, &derr) && derr.Kind == KindStaleInode
}

// Hasher is the third pass: narrows a size-class Group down to
// subgroups worth a full byte compare, in two stages that get
// progressively more expensive to compute.
//
//  1. mini-hash: xxhash over the first config.BufSize bytes of the
//     file. Cheap, and enough to split a size class into groups that
//     are actually worth a fiemap call.
//  2. fiemap-hash: xxhash over the sequence of extent lengths and
//     shared-flags. Narrow keys its subgroups on both signatures, so
//     files whose content is byte-identical but whose extent layout
//     differs (e.g. one was rewritten in place) land in different
//     subgroups and are not cloned against each other in this run.
type Hasher struct {
	prim   *fsprimitives.Primitives
	cat    *catalog.Catalog
	logger *slog.Logger
}

func NewHasher(prim *fsprimitives.Primitives, cat *catalog.Catalog, logger *slog.Logger) *Hasher {
	return &Hasher{prim: prim, cat: cat, logger: logger.With("component", "hasher")}
}

// staleOrErr deletes the stale Inode row when path resolution fails
// with ENOENT; any other failure is reported as a plain I/O error for
// the caller to propagate rather than silently skip.
func (h *Hasher) staleOrErr(volID int64, ino uint64, op string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		if derr := h.cat.DeleteInode(volID, ino); derr != nil {
			return newErr(KindIo, op, derr)
		}
		return newErr(KindStaleInode, op, err)
	}
	return newErr(KindIo, op, err)
}

// MiniHash computes and persists the mini-hash signature for ino.
func (h *Hasher) MiniHash(vh VolumeHandle, ino uint64) (int64, error) {
	path, err := fsprimitives.LookupInoPathOne(vh.File, ino)
	if err != nil {
		return 0, h.staleOrErr(vh.VolID, ino, "minihash", err)
	}

	f, err := h.prim.OpenReadonly(vh.File, path)
	if err != nil {
		return 0, h.staleOrErr(vh.VolID, ino, "minihash", err)
	}
	defer f.Close()

	buf := make([]byte, config.BufSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, newErr(KindIo, "minihash", err)
	}

	sum := int64(xxhash.Sum64(buf[:n]))
	if err := h.cat.SetMiniHash(vh.VolID, ino, sum); err != nil {
		return 0, newErr(KindIo, "minihash", err)
	}
	return sum, nil
}

// FiemapHash computes and persists the fiemap-hash signature for ino.
func (h *Hasher) FiemapHash(vh VolumeHandle, ino uint64, size int64) (int64, error) {
	path, err := fsprimitives.LookupInoPathOne(vh.File, ino)
	if err != nil {
		return 0, h.staleOrErr(vh.VolID, ino, "fiemaphash", err)
	}

	f, err := h.prim.OpenReadonly(vh.File, path)
	if err != nil {
		return 0, h.staleOrErr(vh.VolID, ino, "fiemaphash", err)
	}
	defer f.Close()

	extents, err := fsprimitives.Fiemap(f, size)
	if err != nil {
		return 0, newErr(KindIo, "fiemaphash", err)
	}

	digest := xxhash.New()
	var scratch [9]byte
	for _, ext := range extents {
		binary.LittleEndian.PutUint64(scratch[:8], ext.Length)
		if ext.Shared {
			scratch[8] = 1
		} else {
			scratch[8] = 0
		}
		digest.Write(scratch[:])
	}

	sum := int64(digest.Sum64())
	if err := h.cat.SetFiemapHash(vh.VolID, ino, sum); err != nil {
		return 0, newErr(KindIo, "fiemaphash", err)
	}
	return sum, nil
}

// Narrow splits members of one size-class Group into subgroups
// sharing both a mini-hash and a fiemap-hash, computing whichever
// signature each inode is still missing.
func (h *Hasher) Narrow(vhByVol map[int64]VolumeHandle, group Group) (map[[2]int64][]*catalog.Inode, error) {
	out := map[[2]int64][]*catalog.Inode{}

	for _, in := range group.Inodes {
		vh, ok := vhByVol[in.VolID]
		if !ok {
			continue
		}

		miniHash := in.MiniHash.Int64
		if !in.MiniHash.Valid {
			sum, err := h.MiniHash(vh, in.Ino)
			if err != nil {
				if isStale(err) {
					h.logger.Debug("mini-hash target gone, inode withdrawn", "vol", in.VolID, "ino", in.Ino, "error", err)
					continue
				}
				return nil, fmt.Errorf("minihash vol=%d ino=%d: %w", in.VolID, in.Ino, err)
			}
			miniHash = sum
		}

		fiemapHash := in.FiemapHash.Int64
		if !in.FiemapHash.Valid {
			sum, err := h.FiemapHash(vh, in.Ino, in.Size)
			if err != nil {
				if isStale(err) {
					h.logger.Debug("fiemap-hash target gone, inode withdrawn", "vol", in.VolID, "ino", in.Ino, "error", err)
					continue
				}
				return nil, fmt.Errorf("fiemaphash vol=%d ino=%d: %w", in.VolID, in.Ino, err)
			}
			fiemapHash = sum
		}

		key := [2]int64{miniHash, fiemapHash}
		out[key] = append(out[key], in)
	}

	return out, nil
}
