package fsprimitives

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/dennwc/ioctl"
)

const btrfsIoctlMagic = 0x94

// Object/tree IDs and item key types the Scanner needs.
const (
	FSTreeObjectID    = 5
	RootTreeObjectID  = 1
	FirstFreeObjectID = 256

	InodeItemKey = 1
	InodeRefKey  = 12
	RootItemKey  = 132
)

const searchKeySize = 104
const searchBufSize = 4096 - searchKeySize

type searchKey struct {
	TreeID      uint64
	MinObjectID uint64
	MaxObjectID uint64
	MinOffset   uint64
	MaxOffset   uint64
	MinTransID  uint64
	MaxTransID  uint64
	MinType     uint32
	MaxType     uint32
	NrItems     uint32
	_unused     uint32
	_unused1    uint64
	_unused2    uint64
	_unused3    uint64
	_unused4    uint64
}

type searchArgs struct {
	Key searchKey
	Buf [searchBufSize]byte
}

type searchHeader struct {
	TransID  uint64
	ObjectID uint64
	Offset   uint64
	Type     uint32
	Len      uint32
}

// SearchResult is one item returned by a tree search.
type SearchResult struct {
	TransID  uint64
	ObjectID uint64
	Offset   uint64
	Type     uint32
	Data     []byte
}

var ioctlTreeSearch = ioctl.IOWR(btrfsIoctlMagic, 17, unsafe.Sizeof(searchArgs{}))

// SearchSpec bounds a tree search: the Scanner drives
// MinTransID from a volume's last_tracked_generation to pick up only
// inodes touched since the previous scan.
type SearchSpec struct {
	TreeID                   uint64
	MinObjectID, MaxObjectID uint64
	MinType, MaxType         uint32
	MinOffset, MaxOffset     uint64
	MinTransID, MaxTransID   uint64
}

// TreeSearch runs BTRFS_IOC_TREE_SEARCH to exhaustion, following the
// kernel's min-key cursor-advance protocol: each call's starting key
// is set just past the previous call's last returned item.
func TreeSearch(f *os.File, spec SearchSpec) ([]SearchResult, error) {
	maxTransID := spec.MaxTransID
	if maxTransID == 0 {
		maxTransID = ^uint64(0)
	}
	maxOffset := spec.MaxOffset
	if maxOffset == 0 {
		maxOffset = ^uint64(0)
	}

	args := searchArgs{
		Key: searchKey{
			TreeID:      spec.TreeID,
			MinObjectID: spec.MinObjectID,
			MaxObjectID: spec.MaxObjectID,
			MinOffset:   spec.MinOffset,
			MaxOffset:   maxOffset,
			MinTransID:  spec.MinTransID,
			MaxTransID:  maxTransID,
			MinType:     spec.MinType,
			MaxType:     spec.MaxType,
			NrItems:     4096,
		},
	}

	var results []SearchResult
	for {
		if err := ioctl.Do(f, ioctlTreeSearch, &args); err != nil {
			return nil, fmt.Errorf("tree search ioctl: %w", err)
		}
		if args.Key.NrItems == 0 {
			break
		}

		offset := 0
		var last searchHeader
		got := false
		for i := uint32(0); i < args.Key.NrItems; i++ {
			if offset+32 > len(args.Buf) {
				break
			}
			hdr := searchHeader{
				TransID:  binary.LittleEndian.Uint64(args.Buf[offset:]),
				ObjectID: binary.LittleEndian.Uint64(args.Buf[offset+8:]),
				Offset:   binary.LittleEndian.Uint64(args.Buf[offset+16:]),
				Type:     binary.LittleEndian.Uint32(args.Buf[offset+24:]),
				Len:      binary.LittleEndian.Uint32(args.Buf[offset+28:]),
			}
			offset += 32
			if offset+int(hdr.Len) > len(args.Buf) {
				break
			}
			if hdr.Type >= spec.MinType && hdr.Type <= spec.MaxType {
				data := make([]byte, hdr.Len)
				copy(data, args.Buf[offset:offset+int(hdr.Len)])
				results = append(results, SearchResult{
					TransID: hdr.TransID, ObjectID: hdr.ObjectID,
					Offset: hdr.Offset, Type: hdr.Type, Data: data,
				})
			}
			offset += int(hdr.Len)
			last = hdr
			got = true
		}
		if !got {
			break
		}

		if last.Offset == ^uint64(0) {
			if last.Type == spec.MaxType {
				if last.ObjectID == spec.MaxObjectID {
					break
				}
				args.Key.MinObjectID = last.ObjectID + 1
				args.Key.MinType = spec.MinType
			} else {
				args.Key.MinType = last.Type + 1
			}
			args.Key.MinOffset = 0
		} else {
			args.Key.MinObjectID = last.ObjectID
			args.Key.MinType = last.Type
			args.Key.MinOffset = last.Offset + 1
		}
		args.Key.NrItems = 4096
	}

	return results, nil
}
