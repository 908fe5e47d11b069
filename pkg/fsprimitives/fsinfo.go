package fsprimitives

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/dennwc/ioctl"
	"github.com/google/uuid"
)

type fsInfoArgs struct {
	MaxID          uint64
	NumDevices     uint64
	FSID           [16]byte
	NodeSize       uint32
	SectorSize     uint32
	CloneAlignment uint32
	CsumType       uint16
	CsumSize       uint16
	Flags          uint64
	Generation     uint64
	MetadataUUID   [16]byte
	Reserved       [944]byte
}

var ioctlFsInfo = ioctl.IOR(btrfsIoctlMagic, 31, unsafe.Sizeof(fsInfoArgs{}))

// FilesystemInfo is the subset of BTRFS_IOC_FS_INFO the Catalog's
// Filesystem entity needs.
type FilesystemInfo struct {
	UUID       string
	Generation uint64
	NumDevices uint64
}

// GetFilesystemInfo reads the fsid and current generation for the
// filesystem backing f.
func GetFilesystemInfo(f *os.File) (*FilesystemInfo, error) {
	var args fsInfoArgs
	if err := ioctl.Do(f, ioctlFsInfo, &args); err != nil {
		return nil, fmt.Errorf("FS_INFO ioctl: %w", err)
	}
	return &FilesystemInfo{
		UUID:       formatUUID(args.FSID),
		Generation: args.Generation,
		NumDevices: args.NumDevices,
	}, nil
}

func formatUUID(b [16]byte) string {
	u, err := uuid.FromBytes(b[:])
	if err != nil {
		return fmt.Sprintf("%x", b)
	}
	return u.String()
}

// ino_lookup_args mirrors struct btrfs_ioctl_ino_lookup_args, used
// here only to resolve a subvolume's root_id from its mountpoint.
type inoLookupArgs struct {
	TreeID   uint64
	ObjectID uint64
	Name     [4080]byte
}

var ioctlInoLookup = ioctl.IOWR(btrfsIoctlMagic, 18, unsafe.Sizeof(inoLookupArgs{}))

// RootID returns the subvolume (tree) id that owns the root directory
// of the open filesystem handle f. A Volume is identified by this id
// paired with the Filesystem, not by mountpoint.
func RootID(f *os.File) (uint64, error) {
	args := inoLookupArgs{ObjectID: FirstFreeObjectID}
	if err := ioctl.Do(f, ioctlInoLookup, &args); err != nil {
		return 0, fmt.Errorf("INO_LOOKUP ioctl: %w", err)
	}
	return args.TreeID, nil
}

// RootGeneration returns the generation stamped on root_id's
// ROOT_ITEM, used by the Scanner as the top generation of a scan and
// the value the volume's cursor advances to.
func RootGeneration(f *os.File, rootID uint64) (uint64, error) {
	results, err := TreeSearch(f, SearchSpec{
		TreeID:      RootTreeObjectID,
		MinObjectID: rootID, MaxObjectID: rootID,
		MinType: RootItemKey, MaxType: RootItemKey,
	})
	if err != nil {
		return 0, fmt.Errorf("root item search: %w", err)
	}
	for _, r := range results {
		if len(r.Data) < 168 {
			continue
		}
		return binary.LittleEndian.Uint64(r.Data[160:168]), nil
	}
	return 0, fmt.Errorf("root item for %d not found", rootID)
}
