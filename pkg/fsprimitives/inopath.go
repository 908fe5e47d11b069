package fsprimitives

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/dennwc/ioctl"
)

// inoPathArgs mirrors struct btrfs_ioctl_ino_path_args. The kernel
// writes a btrfs_data_container into the buffer whose address is in
// Fspath; elem_cnt counts how many null-terminated path strings follow.
type inoPathArgs struct {
	InodeObjectID uint64
	Size          uint64
	Reserved      [4]uint64
	Fspath        uint64
}

var ioctlInoPaths = ioctl.IOWR(btrfsIoctlMagic, 35, unsafe.Sizeof(inoPathArgs{}))

// LookupInoPathOne resolves one path for ino within the subvolume open
// on f. btrfs inodes can have multiple hardlinked paths; the pipeline
// only ever needs one representative path to open for hashing and
// cloning, so the first result is returned.
func LookupInoPathOne(f *os.File, ino uint64) (string, error) {
	buf := make([]byte, searchBufSize)
	args := inoPathArgs{
		InodeObjectID: ino,
		Size:          uint64(len(buf)),
		Fspath:        uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	err := ioctl.Do(f, ioctlInoPaths, &args)
	runtime.KeepAlive(buf)
	if err != nil {
		return "", fmt.Errorf("INO_PATHS ioctl: %w", err)
	}

	// btrfs_data_container header: bytes_left(4) bytes_missing(4)
	// elem_cnt(4) elem_missed(4), then elem_cnt u64 offsets relative to
	// val[0], then the null-terminated path strings themselves.
	if len(buf) < 16 {
		return "", fmt.Errorf("ino %d: no path found", ino)
	}
	elemCnt := binary.LittleEndian.Uint32(buf[8:12])
	if elemCnt == 0 {
		return "", fmt.Errorf("ino %d: no path found", ino)
	}

	valStart := 16
	offTable := buf[valStart : valStart+8*int(elemCnt)]
	strOff := valStart + int(binary.LittleEndian.Uint64(offTable[0:8]))
	if strOff >= len(buf) {
		return "", fmt.Errorf("ino %d: malformed ino_paths result", ino)
	}

	end := strOff
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[strOff:end]), nil
}
