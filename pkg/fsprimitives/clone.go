package fsprimitives

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CloneData shares dst's extents with src via BTRFS_IOC_CLONE,
// collapsing the two files' on-disk storage into one copy-on-write
// extent tree. Both files must already hold identical
// content; the kernel does not verify that for us.
//
// When checkFirst is true, CloneData first compares the two files'
// fiemap layouts: if every extent is already shared between them
// there is nothing for the kernel to do, and CloneData reports
// cloned=false instead of issuing the ioctl.
func CloneData(dst, src *os.File, checkFirst bool) (cloned bool, err error) {
	if checkFirst {
		if same, err := sameSharedExtents(dst, src); err == nil && same {
			return false, nil
		}
	}

	if err := unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())); err != nil {
		return false, fmt.Errorf("clone ioctl: %w", err)
	}
	return true, nil
}

// sameSharedExtents reports whether dst and src already reference the
// same physical extents end to end, in which case a clone ioctl would
// be a costly no-op.
func sameSharedExtents(dst, src *os.File) (bool, error) {
	dstInfo, err := dst.Stat()
	if err != nil {
		return false, err
	}
	srcInfo, err := src.Stat()
	if err != nil {
		return false, err
	}
	if dstInfo.Size() != srcInfo.Size() {
		return false, nil
	}

	dstExtents, err := Fiemap(dst, dstInfo.Size())
	if err != nil {
		return false, err
	}
	srcExtents, err := Fiemap(src, srcInfo.Size())
	if err != nil {
		return false, err
	}
	if len(dstExtents) != len(srcExtents) {
		return false, nil
	}
	for i := range dstExtents {
		if dstExtents[i].Physical != srcExtents[i].Physical || dstExtents[i].Length != srcExtents[i].Length {
			return false, nil
		}
	}
	return true, nil
}
