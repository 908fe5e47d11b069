package fsprimitives

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

const (
	fsIocFiemap = 0xc020660b

	fiemapFlagSync     = 0x00000001
	fiemapExtentLast   = 0x00000001
	fiemapExtentShared = 0x00002000
	fiemapExtentInline = 0x00000200
)

type fiemapExtentRaw struct {
	Logical    uint64
	Physical   uint64
	Length     uint64
	Reserved64 [2]uint64
	Flags      uint32
	Reserved   [3]uint32
}

type fiemapRaw struct {
	Start         uint64
	Length        uint64
	Flags         uint32
	MappedExtents uint32
	ExtentCount   uint32
	Reserved      uint32
}

// Extent is one physical extent backing part of a file, the unit the
// Hasher's fiemap-hash stage folds into a single signature.
type Extent struct {
	Logical  uint64
	Physical uint64
	Length   uint64
	Shared   bool
	Inline   bool
}

// Fiemap retrieves every extent of the already-open file f.
func Fiemap(f *os.File, size int64) ([]Extent, error) {
	if size == 0 {
		return nil, nil
	}

	var extents []Extent
	start := uint64(0)
	length := uint64(size)

	for {
		const maxExtents = 256
		bufSize := int(unsafe.Sizeof(fiemapRaw{})) + maxExtents*int(unsafe.Sizeof(fiemapExtentRaw{}))
		buf := make([]byte, bufSize)

		fm := (*fiemapRaw)(unsafe.Pointer(&buf[0]))
		fm.Start = start
		fm.Length = length
		fm.Flags = fiemapFlagSync
		fm.ExtentCount = maxExtents

		_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), fsIocFiemap, uintptr(unsafe.Pointer(fm)))
		if errno != 0 {
			return nil, fmt.Errorf("FIEMAP ioctl: %w", errno)
		}
		if fm.MappedExtents == 0 {
			break
		}

		base := unsafe.Sizeof(fiemapRaw{})
		for i := uint32(0); i < fm.MappedExtents; i++ {
			raw := (*fiemapExtentRaw)(unsafe.Pointer(uintptr(unsafe.Pointer(&buf[0])) + base + uintptr(i)*unsafe.Sizeof(fiemapExtentRaw{})))
			extents = append(extents, Extent{
				Logical:  raw.Logical,
				Physical: raw.Physical,
				Length:   raw.Length,
				Shared:   raw.Flags&fiemapExtentShared != 0,
				Inline:   raw.Flags&fiemapExtentInline != 0,
			})
			if raw.Flags&fiemapExtentLast != 0 {
				return extents, nil
			}
		}

		last := extents[len(extents)-1]
		start = last.Logical + last.Length
		if start >= uint64(size) {
			break
		}
		length = uint64(size) - start
	}

	return extents, nil
}
