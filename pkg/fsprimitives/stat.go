package fsprimitives

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DevIno identifies a file by the (device, inode) pair the kernel
// actually resolved it to, the post-open check every pipeline stage
// performs against its catalog record before trusting a descriptor.
type DevIno struct {
	Dev uint64
	Ino uint64
}

// Stat returns the (device, inode) pair backing the open descriptor
// f, and its current length.
func Stat(f *os.File) (DevIno, int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return DevIno{}, 0, fmt.Errorf("fstat: %w", err)
	}
	return DevIno{Dev: uint64(st.Dev), Ino: st.Ino}, st.Size, nil
}
