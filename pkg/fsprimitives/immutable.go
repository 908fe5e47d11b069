package fsprimitives

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fsImmutableFL is FS_IMMUTABLE_FL from <linux/fs.h> (0x10). It is not
// exported by golang.org/x/sys/unix, so it is defined here directly.
const fsImmutableFL = 0x10

// SetImmutable raises FS_IMMUTABLE_FL on f. The Cloner holds the flag
// from before it hashes a candidate until after the final byte-compare
// and clone, so a concurrent writer racing the dedup gets EPERM instead
// of silently corrupting the file mid-compare.
func SetImmutable(f *os.File) error {
	_, err := setFlag(f, fsImmutableFL, true)
	return err
}

// ClearImmutable lowers FS_IMMUTABLE_FL. Must run on every exit path
// out of the Cloner's critical section, success or failure.
func ClearImmutable(f *os.File) error {
	_, err := setFlag(f, fsImmutableFL, false)
	return err
}

// SetImmutableReturningPrevious raises FS_IMMUTABLE_FL and reports
// whether the flag was already set, so the Cloner's scoped-resource
// block can restore exactly the prior state rather than always
// clearing it.
func SetImmutableReturningPrevious(f *os.File) (wasImmutable bool, err error) {
	return setFlag(f, fsImmutableFL, true)
}

func setFlag(f *os.File, flag uint32, set bool) (wasSet bool, err error) {
	cur, err := unix.IoctlGetUint32(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		return false, fmt.Errorf("get flags: %w", err)
	}
	wasSet = cur&flag != 0
	next := cur
	if set {
		next |= flag
	} else {
		next &^= flag
	}
	if next == cur {
		return wasSet, nil
	}
	if err := unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, int(next)); err != nil {
		return wasSet, fmt.Errorf("set flags: %w", err)
	}
	return wasSet, nil
}
