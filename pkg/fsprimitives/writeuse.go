package fsprimitives

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// FdsInWriteUse scans /proc for descriptors, held open by any process
// other than this one, writable against one of targets. The Cloner's
// scoped immutability block consults this after
// setting FS_IMMUTABLE_FL on a candidate: a process that already held
// the file open for write before the flag went up is not stopped by
// it, so that candidate is deferred instead of cloned out from under
// a concurrent writer.
func FdsInWriteUse(targets map[DevIno]bool) (map[DevIno]bool, error) {
	inUse := map[DevIno]bool{}
	if len(targets) == 0 {
		return inUse, nil
	}

	self := os.Getpid()

	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}

	for _, procEntry := range procEntries {
		pid, err := strconv.Atoi(procEntry.Name())
		if err != nil || pid == self {
			continue
		}

		fdDir := fmt.Sprintf("/proc/%d/fd", pid)
		fdEntries, err := os.ReadDir(fdDir)
		if err != nil {
			continue // process exited or unreadable, not our concern
		}

		for _, fdEntry := range fdEntries {
			di, err := statProcFd(fdDir + "/" + fdEntry.Name())
			if err != nil || !targets[di] {
				continue
			}
			if writable, err := fdOpenedWritable(pid, fdEntry.Name()); err == nil && writable {
				inUse[di] = true
			}
		}
	}

	return inUse, nil
}

// statProcFd follows the /proc/<pid>/fd/<n> symlink to the (dev, ino)
// pair of the file it targets.
func statProcFd(linkPath string) (DevIno, error) {
	var st unix.Stat_t
	if err := unix.Stat(linkPath, &st); err != nil {
		return DevIno{}, err
	}
	return DevIno{Dev: uint64(st.Dev), Ino: st.Ino}, nil
}

func fdOpenedWritable(pid int, fd string) (bool, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/fdinfo/%s", pid, fd))
	if err != nil {
		return false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "flags:") {
			continue
		}
		rawFlags := strings.TrimSpace(strings.TrimPrefix(line, "flags:"))
		n, err := strconv.ParseInt(rawFlags, 8, 64)
		if err != nil {
			return false, err
		}
		// O_ACCMODE (low two bits): O_WRONLY=1, O_RDWR=2.
		mode := n & 0x3
		return mode == 1 || mode == 2, nil
	}
	return false, sc.Err()
}
