// Package mount tells the rest of the pipeline which mounted paths
// are btrfs subvolumes worth tracking, and what filesystem backs
// them.
package mount

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"go.uber.org/fx"
)

// Module provides *Inventory to the fx graph.
var Module = fx.Module("mount",
	fx.Provide(New),
)

// Mount describes one btrfs mount found in /proc/self/mountinfo.
type Mount struct {
	Path       string
	DeviceName string
	Subvol     string // the "subvol=" mount option, if present
}

// Inventory enumerates currently mounted btrfs filesystems.
type Inventory struct {
	mountinfoPath string
}

func New() *Inventory {
	return &Inventory{mountinfoPath: "/proc/self/mountinfo"}
}

// ListBtrfsMounts parses mountinfo and returns every mount with
// filesystem type btrfs. mountinfo is the only place the subvol=
// option is visible; a stat of the mountpoint cannot reveal it.
func (inv *Inventory) ListBtrfsMounts() ([]Mount, error) {
	f, err := os.Open(inv.mountinfoPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", inv.mountinfoPath, err)
	}
	defer f.Close()

	var mounts []Mount
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		// Format: ID PARENT MAJOR:MINOR ROOT MOUNTPOINT OPTIONS... - FSTYPE SOURCE SUPEROPTIONS
		sepIdx := strings.Index(line, " - ")
		if sepIdx < 0 {
			continue
		}
		left := strings.Fields(line[:sepIdx])
		right := strings.Fields(line[sepIdx+3:])
		if len(left) < 5 || len(right) < 2 {
			continue
		}
		if right[0] != "btrfs" {
			continue
		}

		m := Mount{
			Path:       left[4],
			DeviceName: right[1],
		}
		// subvol= is a btrfs super option, the field after SOURCE.
		if len(right) >= 3 {
			for _, opt := range strings.Split(right[2], ",") {
				if strings.HasPrefix(opt, "subvol=") {
					m.Subvol = strings.TrimPrefix(opt, "subvol=")
				}
			}
		}
		mounts = append(mounts, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", inv.mountinfoPath, err)
	}
	return mounts, nil
}

// IsSubvolume reports whether path's inode number is
// BTRFS_FIRST_FREE_OBJECTID (256), the object id every btrfs
// subvolume root shares.
func IsSubvolume(path string) (bool, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return st.Ino == 256, nil
}

// DeviceLabel shells out to blkid to fetch a device's filesystem
// label, purely for human-readable CLI output; it is never used to
// identify a filesystem.
func DeviceLabel(device string) (string, error) {
	out, err := runBlkid(device, "LABEL")
	if err != nil {
		return "", err
	}
	return out, nil
}

func runBlkid(device, tag string) (string, error) {
	out, err := exec.Command("blkid", "-s", tag, "-o", "value", device).Output()
	if err != nil {
		return "", nil // no label is not an error worth surfacing
	}
	return strings.TrimSpace(string(out)), nil
}
