// Package fsprimitives collects every raw btrfs and generic kernel
// ioctl the dedup pipeline needs behind one type, so the rest of the
// pipeline never opens a device file or builds an ioctl struct
// directly.
package fsprimitives

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dennwc/btrfs"
	"go.uber.org/fx"
	"golang.org/x/sys/unix"
)

// Module provides *Primitives to the fx graph the way cmd/btrdedup
// wires every other leaf component.
var Module = fx.Module("fsprimitives",
	fx.Provide(New),
)

// Primitives is the process-wide handle to the kernel ioctl surface.
// It holds no state of its own beyond a logger: every method opens (or
// is handed) the file descriptor it needs.
type Primitives struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Primitives {
	return &Primitives{logger: logger.With("component", "fsprimitives")}
}

// OpenReadonly opens path relative to the already-open subvolume
// directory descriptor dirFd, for the read-only phases of the pipeline
// (hashing). Resolving relative to the held descriptor means a rename
// of the mountpoint or any parent between path resolution and open
// cannot redirect the open to a different tree.
func (p *Primitives) OpenReadonly(dirFd *os.File, path string) (*os.File, error) {
	fd, err := unix.Openat(int(dirFd.Fd()), path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("openat readonly %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// OpenReadWrite opens path relative to dirFd for the Cloner's final
// compare-and-clone phase, which needs write access to toggle the
// immutable flag and issue the clone ioctl.
func (p *Primitives) OpenReadWrite(dirFd *os.File, path string) (*os.File, error) {
	fd, err := unix.Openat(int(dirFd.Fd()), path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("openat read-write %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// DescribeDevice resolves the device path backing a mounted volume,
// used only for logging and audit context.
func (p *Primitives) DescribeDevice(mountPath string) (string, error) {
	fs, err := btrfs.Open(mountPath, true)
	if err != nil {
		return "", fmt.Errorf("open btrfs handle: %w", err)
	}
	defer fs.Close()

	info, err := fs.GetDevInfo(1)
	if err != nil {
		return "", fmt.Errorf("dev info: %w", err)
	}
	return info.Path, nil
}
