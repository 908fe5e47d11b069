package dedup

import "os"

// VolumeHandle is the open state the Orchestrator holds for one
// volume for the duration of a run: a read-only directory fd kept
// open for tree-search/fiemap/ino-path ioctls against that
// subvolume's tree, and for openat-relative file opens that cannot be
// redirected by a concurrent rename of the mountpoint.
type VolumeHandle struct {
	VolID      int64
	File       *os.File
	SizeCutoff int64
}
