package dedup

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// baseReservedFds is headroom for stdio and the catalog connection,
// left untouched by the fd budget handed to the Cloner.
const baseReservedFds = 7

// reservedFds adds one descriptor per volume mount the Orchestrator
// has open for the run to baseReservedFds.
func reservedFds(volumeCount int) int {
	return baseReservedFds + volumeCount
}

// fdBudget raises the process's RLIMIT_NOFILE soft limit to the
// hard limit (never lowering it) and returns how many descriptors
// the pipeline may open concurrently after reserving
// reservedFds(volumeCount) for the rest of the process.
func fdBudget(volumeCount int) (int, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, fmt.Errorf("getrlimit: %w", err)
	}

	if rlim.Cur < rlim.Max {
		raised := rlim
		raised.Cur = rlim.Max
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &raised); err == nil {
			rlim = raised
		}
		// Falling back to the existing soft limit is fine; it is never
		// lowered below what the process already had.
	}

	budget := int(rlim.Cur) - reservedFds(volumeCount)
	if budget < 1 {
		budget = 1
	}
	return budget, nil
}
