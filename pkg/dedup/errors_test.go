package dedup

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindStringCoversEveryKind(t *testing.T) {
	cases := map[Kind]string{
		KindUnknown:         "unknown",
		KindStaleInode:      "stale_inode",
		KindBusy:            "busy",
		KindRaced:           "raced",
		KindQuotaExceeded:   "quota_exceeded",
		KindHashCollision:   "hash_collision",
		KindIo:              "io",
		KindScanInterrupted: "scan_interrupted",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestKindAbortingOnlyFlagsFatalKinds(t *testing.T) {
	fatal := map[Kind]bool{KindIo: true, KindScanInterrupted: true, KindHashCollision: true}
	all := []Kind{KindUnknown, KindStaleInode, KindBusy, KindRaced, KindQuotaExceeded, KindHashCollision, KindIo, KindScanInterrupted}
	for _, k := range all {
		if got := k.Aborting(); got != fatal[k] {
			t.Errorf("Kind(%d).Aborting() = %v, want %v", k, got, fatal[k])
		}
	}
}

func TestAbortingSeesThroughWrappingAndDefaultsFatal(t *testing.T) {
	busy := fmt.Errorf("minihash vol=1 ino=2: %w", newErr(KindBusy, "open", errors.New("etxtbsy")))
	if aborting(busy) {
		t.Errorf("expected a wrapped Busy error to be deferrable")
	}
	collision := fmt.Errorf("clone size 42: %w", newErr(KindHashCollision, "compare", errors.New("bytes differ")))
	if !aborting(collision) {
		t.Errorf("expected a wrapped HashCollision error to abort")
	}
	if !aborting(errors.New("unclassified")) {
		t.Errorf("expected an unclassified error to abort")
	}
}

func TestErrorWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := newErr(KindBusy, "open", cause)

	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to see through to the wrapped cause")
	}
	want := "open: busy: boom"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := newErr(KindRaced, "clone", nil)
	if bare.Error() != "clone: raced" {
		t.Errorf("Error() with nil cause = %q, want %q", bare.Error(), "clone: raced")
	}
}
