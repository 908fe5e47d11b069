package dedup

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/elee1766/btrdedup/pkg/catalog"
)

func TestBucketByDigestGroupsAndPreservesFirstSeenOrder(t *testing.T) {
	a := &openCandidate{inode: &catalog.Inode{Ino: 1}, digest: [sha1.Size]byte{1}}
	b := &openCandidate{inode: &catalog.Inode{Ino: 2}, digest: [sha1.Size]byte{2}}
	c := &openCandidate{inode: &catalog.Inode{Ino: 3}, digest: [sha1.Size]byte{1}}
	d := &openCandidate{inode: &catalog.Inode{Ino: 4}, digest: [sha1.Size]byte{2}}

	buckets := bucketByDigest([]*openCandidate{a, b, c, d})
	if len(buckets) != 2 {
		t.Fatalf("expected 2 distinct digest buckets, got %d", len(buckets))
	}
	if buckets[0][0] != a || buckets[0][1] != c {
		t.Errorf("expected first bucket to be [a, c] in encounter order, got %+v", buckets[0])
	}
	if buckets[1][0] != b || buckets[1][1] != d {
		t.Errorf("expected second bucket to be [b, d] in encounter order, got %+v", buckets[1])
	}
}

func TestBucketByDigestSingletonsStayInTheirOwnBucket(t *testing.T) {
	a := &openCandidate{inode: &catalog.Inode{Ino: 1}, digest: [sha1.Size]byte{9}}
	buckets := bucketByDigest([]*openCandidate{a})
	if len(buckets) != 1 || len(buckets[0]) != 1 {
		t.Fatalf("expected a single singleton bucket, got %+v", buckets)
	}
}

func TestSha1SumMatchesStdlibAndRewindsTheFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	content := []byte("the quick brown fox jumps over the lazy dog")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	// Seek forward first; sha1Sum must rewind before hashing.
	if _, err := f.Seek(5, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}

	got, err := sha1Sum(f, 8)
	if err != nil {
		t.Fatalf("sha1Sum: %v", err)
	}
	want := sha1.Sum(content)
	if got != want {
		t.Errorf("sha1Sum = %x, want %x", got, want)
	}
}
