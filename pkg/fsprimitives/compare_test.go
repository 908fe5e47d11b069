package fsprimitives

import (
	"os"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T, dir, name string, content []byte) *os.File {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestCompareFilesIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	a := openTemp(t, dir, "a", []byte("hello world, this spans more than one buffer"))
	b := openTemp(t, dir, "b", []byte("hello world, this spans more than one buffer"))

	equal, err := CompareFiles(a, b, 8)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !equal {
		t.Errorf("expected identical files to compare equal")
	}
}

func TestCompareFilesDifferingTail(t *testing.T) {
	dir := t.TempDir()
	a := openTemp(t, dir, "a", []byte("identical-prefix-then-diverges-AAAA"))
	b := openTemp(t, dir, "b", []byte("identical-prefix-then-diverges-BBBB"))

	equal, err := CompareFiles(a, b, 8)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if equal {
		t.Errorf("expected files differing near the end to compare unequal")
	}
}

func TestCompareFilesDifferingLength(t *testing.T) {
	dir := t.TempDir()
	a := openTemp(t, dir, "a", []byte("short"))
	b := openTemp(t, dir, "b", []byte("short but longer"))

	equal, err := CompareFiles(a, b, 4)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if equal {
		t.Errorf("expected files of differing length to compare unequal")
	}
}

func TestCompareFilesIgnoresPriorSeekPosition(t *testing.T) {
	dir := t.TempDir()
	content := []byte("rewind me please")
	a := openTemp(t, dir, "a", content)
	b := openTemp(t, dir, "b", content)

	if _, err := a.Seek(5, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}

	equal, err := CompareFiles(a, b, 4)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !equal {
		t.Errorf("expected CompareFiles to rewind both descriptors before comparing")
	}
}

func TestStatReturnsLengthAndStableDevIno(t *testing.T) {
	dir := t.TempDir()
	content := []byte("twelve bytes")
	f := openTemp(t, dir, "f", content)

	di1, size, err := Stat(f)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}

	di2, _, err := Stat(f)
	if err != nil {
		t.Fatalf("stat again: %v", err)
	}
	if di1 != di2 {
		t.Errorf("expected stable DevIno across calls, got %+v and %+v", di1, di2)
	}
}
