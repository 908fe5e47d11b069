package fsprimitives

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// CompareFiles reports whether a and b hold byte-identical content,
// independent of either descriptor's current seek offset. This is the
// final gate before a clone: an equal strong hash is
// treated as probable-equal everywhere else in the pipeline, but the
// clone itself is only ever issued after this direct comparison.
func CompareFiles(a, b *os.File, bufSize int) (bool, error) {
	if _, err := a.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("seek a: %w", err)
	}
	if _, err := b.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("seek b: %w", err)
	}

	bufA := make([]byte, bufSize)
	bufB := make([]byte, bufSize)

	for {
		na, errA := io.ReadFull(a, bufA)
		nb, errB := io.ReadFull(b, bufB)
		if na != nb {
			return false, nil
		}
		if na > 0 && string(bufA[:na]) != string(bufB[:nb]) {
			return false, nil
		}

		doneA := errors.Is(errA, io.EOF) || errors.Is(errA, io.ErrUnexpectedEOF)
		doneB := errors.Is(errB, io.EOF) || errors.Is(errB, io.ErrUnexpectedEOF)
		if doneA != doneB {
			return false, nil
		}
		if doneA {
			return true, nil
		}
		if errA != nil {
			return false, fmt.Errorf("read a: %w", errA)
		}
		if errB != nil {
			return false, fmt.Errorf("read b: %w", errB)
		}
	}
}
