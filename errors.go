// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpa

import "github.com/pkg/errors"

// Sentinel errors for the programmer-error class of failure: freeing
// something the allocator never handed out, freeing it twice, or
// freeing it with the wrong size or alignment. Out-of-memory is never
// an error value here — it surfaces as a nil Alloc result or a false
// Resize result instead.
var (
	// ErrInvalidFree is reported when a pointer passed to Free or
	// Resize is not known to the allocator at all.
	ErrInvalidFree = errors.New("gpa: invalid free: pointer not owned by this allocator")

	// ErrDoubleFree is reported when a pointer is freed a second time.
	ErrDoubleFree = errors.New("gpa: double free")

	// ErrSizeMismatch is reported when the length passed to Free does
	// not match the length recorded at allocation time. Resize logs
	// such a mismatch and returns false without using this error.
	ErrSizeMismatch = errors.New("gpa: freed length does not match the allocation")

	// ErrAlignMismatch is reported when the alignment passed to Free
	// does not match the alignment recorded at allocation time. Resize
	// logs such a mismatch and returns false without using this error.
	ErrAlignMismatch = errors.New("gpa: freed alignment does not match the allocation")

	// ErrZeroLengthFree is reported when Free is called with len == 0.
	ErrZeroLengthFree = errors.New("gpa: free of a zero-length allocation")

	// errInvalidConfig wraps Config validation failures.
	errInvalidConfig = errors.New("gpa: invalid configuration")
)

// wrapBacking adds a fixed prefix to an error surfaced by the backing
// allocator.
func wrapBacking(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "gpa: backing allocator %s failed", op)
}
