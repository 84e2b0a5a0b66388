// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpa

import (
	"fmt"
	"os"
)

// Logger receives verbose-mode traffic and safety/leak reports,
// generalized into an interface so callers can route reports anywhere
// instead of only stderr.
type Logger interface {
	Logf(format string, args ...interface{})
}

// stderrLogger is the default Logger.
type stderrLogger struct{}

func (stderrLogger) Logf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// reportLeak logs one still-live allocation found by the leak walk.
func reportLeak(log Logger, addr uintptr, size int, alloc stackTrace) {
	log.Logf("gpa: memory leak: %d bytes at %#x\n%s", size, addr, alloc.String())
}

// reportDoubleFree logs a double-free, including both the original
// alloc trace and the prior free trace, plus a freshly captured
// current trace.
func reportDoubleFree(log Logger, addr uintptr, alloc, priorFree, current stackTrace) {
	log.Logf(
		"%s at %#x\nallocated at:\n%s\nfirst freed at:\n%s\nsecond freed at:\n%s",
		ErrDoubleFree, addr, alloc.String(), priorFree.String(), current.String(),
	)
}

// reportMismatch logs a stored-length/alignment mismatch detected by
// safety checks.
func reportMismatch(log Logger, addr uintptr, reason string, alloc, current stackTrace) {
	log.Logf(
		"gpa: %s at %#x\nallocated at:\n%s\nfreed at:\n%s",
		reason, addr, alloc.String(), current.String(),
	)
}

// reportInvalidFree logs a free of a pointer the allocator never
// produced.
func reportInvalidFree(log Logger, addr uintptr, current stackTrace) {
	log.Logf("%s at %#x\nfreed at:\n%s", ErrInvalidFree, addr, current.String())
}
