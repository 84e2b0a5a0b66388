// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpa

import "github.com/pkg/errors"

// Config selects the allocator's compile-time-style options. Go has no
// real compile-time specialization for a library like this, so Config
// is a plain struct passed once to New.
type Config struct {
	// StackTraceFrames is the depth of captured alloc/free traces.
	// Zero disables trace recording entirely.
	StackTraceFrames int

	// EnableMemoryLimit turns on the total_requested_bytes counter
	// and the RequestedMemoryLimit ceiling.
	EnableMemoryLimit bool

	// RequestedMemoryLimit is the ceiling enforced when
	// EnableMemoryLimit is set. Ignored otherwise.
	RequestedMemoryLimit uint

	// Safety enables per-slot stored length/alignment and the
	// size-and-align-mismatch checks. Invalid-free and double-free
	// detection run whether or not Safety is set.
	Safety bool

	// ThreadSafe selects a real mutex over the no-op stand-in when
	// MutexType is not set.
	ThreadSafe bool

	// MutexType overrides the mutex implementation. Must support
	// Lock/Unlock with no further configuration.
	MutexType MutexFactory

	// NeverUnmap suppresses backing-allocator frees so a
	// use-after-free faults instead of silently reusing memory.
	// Freed ranges stay mapped for the life of the process, with or
	// without RetainMetadata; Dealloc neither releases them nor
	// reports them as leaks.
	NeverUnmap bool

	// RetainMetadata keeps freed allocations' bookkeeping around so a
	// later free of the same pointer is detected as a double free
	// instead of an invalid free.
	RetainMetadata bool

	// VerboseLog emits a log line for every allocation, resize and
	// free.
	VerboseLog bool

	// Logger receives verbose/leak/double-free reports. A default
	// stderr logger is used when nil.
	Logger Logger
}

// validate rejects configuration combinations that cannot be honored.
func (c Config) validate() error {
	if c.StackTraceFrames < 0 {
		return errors.Wrap(errInvalidConfig, "StackTraceFrames must be >= 0")
	}
	if c.EnableMemoryLimit && c.RequestedMemoryLimit == 0 {
		return errors.Wrap(errInvalidConfig, "RequestedMemoryLimit must be > 0 when EnableMemoryLimit is set")
	}
	return nil
}

func (c Config) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return stderrLogger{}
}
