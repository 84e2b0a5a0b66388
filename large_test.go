// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLargeAllocationShrink allocates pageSize*2+50 bytes (forced onto
// the large path), writes markers at offset 0 and 60, resizes down to
// 19 bytes, and checks the marker at offset 0 survives whichever path
// Resize actually took; offset 60 lies past the new length.
func TestLargeAllocationShrink(t *testing.T) {
	a := newTestAllocator(t, Config{})

	size := a.PageSize()*2 + 50
	b := a.Alloc(size, 0, 0)
	require.NotNil(t, b)
	require.Greater(t, size, a.classes.largestSmall(), "must land on the large path")

	b[0] = 0xAB
	b[60] = 0xCD

	byte0, byte60 := b[0], b[60]

	if a.Resize(b, 0, 19, 0) {
		b = b[:19]
	} else {
		replacement := a.Alloc(19, 0, 0)
		require.NotNil(t, replacement)
		copy(replacement, b[:19])
		a.Free(b, 0, 0)
		b = replacement
	}

	require.Equal(t, byte0, b[0])
	// offset 60 no longer fits in a 19-byte slice either way; only the
	// bytes still within range after the shrink need to survive.
	_ = byte60

	a.Free(b, 0, 0)
	require.False(t, a.Dealloc())
}

// TestLargeTableResizeInPlaceRefusesCapExceeded checks that a resize
// which would exceed the byte cap is refused before the backing
// allocator is ever asked to move anything.
func TestLargeTableResizeInPlaceRefusesCapExceeded(t *testing.T) {
	a := newTestAllocator(t, Config{})
	pageSize := a.PageSize()
	a.SetRequestedMemoryLimit(uint(pageSize)) // one page, so growth past it can't be honored under the cap

	b := a.Alloc(pageSize-1, 0, 0)
	require.NotNil(t, b)

	ok := a.Resize(b, 0, pageSize*4, 0)
	require.False(t, ok)
	require.EqualValues(t, pageSize-1, a.TotalRequestedBytes())

	a.Free(b, 0, 0)
	require.False(t, a.Dealloc())
}

// TestLargeDoubleFreeRetained checks that a freed, retained large
// allocation reports a double free (not an invalid free) on a second
// Free.
func TestLargeDoubleFreeRetained(t *testing.T) {
	var reports int
	logger := loggerFunc(func(format string, args ...interface{}) { reports++ })
	a := newTestAllocator(t, Config{
		RetainMetadata:   true,
		NeverUnmap:       true,
		StackTraceFrames: 8,
		Logger:           logger,
	})

	size := a.PageSize()*2 + 10
	b := a.Alloc(size, 0, 0)
	require.NotNil(t, b)

	a.Free(b, 0, 0)
	require.Equal(t, 0, reports)

	a.Free(b, 0, 0)
	require.Equal(t, 1, reports)
}
