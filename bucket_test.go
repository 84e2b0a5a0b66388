// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSlotOffsetWithinPage checks that a small allocation's pointer
// lies within its bucket's page at offset k*size for some k <
// slotCount.
func TestSlotOffsetWithinPage(t *testing.T) {
	a := newTestAllocator(t, Config{})
	b := a.Alloc(32, 0, 0)
	require.NotNil(t, b)

	class, size, ok := a.classes.classFor(effectiveSize(32, 0))
	require.True(t, ok)
	require.Equal(t, 32, size)

	hdr, inEmpty := a.searchBucket(class, addrOf(b))
	require.NotNil(t, hdr)
	require.False(t, inEmpty)

	offset := addrOf(b) - hdr.pageAddr
	require.Zero(t, int(offset)%size)
	k := int(offset) / size
	require.Less(t, k, hdr.slotCount)

	a.Free(b, 0, 0)
	require.False(t, a.Dealloc())
}

// TestFreedSlotNeverReused checks that freeing clears the slot's
// used-bit and a subsequent allocation in the same size class never
// returns that exact address, because slots are only ever handed out
// by advancing allocCursor, never recycled from a free list. The
// bucket is kept alive throughout (more than one slot stays live) so
// the test exercises the no-free-list rule itself, not incidental
// page reuse after an unrelated unmap.
func TestFreedSlotNeverReused(t *testing.T) {
	a := newTestAllocator(t, Config{})

	class, _, ok := a.classes.classFor(effectiveSize(16, 0))
	require.True(t, ok)
	slotsPerPage := a.classes.slotCount(class)
	require.GreaterOrEqual(t, slotsPerPage, 4)

	half := slotsPerPage / 2
	var allocs [][]byte
	for i := 0; i < half; i++ {
		b := a.Alloc(16, 0, 0)
		require.NotNil(t, b)
		allocs = append(allocs, b)
	}

	freedAddr := addrOf(allocs[0])
	a.Free(allocs[0], 0, 0) // bucket stays alive: half-1 slots still live

	var more [][]byte
	for i := 0; i < half; i++ {
		b := a.Alloc(16, 0, 0)
		require.NotNil(t, b)
		require.NotEqual(t, freedAddr, addrOf(b), "a freed slot must never be handed out again")
		more = append(more, b)
	}

	for _, b := range allocs[1:] {
		a.Free(b, 0, 0)
	}
	for _, b := range more {
		a.Free(b, 0, 0)
	}
	require.False(t, a.Dealloc())
}

// TestSlotCapacityStopsAtSlotBoundary checks that a small allocation's
// returned slice cannot be append()-ed into a neighboring slot: its
// capacity must stop exactly at the slot's own size, not extend into
// the rest of the bucket page.
func TestSlotCapacityStopsAtSlotBoundary(t *testing.T) {
	a := newTestAllocator(t, Config{})

	first := a.Alloc(16, 0, 0)
	require.NotNil(t, first)
	second := a.Alloc(16, 0, 0)
	require.NotNil(t, second)

	require.Equal(t, 16, cap(first), "capacity must not reach into a sibling slot")

	grown := append(first, make([]byte, 100)...)
	require.NotEqual(t, addrOf(second), addrOf(grown), "growing past a slot must reallocate, not spill into the next slot")
	require.Equal(t, byte(0), second[0], "an out-of-bounds append must never have touched the neighboring allocation")

	a.Free(first, 0, 0)
	a.Free(second, 0, 0)
	require.False(t, a.Dealloc())
}
