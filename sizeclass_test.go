// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEffectiveSize(t *testing.T) {
	require.Equal(t, 8, effectiveSize(8, 0))
	require.Equal(t, 16, effectiveSize(8, 4))  // align 16 dominates
	require.Equal(t, 100, effectiveSize(100, 3)) // length dominates
}

func TestClassFor(t *testing.T) {
	table := newSizeClassTable(4096)
	require.EqualValues(t, 12, table.numClasses) // log2(4096)
	require.Equal(t, 2048, table.largestSmall())

	class, size, ok := table.classFor(1)
	require.True(t, ok)
	require.Equal(t, 1, size)
	require.EqualValues(t, 0, class)

	class, size, ok = table.classFor(2048)
	require.True(t, ok)
	require.Equal(t, 2048, size)
	require.EqualValues(t, 11, class)

	_, _, ok = table.classFor(2049)
	require.False(t, ok, "anything past pageSize/2 must be a large allocation")
}

func TestSlotCount(t *testing.T) {
	table := newSizeClassTable(4096)
	require.Equal(t, 4096, table.slotCount(0))
	require.Equal(t, 2, table.slotCount(11))
}
