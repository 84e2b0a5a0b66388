// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpa

import "github.com/cznic/mathutil"

// sizeClassTable derives the segregated-fit size classes from a single
// page size, read once from the backing allocator when New builds the
// allocator.
//
// There are log2(pageSize) classes, class i holding slots of size
// 1<<i. The largest class a small allocation can land in is
// pageSize/2; anything bigger is a large allocation.
type sizeClassTable struct {
	pageSize   int
	numClasses uint
}

func newSizeClassTable(pageSize int) sizeClassTable {
	return sizeClassTable{
		pageSize:   pageSize,
		numClasses: uint(mathutil.BitLen(pageSize - 1)),
	}
}

// largestSmall is the largest size class, one half of a page.
func (t sizeClassTable) largestSmall() int { return t.pageSize >> 1 }

// log2Ceil returns ceil(log2(n)) for n >= 1.
func log2Ceil(n int) uint {
	if n <= 1 {
		return 0
	}
	return uint(mathutil.BitLen(n - 1))
}

// effectiveSize is max(length, 1<<log2Align), the value used to pick a
// size class.
func effectiveSize(length int, log2Align uint) int {
	a := 1 << log2Align
	if length > a {
		return length
	}
	return a
}

// classFor returns the smallest size class covering effective, or ok ==
// false if effective exceeds the largest small size class and the
// request must go to the large-allocation path.
func (t sizeClassTable) classFor(effective int) (class uint, size int, ok bool) {
	if effective > t.largestSmall() {
		return 0, 0, false
	}
	class = log2Ceil(effective)
	return class, 1 << class, true
}

// slotCount is how many fixed-size slots of a size class fit in one page.
func (t sizeClassTable) slotCount(class uint) int {
	return t.pageSize / (1 << class)
}
