// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpa

import (
	"math/bits"
	"unsafe"

	"github.com/google/btree"
)

// bucketHeader is the per-bucket-page metadata, kept as an ordinary Go
// struct off to the side rather than computed as byte offsets into
// the page itself.
type bucketHeader struct {
	pageAddr    uintptr // page[0]'s address; the btree key
	page        []byte
	sizeClass   uint
	slotCount   int
	allocCursor int // next never-handed-out slot index
	usedCount   int
	usedBits    []uint64

	// present only when Config.Safety is set
	requestedSizes []int
	log2Aligns     []uint

	// present only when Config.StackTraceFrames > 0
	allocTraces []stackTrace
	freeTraces  []stackTrace
}

// Less implements btree.Item, ordering buckets by page base address so
// the active/empty maps can answer "which bucket owns this address"
// in O(log n).
func (h *bucketHeader) Less(than btree.Item) bool {
	return h.pageAddr < than.(*bucketHeader).pageAddr
}

func bitGet(bits []uint64, i int) bool   { return bits[i/64]&(1<<uint(i%64)) != 0 }
func bitSet(bits []uint64, i int)        { bits[i/64] |= 1 << uint(i%64) }
func bitClear(bits []uint64, i int)      { bits[i/64] &^= 1 << uint(i%64) }
func popcount(words []uint64) (n int) {
	for _, w := range words {
		n += bits.OnesCount64(w)
	}
	return n
}

// sizeClassState holds everything the allocator tracks for one size
// class: the active ordered map, the current bucket fast path, and
// (when retaining metadata) the empty-buckets map that keeps retired
// buckets discoverable for double-free detection.
type sizeClassState struct {
	active  *btree.BTree
	empty   *btree.BTree // nil unless Config.RetainMetadata
	current *bucketHeader
}

func newSizeClassState() *sizeClassState {
	return &sizeClassState{active: btree.New(32)}
}

// createBucket acquires one page from the backing allocator and
// allocates its header.
func (a *Allocator) createBucket(class uint) (*bucketHeader, error) {
	page, err := a.backing.RawAlloc(a.pageSize, a.classes.numClasses, 0)
	if err != nil {
		return nil, err
	}

	slotCount := a.classes.slotCount(class)
	h := &bucketHeader{
		pageAddr:  uintptr(unsafe.Pointer(&page[0])),
		page:      page,
		sizeClass: class,
		slotCount: slotCount,
		usedBits:  make([]uint64, (slotCount+63)/64),
	}
	if a.cfg.Safety {
		h.requestedSizes = make([]int, slotCount)
		h.log2Aligns = make([]uint, slotCount)
	}
	if a.cfg.StackTraceFrames > 0 {
		h.allocTraces = make([]stackTrace, slotCount)
		h.freeTraces = make([]stackTrace, slotCount)
	}
	return h, nil
}

// allocSlot hands out a slot: use the current bucket if it still has
// never-handed-out slots, else create a new one and make it current.
// Slots are handed out strictly by incrementing allocCursor; a freed
// slot is never recycled within the bucket's lifetime, so a
// use-after-free can never land on memory the allocator has since
// reused for something else in the same bucket.
func (a *Allocator) allocSlot(class uint, length int, log2Align uint, retAddr uintptr) ([]byte, error) {
	st := a.perClass[class]
	cur := st.current
	if cur == nil || cur.allocCursor == cur.slotCount {
		h, err := a.createBucket(class)
		if err != nil {
			return nil, err
		}
		st.active.ReplaceOrInsert(h)
		st.current = h
		cur = h
	}

	idx := cur.allocCursor
	cur.allocCursor++
	bitSet(cur.usedBits, idx)
	cur.usedCount++

	size := 1 << class
	slot := cur.page[idx*size : idx*size+size : idx*size+size]

	if a.cfg.Safety {
		cur.requestedSizes[idx] = length
		cur.log2Aligns[idx] = log2Align
	}
	if a.cfg.StackTraceFrames > 0 {
		cur.allocTraces[idx] = captureTrace(a.cfg.StackTraceFrames)
	}
	return slot, nil
}

// pageBase masks an address down to its containing page's base.
func (a *Allocator) pageBase(addr uintptr) uintptr {
	return addr &^ uintptr(a.pageSize-1)
}

// searchBucket finds the bucket owning addr within one size class,
// checking the cached current bucket first, then the active map, then
// (if retaining metadata) the empty-buckets map. inEmpty reports
// whether the match came from the empty map, meaning the address
// belongs to a retired bucket — an invalid or stale free.
func (a *Allocator) searchBucket(class uint, addr uintptr) (h *bucketHeader, inEmpty bool) {
	st := a.perClass[class]
	base := a.pageBase(addr)

	if st.current != nil && st.current.pageAddr == base {
		return st.current, false
	}
	key := &bucketHeader{pageAddr: base}
	if item := st.active.Get(key); item != nil {
		return item.(*bucketHeader), false
	}
	if st.empty != nil {
		if item := st.empty.Get(key); item != nil {
			return item.(*bucketHeader), true
		}
	}
	return nil, false
}

// slotIndex returns the slot index of addr within hdr, assuming addr
// lies within hdr's page.
func (h *bucketHeader) slotIndex(addr uintptr) int {
	size := 1 << h.sizeClass
	return int(addr-h.pageAddr) / size
}

// retireBucket runs when a bucket's used count drops to zero: remove
// it from the active map, release its page unless NeverUnmap is set,
// and either drop the header or move it to the empty-buckets map for
// continued double-free detection.
func (a *Allocator) retireBucket(class uint, h *bucketHeader) error {
	st := a.perClass[class]
	st.active.Delete(h)
	if st.current == h {
		st.current = nil
	}

	if !a.cfg.NeverUnmap {
		if err := a.backing.RawFree(h.page, a.classes.numClasses, 0); err != nil {
			return err
		}
	}

	if a.cfg.RetainMetadata {
		if st.empty == nil {
			st.empty = btree.New(32)
		}
		// Set allocCursor to slotCount so the retained header reads as
		// exhausted. Lookups find it through the empty map by page
		// address; its size class stays in h.sizeClass.
		h.allocCursor = h.slotCount
		st.empty.ReplaceOrInsert(h)
	}
	return nil
}

// leakWalkClass visits every live slot across every bucket in one
// size class's active map, in address order, reporting each one. It
// walks the whole map rather than only the current bucket, so a leak
// in an exhausted bucket that is no longer current is still caught.
func (a *Allocator) leakWalkClass(class uint, report func(addr uintptr, size int, alloc stackTrace)) (leaked bool) {
	st := a.perClass[class]
	if st == nil {
		return false
	}
	st.active.Ascend(func(item btree.Item) bool {
		h := item.(*bucketHeader)
		size := 1 << h.sizeClass
		for i := 0; i < h.slotCount; i++ {
			if bitGet(h.usedBits, i) {
				leaked = true
				var tr stackTrace
				if h.allocTraces != nil {
					tr = h.allocTraces[i]
				}
				report(h.pageAddr+uintptr(i*size), size, tr)
			}
		}
		return true
	})
	return leaked
}
