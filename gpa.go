// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gpa implements a general-purpose heap allocator: a
// segregated-fit small-object allocator with per-slot metadata, plus a
// hash-indexed table for large objects, instrumented for double-free
// and leak detection with captured allocation stack traces.
//
// It sits between application code and a page-granularity Backing
// allocator and exposes a byte-granularity interface of three
// operations (Alloc, Resize, Free) plus a terminal leak check
// (Dealloc).
package gpa

import (
	"sync"

	"github.com/google/btree"
)

// undefinedFillByte is written over freed/shrunk bytes so a
// use-after-free or use-after-shrink bug reads garbage instead of
// zeros, the classic debug-allocator poison value.
const undefinedFillByte = 0xaa

// Allocator holds the allocator's configuration, mutex, per-size-class
// state and the large-allocation table, all guarded by one lock taken
// for the duration of every call.
type Allocator struct {
	cfg      Config
	backing  Backing
	mu       sync.Locker
	pageSize int
	classes  sizeClassTable
	perClass []*sizeClassState
	large    *largeTable

	totalRequested uint
	logger         Logger
}

// New constructs an Allocator over backing. A nil backing defaults to
// MmapBacking, the mmap-based implementation in backing_unix.go /
// backing_windows.go.
func New(cfg Config, backing Backing) (*Allocator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if backing == nil {
		backing = NewMmapBacking()
	}

	pageSize := backing.PageSize()
	classes := newSizeClassTable(pageSize)
	perClass := make([]*sizeClassState, classes.numClasses)
	for i := range perClass {
		perClass[i] = newSizeClassState()
	}

	return &Allocator{
		cfg:      cfg,
		backing:  backing,
		mu:       newMutex(cfg),
		pageSize: pageSize,
		classes:  classes,
		perClass: perClass,
		large:    newLargeTable(),
		logger:   cfg.logger(),
	}, nil
}

// Alloc implements allocate: classify by effective
// size, route to the bucket engine or the large table, never
// partially charge the byte cap on failure. Returns nil on
// out-of-memory or cap exhaustion.
func (a *Allocator) Alloc(length int, log2Align uint, retAddr uintptr) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.EnableMemoryLimit && a.totalRequested+uint(length) > a.cfg.RequestedMemoryLimit {
		if a.cfg.VerboseLog {
			a.logger.Logf("gpa: alloc(%d) refused: would exceed memory limit of %d", length, a.cfg.RequestedMemoryLimit)
		}
		return nil
	}

	effective := effectiveSize(length, log2Align)
	var out []byte
	var err error
	if class, _, ok := a.classes.classFor(effective); ok {
		out, err = a.allocSlot(class, length, log2Align, retAddr)
	} else {
		out, err = a.allocLarge(length, log2Align, retAddr)
	}
	if err != nil || out == nil {
		if a.cfg.VerboseLog {
			a.logger.Logf("gpa: alloc(%d, align=1<<%d) failed: %v", length, log2Align, err)
		}
		return nil
	}

	if a.cfg.EnableMemoryLimit {
		a.totalRequested += uint(length)
	}
	if a.cfg.VerboseLog {
		a.logger.Logf("gpa: alloc(%d, align=1<<%d) -> %#x", length, log2Align, addrOf(out))
	}
	return out[:length]
}

// locatedIn discriminates what locate found.
type locatedIn int

const (
	locatedNone locatedIn = iota
	locatedBucket
	locatedEmptyBucket
	locatedLarge
)

type location struct {
	kind  locatedIn
	hdr   *bucketHeader
	class uint
	slot  int
	rec   *largeAlloc
}

// locate runs the search shared by Resize and Free: guess the size
// class from the effective size of (oldLen,
// log2OldAlign), then try progressively larger classes (the original
// slot may live in a larger class than a naive recomputation would
// suggest), then the large table. Within each class the search covers
// the active map and (if retaining metadata) the empty-buckets map,
// whose match means an invalid or stale free.
func (a *Allocator) locate(addr uintptr, oldLen int, log2OldAlign uint) location {
	effective := effectiveSize(oldLen, log2OldAlign)
	if class0, _, ok := a.classes.classFor(effective); ok {
		for c := class0; c < a.classes.numClasses; c++ {
			if h, inEmpty := a.searchBucket(c, addr); h != nil {
				kind := locatedBucket
				if inEmpty {
					kind = locatedEmptyBucket
				}
				return location{kind: kind, hdr: h, class: c, slot: h.slotIndex(addr)}
			}
		}
	}
	if rec, ok := a.large.m[addr]; ok {
		return location{kind: locatedLarge, rec: rec}
	}
	return location{kind: locatedNone}
}

// Resize attempts to keep the same base address while changing the
// logical length. It succeeds iff the
// new size fits in the same size class (small path) or the backing
// allocator agrees to resize in place (large path).
func (a *Allocator) Resize(b []byte, log2OldAlign uint, newLength int, retAddr uintptr) (ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	addr := addrOf(b)
	oldLen := len(b)
	if a.cfg.VerboseLog {
		defer func() {
			a.logger.Logf("gpa: resize(%#x, %d -> %d) ok=%v", addr, oldLen, newLength, ok)
		}()
	}

	loc := a.locate(addr, oldLen, log2OldAlign)
	switch loc.kind {
	case locatedEmptyBucket:
		a.reportStaleBucketFree(loc.hdr, loc.slot, retAddr)
		return false
	case locatedBucket:
		return a.resizeSlot(loc.hdr, loc.class, loc.slot, oldLen, log2OldAlign, newLength)
	case locatedLarge:
		rec := loc.rec
		if a.cfg.RetainMetadata && rec.freed {
			a.reportLargeDoubleFree(addr, rec, retAddr)
			return false
		}
		if a.cfg.Safety && len(rec.b) != oldLen {
			reportMismatch(a.logger, addr, "resize length mismatch", rec.allocTrace, a.currentTrace())
			return false
		}
		return a.resizeLarge(rec, newLength, retAddr)
	default:
		reportInvalidFree(a.logger, addr, a.currentTrace())
		return false
	}
}

// Free locates the allocation exactly as Resize does, runs the safety
// assertions, captures the free trace, and clears the slot or
// drops/retains the large record.
func (a *Allocator) Free(b []byte, log2Align uint, retAddr uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	addr := addrOf(b)
	oldLen := len(b)

	loc := a.locate(addr, oldLen, log2Align)
	switch loc.kind {
	case locatedEmptyBucket:
		// double free against a retired, retained bucket: recoverable,
		// no further state mutation.
		a.reportStaleBucketFree(loc.hdr, loc.slot, retAddr)
		return
	case locatedBucket:
		a.freeBucketSlot(loc.hdr, loc.class, loc.slot, oldLen, log2Align, retAddr)
	case locatedLarge:
		a.freeLargeChecked(addr, loc.rec, oldLen, retAddr)
	default:
		reportInvalidFree(a.logger, addr, a.currentTrace())
		a.abort(ErrInvalidFree)
	}
}

// freeBucketSlot runs the small-path safety checks and clears the
// slot.
func (a *Allocator) freeBucketSlot(hdr *bucketHeader, class uint, slot int, oldLen int, log2Align uint, retAddr uintptr) {
	if !bitGet(hdr.usedBits, slot) {
		var allocTr, freeTr stackTrace
		if hdr.allocTraces != nil {
			allocTr, freeTr = hdr.allocTraces[slot], hdr.freeTraces[slot]
		}
		addr := hdr.pageAddr + uintptr(slot*(1<<class))
		reportDoubleFree(a.logger, addr, allocTr, freeTr, a.currentTrace())
		return // recoverable: detected in Free, not Resize.
	}

	if a.cfg.Safety {
		if hdr.requestedSizes[slot] != oldLen {
			reportMismatch(a.logger, hdr.pageAddr+uintptr(slot*(1<<class)), "freed length mismatch", hdr.allocTraces[slot], a.currentTrace())
			a.abort(ErrSizeMismatch)
			return
		}
		if hdr.log2Aligns[slot] != log2Align {
			reportMismatch(a.logger, hdr.pageAddr+uintptr(slot*(1<<class)), "freed alignment mismatch", hdr.allocTraces[slot], a.currentTrace())
			a.abort(ErrAlignMismatch)
			return
		}
	}
	if oldLen == 0 {
		a.abort(ErrZeroLengthFree)
		return
	}

	if hdr.freeTraces != nil {
		hdr.freeTraces[slot] = captureTrace(a.cfg.StackTraceFrames)
	}
	bitClear(hdr.usedBits, slot)
	hdr.usedCount--
	if a.cfg.Safety {
		hdr.requestedSizes[slot] = 0
	}

	size := 1 << class
	poison(hdr.page[slot*size : slot*size+size])

	if a.cfg.EnableMemoryLimit {
		a.totalRequested -= uint(oldLen)
	}
	if a.cfg.VerboseLog {
		a.logger.Logf("gpa: free(%#x, %d) ok", hdr.pageAddr+uintptr(slot*size), oldLen)
	}

	if hdr.usedCount == 0 {
		if err := a.retireBucket(class, hdr); err != nil {
			a.logger.Logf("gpa: retiring bucket at %#x failed: %v", hdr.pageAddr, err)
		}
	}
}

// resizeSlot is the small-path half of resize: it succeeds iff
// newLength still fits the same size class.
func (a *Allocator) resizeSlot(hdr *bucketHeader, class uint, slot int, oldLen int, log2OldAlign uint, newLength int) bool {
	if a.cfg.Safety {
		if hdr.requestedSizes[slot] != oldLen || hdr.log2Aligns[slot] != log2OldAlign {
			reportMismatch(a.logger, hdr.pageAddr+uintptr(slot*(1<<class)), "resize length/alignment mismatch", hdr.allocTraces[slot], a.currentTrace())
			return false
		}
	}

	if effectiveSize(newLength, log2OldAlign) > 1<<class {
		return false
	}

	size := 1 << class
	base := slot * size
	if newLength < oldLen {
		poison(hdr.page[base+newLength : base+oldLen])
	}
	if a.cfg.Safety {
		hdr.requestedSizes[slot] = newLength
	}
	if a.cfg.EnableMemoryLimit {
		a.totalRequested = uint(int(a.totalRequested) + (newLength - oldLen))
	}
	return true
}

// freeLargeChecked runs the large-path safety checks before
// delegating to freeLarge.
func (a *Allocator) freeLargeChecked(addr uintptr, rec *largeAlloc, oldLen int, retAddr uintptr) {
	if a.cfg.RetainMetadata && rec.freed {
		a.reportLargeDoubleFree(addr, rec, retAddr)
		return // recoverable, same as the bucket path.
	}
	if a.cfg.Safety && len(rec.b) != oldLen {
		reportMismatch(a.logger, addr, "freed length mismatch", rec.allocTrace, a.currentTrace())
		a.abort(ErrSizeMismatch)
		return
	}
	if oldLen == 0 {
		a.abort(ErrZeroLengthFree)
		return
	}
	if err := a.freeLarge(addr, rec, retAddr); err != nil {
		a.logger.Logf("gpa: free failed: %v", err)
	}
	if a.cfg.VerboseLog {
		a.logger.Logf("gpa: free(%#x, %d) ok", addr, oldLen)
	}
}

// Dealloc runs leak detection over every bucket in every size class's
// active map, not just the current bucket, plus the large table, then
// releases retained metadata, the large table, and the per-size-class
// state. It reports, and then reclaims, any still-live allocation
// unless NeverUnmap is set, so a long-running process never keeps a
// real mmap'd page around just because its bookkeeping reported a
// leak.
func (a *Allocator) Dealloc() (leak bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for class := uint(0); class < a.classes.numClasses; class++ {
		if a.leakWalkClass(class, func(addr uintptr, size int, tr stackTrace) {
			reportLeak(a.logger, addr, size, tr)
		}) {
			leak = true
		}
		if !a.cfg.NeverUnmap {
			st := a.perClass[class]
			st.active.Ascend(func(item btree.Item) bool {
				h := item.(*bucketHeader)
				if err := a.backing.RawFree(h.page, a.classes.numClasses, 0); err != nil {
					a.logger.Logf("gpa: dealloc: releasing bucket at %#x failed: %v", h.pageAddr, err)
				}
				return true
			})
		}
	}

	if a.leakWalkLarge(func(addr uintptr, size int, tr stackTrace) {
		reportLeak(a.logger, addr, size, tr)
	}) {
		leak = true
	}
	if !a.cfg.NeverUnmap {
		for addr, rec := range a.large.m {
			if a.cfg.RetainMetadata && rec.freed {
				continue
			}
			if err := a.backing.RawFree(rec.b, rec.log2Align, 0); err != nil {
				a.logger.Logf("gpa: dealloc: releasing large allocation at %#x failed: %v", addr, err)
			}
		}
	}

	a.perClass = make([]*sizeClassState, a.classes.numClasses)
	for i := range a.perClass {
		a.perClass[i] = newSizeClassState()
	}
	a.large = newLargeTable()
	a.totalRequested = 0
	return leak
}

// SetRequestedMemoryLimit changes the byte cap, enabling it if it was
// not already enabled.
func (a *Allocator) SetRequestedMemoryLimit(limit uint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.RequestedMemoryLimit = limit
	a.cfg.EnableMemoryLimit = true
}

// FlushRetainedMetadata drops all freed-but-retained records. It is a
// no-op unless Config.RetainMetadata was set at New.
func (a *Allocator) FlushRetainedMetadata() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.cfg.RetainMetadata {
		return
	}
	for class := uint(0); class < a.classes.numClasses; class++ {
		a.perClass[class].empty = nil
	}
	for addr, rec := range a.large.m {
		if rec.freed {
			delete(a.large.m, addr)
		}
	}
}

// TotalRequestedBytes reports total_requested_bytes. Only meaningful
// when Config.EnableMemoryLimit is set.
func (a *Allocator) TotalRequestedBytes() uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalRequested
}

// PageSize reports the system page size discovered from Backing.
func (a *Allocator) PageSize() int { return a.pageSize }

func (a *Allocator) currentTrace() stackTrace { return captureTrace(a.cfg.StackTraceFrames) }

func (a *Allocator) reportStaleBucketFree(hdr *bucketHeader, slot int, retAddr uintptr) {
	var allocTr, freeTr stackTrace
	if hdr.allocTraces != nil {
		allocTr, freeTr = hdr.allocTraces[slot], hdr.freeTraces[slot]
	}
	size := 1 << hdr.sizeClass
	reportDoubleFree(a.logger, hdr.pageAddr+uintptr(slot*size), allocTr, freeTr, a.currentTrace())
}

func (a *Allocator) reportLargeDoubleFree(addr uintptr, rec *largeAlloc, retAddr uintptr) {
	reportDoubleFree(a.logger, addr, rec.allocTrace, rec.freeTrace, a.currentTrace())
}

// abort logs nothing further (the caller already reported the
// specifics) and halts on a non-recoverable safety violation.
func (a *Allocator) abort(reason error) {
	panic(reason)
}

func poison(b []byte) {
	for i := range b {
		b[i] = undefinedFillByte
	}
}
