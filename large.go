// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpa

import "unsafe"

// largeAlloc is one entry of the hash-indexed large-allocation table.
type largeAlloc struct {
	b             []byte
	requestedSize int // only meaningful when EnableMemoryLimit is set
	log2Align     uint
	allocTrace    stackTrace
	freeTrace     stackTrace // only when RetainMetadata
	freed         bool       // only meaningful when RetainMetadata
}

// largeTable is the associative map from allocation base address to
// largeAlloc. Lookup is always by exact key and leak detection needs a
// full-map walk, nothing ordered, so a plain hash map is sufficient.
type largeTable struct {
	m map[uintptr]*largeAlloc
}

func newLargeTable() *largeTable {
	return &largeTable{m: map[uintptr]*largeAlloc{}}
}

// addrOf recovers b's base address. unsafe.SliceData is used instead
// of &b[0] so a zero-length slice that still has a non-zero capacity
// (a zero-length allocation carved out of a live bucket or large
// region) reports its real address rather than 0.
func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// allocLarge delegates to the backing allocator and records the
// result.
func (a *Allocator) allocLarge(length int, log2Align uint, retAddr uintptr) ([]byte, error) {
	b, err := a.backing.RawAlloc(length, log2Align, retAddr)
	if err != nil {
		return nil, err
	}

	rec := &largeAlloc{b: b, log2Align: log2Align}
	if a.cfg.EnableMemoryLimit {
		rec.requestedSize = length
	}
	if a.cfg.StackTraceFrames > 0 {
		rec.allocTrace = captureTrace(a.cfg.StackTraceFrames)
	}
	a.large.m[addrOf(b)] = rec
	return b, nil
}

// resizeLarge attempts a resize in place: the cap pre-check happens
// before the backing allocator is touched, because the backing
// allocator may not be able to revert a refused request.
func (a *Allocator) resizeLarge(rec *largeAlloc, newLength int, retAddr uintptr) bool {
	if a.cfg.EnableMemoryLimit {
		delta := newLength - rec.requestedSize
		if delta > 0 && a.totalRequested+uint(delta) > a.cfg.RequestedMemoryLimit {
			return false
		}
	}

	if !a.backing.RawResize(rec.b, rec.log2Align, newLength, retAddr) {
		return false
	}

	if a.cfg.EnableMemoryLimit {
		a.totalRequested = uint(int(a.totalRequested) + (newLength - rec.requestedSize))
		rec.requestedSize = newLength
	}
	rec.b = rec.b[:newLength]
	if a.cfg.StackTraceFrames > 0 {
		rec.allocTrace = captureTrace(a.cfg.StackTraceFrames)
	}
	return true
}

// freeLarge unmaps the allocation unless NeverUnmap is set, adjusts
// the byte cap, then drops or retains the record.
func (a *Allocator) freeLarge(addr uintptr, rec *largeAlloc, retAddr uintptr) error {
	if !a.cfg.NeverUnmap {
		if err := a.backing.RawFree(rec.b, rec.log2Align, retAddr); err != nil {
			return err
		}
	}
	if a.cfg.EnableMemoryLimit {
		a.totalRequested -= uint(rec.requestedSize)
	}
	if a.cfg.RetainMetadata {
		rec.freed = true
		if a.cfg.StackTraceFrames > 0 {
			rec.freeTrace = captureTrace(a.cfg.StackTraceFrames)
		}
		return nil
	}
	delete(a.large.m, addr)
	return nil
}

// leakWalkLarge visits every live large allocation, skipping entries
// marked freed when retention is on.
func (a *Allocator) leakWalkLarge(report func(addr uintptr, size int, alloc stackTrace)) (leaked bool) {
	for addr, rec := range a.large.m {
		if a.cfg.RetainMetadata && rec.freed {
			continue
		}
		leaked = true
		report(addr, len(rec.b), rec.allocTrace)
	}
	return leaked
}
