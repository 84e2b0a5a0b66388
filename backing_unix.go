// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// +build darwin dragonfly freebsd linux openbsd solaris netbsd

// Modifications (c) 2017 The Memory Authors.

package gpa

import (
	"sync"
	"syscall"
	"unsafe"
)

// MmapBacking is a Backing implementation over anonymous mmap,
// generalized from page-only sizes to arbitrary page-aligned lengths
// and keeping its own region table so RawFree can recover the mapped
// extent from any sub-slice of it.
type MmapBacking struct {
	mu        sync.Mutex
	pageSize  int
	regions   map[uintptr]int // mapped base address -> mapped length
}

// NewMmapBacking constructs a ready-to-use MmapBacking.
func NewMmapBacking() *MmapBacking {
	return &MmapBacking{
		pageSize: osPageSize(),
		regions:  map[uintptr]int{},
	}
}

func (m *MmapBacking) PageSize() int { return m.pageSize }

func (m *MmapBacking) RawAlloc(length int, log2Align uint, _ uintptr) ([]byte, error) {
	if length <= 0 {
		length = 1
	}
	align := 1 << log2Align
	mapLen := roundupBacking(length, m.pageSize)
	if align > m.pageSize {
		// Over-allocate so we can hand back a sub-range whose start
		// satisfies an alignment requirement coarser than the page
		// size itself.
		mapLen += align
	}

	flags := syscall.MAP_SHARED | syscall.MAP_ANON
	prot := syscall.PROT_READ | syscall.PROT_WRITE
	b, err := syscall.Mmap(-1, 0, mapLen, prot, flags)
	if err != nil {
		return nil, wrapBacking(err, "mmap")
	}

	base := uintptr(unsafe.Pointer(&b[0]))
	start := 0
	if align > m.pageSize {
		aligned := roundupBacking(int(base), align) - int(base)
		start = aligned
	}

	m.mu.Lock()
	m.regions[base] = mapLen
	m.mu.Unlock()

	return b[start : start+length : start+mapLen-start], nil
}

func (m *MmapBacking) RawResize(b []byte, _ uint, newLength int, _ uintptr) bool {
	if len(b) == 0 {
		return newLength == 0
	}
	return newLength <= cap(b)
}

func (m *MmapBacking) RawFree(b []byte, _ uint, _ uintptr) error {
	if len(b) == 0 {
		return nil
	}
	// Recover the original mmap base. For a range that was not
	// over-aligned the slice starts at the mapping base, so masking to
	// the page boundary finds it in regions. An over-aligned range may
	// start pages past its mapping base; then the mapping containing
	// the address is looked up instead.
	addr := uintptr(unsafe.Pointer(&b[0]))
	base := addr &^ uintptr(m.pageSize-1)

	m.mu.Lock()
	mapLen, ok := m.regions[base]
	if !ok {
		for start, n := range m.regions {
			if addr >= start && addr < start+uintptr(n) {
				base, mapLen, ok = start, n, true
				break
			}
		}
	}
	if ok {
		delete(m.regions, base)
	}
	m.mu.Unlock()

	if !ok {
		// Conservative fallback: unmap exactly the slice's own
		// capacity, rounded to a page. This only happens if a caller
		// frees a pointer this Backing never produced, which the
		// top-level allocator's own bookkeeping should prevent.
		mapLen = roundupBacking(cap(b), m.pageSize)
		base = addr
	}

	baseSlice := unsafe.Slice((*byte)(unsafe.Pointer(base)), mapLen)
	_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP, uintptr(unsafe.Pointer(&baseSlice[0])), uintptr(mapLen), 0)
	if errno != 0 {
		return wrapBacking(errno, "munmap")
	}
	return nil
}
