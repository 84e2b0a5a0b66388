// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2017 The Memory Authors.

// +build windows

package gpa

import (
	"sync"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
)

// MmapBacking is a Backing implementation over Windows file mappings,
// using the two-step CreateFileMapping/MapViewOfFile process.
type MmapBacking struct {
	mu        sync.Mutex
	pageSize  int
	handles   map[uintptr]syscall.Handle
	regions   map[uintptr]int
}

func NewMmapBacking() *MmapBacking {
	return &MmapBacking{
		pageSize: osPageSize(),
		handles:  map[uintptr]syscall.Handle{},
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

	flProtect := uint32(syscall.PAGE_READWRITE)
	dwDesiredAccess := uint32(syscall.FILE_MAP_WRITE)
	maxSizeHigh := uint32(int64(mapLen) >> 32)
	maxSizeLow := uint32(int64(mapLen) & 0xFFFFFFFF)

	h, errno := syscall.CreateFileMapping(syscall.Handle(^uintptr(0)), nil, flProtect, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return nil, wrapBacking(errors.Wrap(errno, "CreateFileMapping"), "mmap")
	}

	addr, errno := syscall.MapViewOfFile(h, dwDesiredAccess, 0, 0, uintptr(mapLen))
	if addr == 0 {
		syscall.CloseHandle(h)
		return nil, wrapBacking(errors.Wrap(errno, "MapViewOfFile"), "mmap")
	}

	start := 0
	if align > m.pageSize {
		start = roundupBacking(int(addr), align) - int(addr)
	}

	m.mu.Lock()
	m.handles[addr] = h
	m.regions[addr] = mapLen
	m.mu.Unlock()

	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), mapLen)
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
	p := uintptr(unsafe.Pointer(&b[0]))
	addr := p &^ uintptr(m.pageSize-1)

	m.mu.Lock()
	if _, found := m.regions[addr]; !found {
		// An over-aligned range may start pages past its view's base;
		// find the view that contains it.
		for base, n := range m.regions {
			if p >= base && p < base+uintptr(n) {
				addr = base
				break
			}
		}
	}
	handle, ok := m.handles[addr]
	delete(m.handles, addr)
	delete(m.regions, addr)
	m.mu.Unlock()

	if !ok {
		return errors.New("gpa: unknown base address passed to RawFree")
	}

	if err := syscall.UnmapViewOfFile(addr); err != nil {
		return wrapBacking(err, "munmap")
	}
	return wrapBacking(syscall.CloseHandle(handle), "close handle")
}
