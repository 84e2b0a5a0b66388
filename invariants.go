// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpa

import (
	"github.com/google/btree"
	"github.com/pkg/errors"
)

// CheckInvariants re-derives six structural invariants
// from scratch and reports the first one that does not hold. It is
// meant for tests, not the hot path: callers that want it enforced on
// every operation should call it themselves after Alloc/Resize/Free.
func (a *Allocator) CheckInvariants() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := map[uintptr]bool{}
	var totalRequested uint

	for class := uint(0); class < a.classes.numClasses; class++ {
		st := a.perClass[class]
		var err error
		st.active.Ascend(func(item btree.Item) bool {
			h := item.(*bucketHeader)
			if popcount(h.usedBits) != h.usedCount {
				err = errors.Errorf("bucket at %#x: used_count %d != popcount %d", h.pageAddr, h.usedCount, popcount(h.usedBits))
				return false
			}
			if h.allocCursor < 0 || h.allocCursor > h.slotCount {
				err = errors.Errorf("bucket at %#x: alloc_cursor %d out of [0, %d]", h.pageAddr, h.allocCursor, h.slotCount)
				return false
			}
			size := 1 << h.sizeClass
			for i := 0; i < h.slotCount; i++ {
				if !bitGet(h.usedBits, i) {
					continue
				}
				if i >= h.allocCursor {
					err = errors.Errorf("bucket at %#x: slot %d live but beyond alloc_cursor %d", h.pageAddr, i, h.allocCursor)
					return false
				}
				addr := h.pageAddr + uintptr(i*size)
				if seen[addr] {
					err = errors.Errorf("address %#x claimed by more than one live allocation", addr)
					return false
				}
				seen[addr] = true
				if a.cfg.EnableMemoryLimit && a.cfg.Safety {
					totalRequested += uint(h.requestedSizes[i])
				}
			}
			return true
		})
		if err != nil {
			return err
		}
	}

	for addr, rec := range a.large.m {
		if a.cfg.RetainMetadata && rec.freed {
			continue
		}
		if seen[addr] {
			return errors.Errorf("address %#x claimed by more than one live allocation", addr)
		}
		seen[addr] = true
		if a.cfg.EnableMemoryLimit {
			totalRequested += uint(rec.requestedSize)
		}
	}

	if a.cfg.EnableMemoryLimit && a.cfg.Safety && totalRequested != a.totalRequested {
		return errors.Errorf("total_requested_bytes %d does not match the sum of live requested lengths %d", a.totalRequested, totalRequested)
	}
	return nil
}
