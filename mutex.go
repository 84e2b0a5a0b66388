// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpa

import "sync"

// noopMutex is used when Config.ThreadSafe is false and no custom
// MutexType is supplied. It compiles down to nothing, so a real mutex
// is used when thread safety is requested and this no-op stand-in
// otherwise, with identical allocator code either way.
type noopMutex struct{}

func (noopMutex) Lock()   {}
func (noopMutex) Unlock() {}

// MutexFactory constructs a sync.Locker for Config.MutexType. A
// custom factory must return a value whose Lock/Unlock require no
// further configuration.
type MutexFactory func() sync.Locker

func newMutex(cfg Config) sync.Locker {
	if cfg.MutexType != nil {
		return cfg.MutexType()
	}
	if cfg.ThreadSafe {
		return &sync.Mutex{}
	}
	return noopMutex{}
}
