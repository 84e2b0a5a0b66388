// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpa

import "os"

// osPageSize returns the system page size.
func osPageSize() int { return os.Getpagesize() }
