// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpa

import (
	"fmt"
	"runtime"
	"strings"
)

// stackTrace is a slice of captured program counters. A nil/empty
// trace means capture was disabled (Config.StackTraceFrames == 0).
type stackTrace []uintptr

// framesToSkip skips runtime.Callers, captureTrace and captureTrace's
// direct caller, so the captured trace starts two frames above
// captureTrace rather than inside it. On most paths that frame is the
// public Alloc/Resize/Free method, and the user's call site follows it.
const framesToSkip = 3

// captureTrace fills a trace of up to depth frames starting two frames
// above itself (see framesToSkip). depth == 0 disables capture,
// matching Config.StackTraceFrames == 0.
func captureTrace(depth int) stackTrace {
	if depth <= 0 {
		return nil
	}
	pcs := make([]uintptr, depth)
	n := runtime.Callers(framesToSkip, pcs)
	return stackTrace(pcs[:n])
}

// String renders a trace as one function/file/line per line, resolved
// lazily so capture itself stays cheap.
func (t stackTrace) String() string {
	if len(t) == 0 {
		return "(no stack trace)"
	}
	frames := runtime.CallersFrames(t)
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "\t%s\n\t\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}
