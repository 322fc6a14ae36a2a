// Copyright 2025 The Harborpool Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connhandle

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/harborpool/harborpool/go/tools/timer"
)

// CaptureStack arms leak detection for the current checkout. It records the
// caller's stack and schedules a one-shot diagnostic to fire after threshold
// unless the handle is closed first. The pool calls this immediately after
// handing the handle to a caller; a threshold of zero disables detection.
//
// Arming replaces any previous task, so at most one is outstanding per
// checkout. The diagnostic is informational: it never errors and never
// affects the handle's usability.
func (c *Conn) CaptureStack(threshold time.Duration, sched *timer.Scheduler) {
	if threshold <= 0 || sched == nil {
		return
	}

	// Skip runtime.Callers, callStack and CaptureStack itself so the trace
	// starts at the pool's checkout call site.
	stack := callStack(3)

	task := sched.Schedule(threshold, func() {
		c.logger.Warn("connection leak suspected: handle not returned within threshold",
			"conn", c.backend.Name(),
			"threshold", threshold,
			"stack", stack)
		c.metrics.AddLeaked(context.Background(), c.poolName)
	})
	if prev := c.leakTask.Swap(task); prev != nil {
		prev.Cancel()
	}
}

// callStack formats the calling goroutine's stack, skipping the given
// number of leading frames.
func callStack(skip int) string {
	pc := make([]uintptr, 32)
	n := runtime.Callers(skip, pc)
	frames := runtime.CallersFrames(pc[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}
