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

package timer

import (
	"context"
	"sync"
	"time"
)

// PeriodicRunner runs a callback at regular intervals. The next run is
// scheduled only after the current one completes, so a slow callback never
// stacks executions. Stop cancels the callback context and waits for any
// in-flight run.
type PeriodicRunner struct {
	parentCtx context.Context
	interval  time.Duration

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	wg       sync.WaitGroup
	callback func(ctx context.Context)
}

// NewPeriodicRunner creates a runner with the given parent context and
// interval. The callback context is derived from the parent on each Start.
func NewPeriodicRunner(ctx context.Context, interval time.Duration) *PeriodicRunner {
	return &PeriodicRunner{
		parentCtx: ctx,
		interval:  interval,
	}
}

// Start begins periodic execution of callback. Returns false if the runner
// is already running.
func (r *PeriodicRunner) Start(callback func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return false
	}
	r.running = true
	r.callback = callback
	r.ctx, r.cancel = context.WithCancel(r.parentCtx)
	r.scheduleNext()
	return true
}

// Stop cancels the callback context, prevents further runs and waits for
// any in-flight callback. The runner can be started again afterwards.
// Idempotent.
func (r *PeriodicRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.ctx = nil
	r.cancel = nil
	r.callback = nil
	r.mu.Unlock()

	r.wg.Wait()
}

// Running reports whether the runner is active.
func (r *PeriodicRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// scheduleNext must be called with r.mu held.
func (r *PeriodicRunner) scheduleNext() {
	r.timer = time.AfterFunc(r.interval, r.execute)
}

func (r *PeriodicRunner) execute() {
	r.mu.Lock()
	if !r.running || r.ctx == nil {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	defer r.wg.Done()

	callback := r.callback
	ctx := r.ctx
	// Run without the lock so Stop is never blocked by the callback.
	r.mu.Unlock()

	callback(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.scheduleNext()
	}
}
