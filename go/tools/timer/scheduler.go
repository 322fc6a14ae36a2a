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

// Package timer provides delayed and periodic task scheduling shared across
// pool components.
package timer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler runs one-shot tasks after a delay. It tracks every outstanding
// task so Stop can cancel them all and wait for in-flight callbacks, which
// keeps shutdown clean.
//
// Schedule and Cancel are non-blocking with respect to the caller's other
// work; callbacks run on runtime timer goroutines.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[*Task]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// Task is a handle to one scheduled callback. It fires at most once.
type Task struct {
	sched *Scheduler
	timer *time.Timer

	// done flips exactly once, on fire or cancel, whichever comes first.
	done atomic.Bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{tasks: make(map[*Task]struct{})}
}

// Schedule runs fn once after delay, unless the returned task is cancelled
// first. Scheduling on a stopped scheduler returns an already-completed
// task and fn never runs.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Task {
	t := &Task{sched: s}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		t.done.Store(true)
		return t
	}
	s.tasks[t] = struct{}{}
	s.wg.Add(1)
	t.timer = time.AfterFunc(delay, func() {
		if !t.done.CompareAndSwap(false, true) {
			return
		}
		fn()
		s.finish(t)
	})
	s.mu.Unlock()

	return t
}

// Cancel stops the task if it has not fired yet. Returns true if the
// callback was prevented from running.
func (t *Task) Cancel() bool {
	if !t.done.CompareAndSwap(false, true) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.sched.finish(t)
	return true
}

// Done reports whether the task has reached a terminal state, either by
// firing or by cancellation.
func (t *Task) Done() bool {
	return t.done.Load()
}

// Stop cancels all outstanding tasks and waits for in-flight callbacks to
// complete. Further Schedule calls return dead tasks. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	pending := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		pending = append(pending, t)
	}
	s.mu.Unlock()

	for _, t := range pending {
		t.Cancel()
	}
	s.wg.Wait()
}

// finish retires a task after it fired or was cancelled.
func (s *Scheduler) finish(t *Task) {
	s.mu.Lock()
	if _, ok := s.tasks[t]; ok {
		delete(s.tasks, t)
		s.wg.Done()
	}
	s.mu.Unlock()
}
