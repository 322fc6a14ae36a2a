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

// Package connpool lends connhandle handles to callers and recycles them
// on release: broken handles are physically closed, healthy ones are parked
// idle and evicted by a periodic scan.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harborpool/harborpool/go/pools/connhandle"
	"github.com/harborpool/harborpool/go/tools/timer"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolExhausted is returned when the pool has reached capacity.
	ErrPoolExhausted = errors.New("pool exhausted")
)

// Factory dials a new physical backend connection.
type Factory func(ctx context.Context) (connhandle.BackendConn, error)

// Pool hands out connection handles and takes them back through the
// handle's release path.
type Pool struct {
	// idle holds parked handles, most recently released last.
	// Protected by mu.
	idle []*connhandle.Conn
	mu   sync.Mutex

	factory Factory
	cfg     Config

	logger     *slog.Logger
	metrics    *connhandle.Metrics
	classifier *connhandle.FatalClassifier

	// sched is the shared delay scheduler used for leak detection.
	sched *timer.Scheduler

	// idleScan evicts handles that sat idle past the configured timeout.
	idleScan *timer.PeriodicRunner

	active   atomic.Int64
	borrowed atomic.Int64
	closed   atomic.Bool
}

// Options carries the pool's optional collaborators.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *connhandle.Metrics

	// Classifier defaults to connhandle.DefaultFatalClassifier().
	Classifier *connhandle.FatalClassifier
}

// New creates a pool and starts its idle scanner. The context is the parent
// for background maintenance; cancelling it stops the scanner's callbacks.
func New(ctx context.Context, factory Factory, cfg Config, opts Options) *Pool {
	cfg.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Classifier == nil {
		opts.Classifier = connhandle.DefaultFatalClassifier()
	}

	p := &Pool{
		factory:    factory,
		cfg:        cfg,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		classifier: opts.Classifier,
		sched:      timer.NewScheduler(),
		idleScan:   timer.NewPeriodicRunner(ctx, cfg.IdleScanInterval),
	}
	p.idleScan.Start(p.scanIdle)
	return p
}

// Get returns an OPEN handle, reusing an idle one when possible. Reused
// handles get their default isolation level restored and, when leak
// detection is enabled, a freshly armed leak task.
func (p *Pool) Get(ctx context.Context) (*connhandle.Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	for {
		h := p.popIdle()
		if h == nil {
			break
		}
		if p.expired(h) {
			p.discard(ctx, h, "max lifetime exceeded")
			continue
		}

		h.Unclose()
		if h.IsIsolationDirty() {
			if err := h.SetIsolation(ctx, p.cfg.DefaultIsolation); err != nil {
				p.discard(ctx, h, "failed to restore default isolation")
				continue
			}
			h.ResetIsolationDirty()
		}
		h.CaptureStack(p.cfg.LeakThreshold, p.sched)
		p.borrowed.Add(1)
		return h, nil
	}

	if p.active.Load() >= int64(p.cfg.Capacity) {
		return nil, ErrPoolExhausted
	}

	backend, err := p.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	h := connhandle.New(backend, p, connhandle.Options{
		Classifier:       p.classifier,
		Logger:           p.logger,
		Metrics:          p.metrics,
		PoolName:         p.cfg.Name,
		DefaultIsolation: p.cfg.DefaultIsolation,
	})
	h.CaptureStack(p.cfg.LeakThreshold, p.sched)
	p.active.Add(1)
	p.borrowed.Add(1)
	return h, nil
}

// Release implements connhandle.Releaser. It runs at the tail of every
// handle Close, successful or not: broken handles are destroyed, healthy
// ones are parked for reuse.
func (p *Pool) Release(h *connhandle.Conn) {
	p.borrowed.Add(-1)

	if p.closed.Load() || h.IsBroken() || p.expired(h) {
		p.discard(context.Background(), h, "unusable on release")
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, h)
	p.mu.Unlock()
}

// Close shuts the pool down: stops maintenance, cancels outstanding leak
// tasks and physically closes every idle handle. Borrowed handles are
// destroyed as they come back through Release.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}

	p.idleScan.Stop()
	p.sched.Stop()

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, h := range idle {
		p.discard(ctx, h, "pool closed")
	}
	return nil
}

// Stats returns a point-in-time snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	active := p.active.Load()
	borrowed := p.borrowed.Load()
	return Stats{
		Active:   active,
		Borrowed: borrowed,
		Idle:     active - borrowed,
	}
}

// Stats contains pool counters.
type Stats struct {
	Active   int64 // Total live backend connections
	Borrowed int64 // Handles currently checked out
	Idle     int64 // Handles parked in the pool
}

func (p *Pool) popIdle() *connhandle.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return nil
	}
	h := p.idle[len(p.idle)-1]
	p.idle[len(p.idle)-1] = nil
	p.idle = p.idle[:len(p.idle)-1]
	return h
}

func (p *Pool) expired(h *connhandle.Conn) bool {
	return p.cfg.MaxLifetime > 0 && h.Age() > p.cfg.MaxLifetime
}

// discard physically closes a handle and drops it from the pool.
func (p *Pool) discard(ctx context.Context, h *connhandle.Conn, reason string) {
	if err := h.RealClose(); err != nil {
		p.logger.WarnContext(ctx, "failed to close backend connection",
			"conn", h.Backend().Name(),
			"reason", reason,
			"error", err)
	} else {
		p.logger.DebugContext(ctx, "closed backend connection",
			"conn", h.Backend().Name(),
			"reason", reason)
	}
	p.active.Add(-1)
}

// scanIdle evicts idle handles past the idle timeout or max lifetime.
func (p *Pool) scanIdle(ctx context.Context) {
	if p.cfg.IdleTimeout <= 0 && p.cfg.MaxLifetime <= 0 {
		return
	}

	var evict []*connhandle.Conn
	p.mu.Lock()
	keep := p.idle[:0]
	for _, h := range p.idle {
		if (p.cfg.IdleTimeout > 0 && h.IdleTime() > p.cfg.IdleTimeout) || p.expired(h) {
			evict = append(evict, h)
		} else {
			keep = append(keep, h)
		}
	}
	for i := len(keep); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = keep
	p.mu.Unlock()

	for _, h := range evict {
		p.discard(ctx, h, "idle eviction")
	}
}
