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
	"database/sql"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/harborpool/harborpool/go/pgerr"
	"github.com/harborpool/harborpool/go/tools/timer"
)

// ErrConnClosed is returned when a backend-delegating operation is invoked
// on a closed handle. No backend call is made in that case.
var ErrConnClosed = errors.New("connection is closed")

// Conn wraps one physical backend connection for the duration of a checkout.
//
// All backend-delegating operations follow the single-owner-goroutine
// discipline: one caller drives them at a time. Pool maintenance runs on
// other goroutines and only reads the atomic metadata fields (closed,
// broken, lastUsed), so those are atomically visible without the owner
// taking a lock.
type Conn struct {
	backend  BackendConn
	releaser Releaser

	classifier *FatalClassifier
	logger     *slog.Logger
	metrics    *Metrics
	poolName   string

	// defaultIsolation is the configured session default; SetIsolation
	// marks the handle dirty when moved away from it.
	defaultIsolation sql.IsolationLevel

	// createdAt is set once at construction and never changes.
	createdAt time.Time

	// lastUsed is a unix-nano timestamp written at construction and in
	// Close's epilogue. Read by pool maintenance for idle eviction.
	lastUsed atomic.Int64

	// closed is the OPEN/CLOSED state. false = OPEN.
	closed atomic.Bool

	// broken is sticky: set on the first fatal backend error, never
	// cleared for the remainder of the checkout.
	broken atomic.Bool

	isolationDirty atomic.Bool

	// statements is owned by the current checkout and touched only by the
	// owner goroutine.
	statements statementList

	// leakTask holds at most one outstanding leak-detection task.
	leakTask atomic.Pointer[timer.Task]
}

// Options configures a new handle. Zero values select the process defaults.
type Options struct {
	// Classifier decides which SQLSTATEs break the connection.
	// Defaults to DefaultFatalClassifier().
	Classifier *FatalClassifier

	// Logger receives broken-connection and leak diagnostics.
	// Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *Metrics

	// PoolName tags diagnostics and metrics.
	PoolName string

	// DefaultIsolation is the session default isolation level.
	DefaultIsolation sql.IsolationLevel
}

// New creates an OPEN handle around the given backend connection.
func New(backend BackendConn, releaser Releaser, opts Options) *Conn {
	if opts.Classifier == nil {
		opts.Classifier = DefaultFatalClassifier()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Conn{
		backend:          backend,
		releaser:         releaser,
		classifier:       opts.Classifier,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		poolName:         opts.PoolName,
		defaultIsolation: opts.DefaultIsolation,
		createdAt:        time.Now(),
	}
	c.lastUsed.Store(c.createdAt.UnixNano())
	return c
}

// Backend returns the physical connection. Used by introspection and by
// the pool on eviction.
func (c *Conn) Backend() BackendConn {
	return c.backend
}

// CreatedAt returns the handle's construction time.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// LastUsedAt returns the time of the last construction or successful close.
func (c *Conn) LastUsedAt() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// IdleTime returns the duration since the handle was last used.
func (c *Conn) IdleTime() time.Duration {
	return time.Since(c.LastUsedAt())
}

// Age returns the duration since the handle was created.
func (c *Conn) Age() time.Duration {
	return time.Since(c.createdAt)
}

// IsClosed reports whether the handle is CLOSED.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// IsBroken reports whether a fatal backend error was observed during this
// checkout.
func (c *Conn) IsBroken() bool {
	return c.broken.Load()
}

// IsIsolationDirty reports whether the caller moved the isolation level
// away from the configured default.
func (c *Conn) IsIsolationDirty() bool {
	return c.isolationDirty.Load()
}

// ResetIsolationDirty is called by the pool after restoring the default
// isolation level on reuse.
func (c *Conn) ResetIsolationDirty() {
	c.isolationDirty.Store(false)
}

// CheckError extracts the SQLSTATE from a backend error and marks the
// handle broken when the classifier deems it fatal. The flag is sticky;
// the error itself is never altered or suppressed.
func (c *Conn) CheckError(err error) {
	code := pgerr.SQLState(err)
	if code == "" || !c.classifier.IsFatal(code) {
		return
	}
	if !c.broken.Swap(true) {
		c.metrics.AddBroken(context.Background(), c.poolName)
	}
	c.logger.Warn("connection marked as broken",
		"conn", c.backend.Name(),
		"sqlstate", code)
}

// UntrackStatement removes a child from the registry after it closed
// itself. Skipped while the handle is CLOSED: Close clears the registry in
// bulk and children must not race that clear.
func (c *Conn) UntrackStatement(s *TrackedStatement) {
	if c.closed.Load() {
		return
	}
	c.statements.remove(s)
}

func (c *Conn) trackStatement(backend BackendStatement) *TrackedStatement {
	s := &TrackedStatement{backend: backend, parent: c}
	c.statements.add(s)
	return s
}

// CreateStatement creates an unbound statement on the backend and registers
// it with this checkout.
func (c *Conn) CreateStatement(ctx context.Context) (*TrackedStatement, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	st, err := c.backend.CreateStatement(ctx)
	if err != nil {
		c.CheckError(err)
		return nil, err
	}
	return c.trackStatement(st), nil
}

// PrepareStatement prepares a query on the backend and registers the
// resulting statement with this checkout.
func (c *Conn) PrepareStatement(ctx context.Context, query string) (*TrackedStatement, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	st, err := c.backend.PrepareStatement(ctx, query)
	if err != nil {
		c.CheckError(err)
		return nil, err
	}
	return c.trackStatement(st), nil
}

// PrepareCall prepares a stored-procedure invocation on the backend and
// registers the resulting statement with this checkout.
func (c *Conn) PrepareCall(ctx context.Context, query string) (*TrackedStatement, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	st, err := c.backend.PrepareCall(ctx, query)
	if err != nil {
		c.CheckError(err)
		return nil, err
	}
	return c.trackStatement(st), nil
}

// SetIsolation changes the session isolation level and tracks whether the
// session now differs from the configured default.
func (c *Conn) SetIsolation(ctx context.Context, level sql.IsolationLevel) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if err := c.backend.SetIsolation(ctx, level); err != nil {
		c.CheckError(err)
		return err
	}
	c.isolationDirty.Store(level != c.defaultIsolation)
	return nil
}

// IsValid reports whether the backend is still alive. A CLOSED handle is
// invalid without a backend call.
func (c *Conn) IsValid(ctx context.Context, timeout time.Duration) (bool, error) {
	if c.closed.Load() {
		return false, nil
	}
	ok, err := c.backend.IsValid(ctx, timeout)
	if err != nil {
		c.CheckError(err)
		return false, err
	}
	return ok, nil
}

// Close returns the handle to the pool: it cancels leak detection, closes
// every tracked child, rolls back any open transaction on a non-broken
// connection, and hands the handle to the pool's release entry point.
//
// Idempotent: calls after the first are no-ops. The registry clear, the
// lastUsed stamp and the release handoff run on every exit path, including
// a failed rollback, whose error is still returned to the caller.
func (c *Conn) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if t := c.leakTask.Swap(nil); t != nil {
		t.Cancel()
	}

	defer func() {
		c.statements.clear()
		c.lastUsed.Store(time.Now().UnixNano())
		c.releaser.Release(c)
	}()

	// Indexed iteration on purpose: children classify their own failures
	// and skip self-removal while we are CLOSED, so every child gets
	// exactly one close attempt even when some fail.
	for i, n := 0, c.statements.size(); i < n; i++ {
		_ = c.statements.at(i).Close()
	}

	if c.broken.Load() {
		return nil
	}
	auto, err := c.backend.AutoCommit(ctx)
	if err != nil {
		c.CheckError(err)
		return err
	}
	if !auto {
		if err := c.backend.Rollback(ctx); err != nil {
			c.CheckError(err)
			return err
		}
	}
	return nil
}

// Unclose reopens a CLOSED handle for reuse. The broken flag, the dirty
// isolation flag and the registry are left for the pool's checkout setup.
func (c *Conn) Unclose() {
	// A stale task from a previous checkout must never fire into the new one.
	if t := c.leakTask.Swap(nil); t != nil {
		t.Cancel()
	}
	c.closed.Store(false)
}

// RealClose physically closes the backend connection. Used by the pool on
// eviction and shutdown; it does not go through release.
func (c *Conn) RealClose() error {
	return c.backend.Close()
}

// IsWrapperFor reports whether the physical connection implements T.
// It deliberately inspects the backend even when the handle is CLOSED.
func IsWrapperFor[T any](c *Conn) bool {
	_, ok := any(c.backend).(T)
	return ok
}

// Unwrap returns the physical connection as T when it implements T.
// Like IsWrapperFor, it operates regardless of the handle's state.
func Unwrap[T any](c *Conn) (T, bool) {
	t, ok := any(c.backend).(T)
	return t, ok
}
