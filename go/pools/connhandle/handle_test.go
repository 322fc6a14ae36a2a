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
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborpool/harborpool/go/pgerr"
)

// mockStmt is a mock backend statement counting close attempts.
type mockStmt struct {
	closeCalls int
	closeErr   error
}

func (s *mockStmt) Close() error {
	s.closeCalls++
	return s.closeErr
}

// mockBackend is a mock BackendConn recording every delegated call.
type mockBackend struct {
	autoCommit bool
	valid      bool

	prepareErr    error
	isolationErr  error
	autoCommitErr error
	rollbackErr   error
	validErr      error
	nextStmtErr   error

	stmts []*mockStmt

	prepareCalls    int
	isolationCalls  int
	autoCommitCalls int
	rollbackCalls   int
	validCalls      int
	closeCalls      int

	lastIsolation sql.IsolationLevel
}

func newMockBackend() *mockBackend {
	return &mockBackend{autoCommit: true, valid: true}
}

func (b *mockBackend) newStmt() (BackendStatement, error) {
	b.prepareCalls++
	if b.prepareErr != nil {
		return nil, b.prepareErr
	}
	s := &mockStmt{closeErr: b.nextStmtErr}
	b.nextStmtErr = nil
	b.stmts = append(b.stmts, s)
	return s, nil
}

func (b *mockBackend) CreateStatement(ctx context.Context) (BackendStatement, error) {
	return b.newStmt()
}

func (b *mockBackend) PrepareStatement(ctx context.Context, query string) (BackendStatement, error) {
	return b.newStmt()
}

func (b *mockBackend) PrepareCall(ctx context.Context, query string) (BackendStatement, error) {
	return b.newStmt()
}

func (b *mockBackend) SetIsolation(ctx context.Context, level sql.IsolationLevel) error {
	b.isolationCalls++
	if b.isolationErr != nil {
		return b.isolationErr
	}
	b.lastIsolation = level
	return nil
}

func (b *mockBackend) IsValid(ctx context.Context, timeout time.Duration) (bool, error) {
	b.validCalls++
	if b.validErr != nil {
		return false, b.validErr
	}
	return b.valid, nil
}

func (b *mockBackend) AutoCommit(ctx context.Context) (bool, error) {
	b.autoCommitCalls++
	if b.autoCommitErr != nil {
		return false, b.autoCommitErr
	}
	return b.autoCommit, nil
}

func (b *mockBackend) Rollback(ctx context.Context) error {
	b.rollbackCalls++
	return b.rollbackErr
}

func (b *mockBackend) Close() error {
	b.closeCalls++
	return nil
}

func (b *mockBackend) Name() string {
	return "mock-conn"
}

// mockReleaser records release handoffs.
type mockReleaser struct {
	mu       sync.Mutex
	released []*Conn
}

func (r *mockReleaser) Release(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, c)
}

func (r *mockReleaser) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.released)
}

func newTestConn(t *testing.T) (*Conn, *mockBackend, *mockReleaser) {
	t.Helper()
	backend := newMockBackend()
	releaser := &mockReleaser{}
	c := New(backend, releaser, Options{
		Logger:           slog.New(slog.DiscardHandler),
		DefaultIsolation: sql.LevelReadCommitted,
	})
	return c, backend, releaser
}

func TestCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	c, backend, releaser := newTestConn(t)

	_, err := c.PrepareStatement(ctx, "SELECT 1")
	require.NoError(t, err)
	_, err = c.CreateStatement(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))
	assert.True(t, c.IsClosed())
	assert.Equal(t, 1, releaser.count())
	assert.Equal(t, 1, backend.autoCommitCalls)
	assert.Equal(t, 0, c.statements.size())

	// Second close is a no-op with no further side effects.
	require.NoError(t, c.Close(ctx))
	assert.Equal(t, 1, releaser.count())
	assert.Equal(t, 1, backend.autoCommitCalls)
}

func TestCloseClosesEveryStatementOnce(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestConn(t)

	_, err := c.PrepareStatement(ctx, "SELECT 1")
	require.NoError(t, err)
	backend.nextStmtErr = pgerr.Errorf("08006", "connection failure")
	_, err = c.PrepareStatement(ctx, "SELECT 2")
	require.NoError(t, err)
	_, err = c.PrepareCall(ctx, "CALL cleanup()")
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))

	require.Len(t, backend.stmts, 3)
	for _, s := range backend.stmts {
		assert.Equal(t, 1, s.closeCalls)
	}
	assert.Equal(t, 0, c.statements.size())
	// The failing child close was classified, not surfaced.
	assert.True(t, c.IsBroken())
}

func TestCloseRollsBackWhenNotAutoCommit(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestConn(t)
	backend.autoCommit = false

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, 1, backend.rollbackCalls)
}

func TestCloseBrokenSkipsRollback(t *testing.T) {
	ctx := context.Background()
	c, backend, releaser := newTestConn(t)
	backend.autoCommit = false

	c.CheckError(pgerr.Errorf("57P01", "terminating connection due to administrator command"))
	require.True(t, c.IsBroken())

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, 0, backend.autoCommitCalls)
	assert.Equal(t, 0, backend.rollbackCalls)
	assert.Equal(t, 1, releaser.count())
}

func TestCloseRollbackFailureStillReleases(t *testing.T) {
	ctx := context.Background()
	c, backend, releaser := newTestConn(t)
	backend.autoCommit = false
	backend.rollbackErr = pgerr.Errorf("08006", "connection failure")

	_, err := c.PrepareStatement(ctx, "SELECT 1")
	require.NoError(t, err)

	err = c.Close(ctx)
	require.ErrorIs(t, err, backend.rollbackErr)

	// Cleanup completed before the error surfaced.
	assert.Equal(t, 0, c.statements.size())
	assert.Equal(t, 1, releaser.count())
	assert.True(t, c.IsBroken())
}

func TestGuardedOpsAfterClose(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestConn(t)
	require.NoError(t, c.Close(ctx))

	_, err := c.PrepareStatement(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrConnClosed)
	_, err = c.CreateStatement(ctx)
	assert.ErrorIs(t, err, ErrConnClosed)
	_, err = c.PrepareCall(ctx, "CALL f()")
	assert.ErrorIs(t, err, ErrConnClosed)
	err = c.SetIsolation(ctx, sql.LevelSerializable)
	assert.ErrorIs(t, err, ErrConnClosed)

	ok, err := c.IsValid(ctx, time.Second)
	assert.NoError(t, err)
	assert.False(t, ok)

	// None of the above reached the backend.
	assert.Equal(t, 0, backend.prepareCalls)
	assert.Equal(t, 0, backend.isolationCalls)
	assert.Equal(t, 0, backend.validCalls)
}

func TestBrokenIsSticky(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestConn(t)

	for _, code := range []string{"08006", "57P01", "57P02", "57P03", "01002"} {
		c2, _, _ := newTestConn(t)
		c2.CheckError(pgerr.Errorf(code, "fatal"))
		assert.True(t, c2.IsBroken(), "code %s should break the connection", code)
	}

	c.CheckError(pgerr.Errorf("42P01", "undefined table"))
	assert.False(t, c.IsBroken())

	c.CheckError(pgerr.Errorf("08006", "connection failure"))
	require.True(t, c.IsBroken())

	// Later successful operations never clear the flag.
	_, err := c.PrepareStatement(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, c.IsBroken())
}

func TestSetIsolationDirtyTracking(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestConn(t)

	require.NoError(t, c.SetIsolation(ctx, sql.LevelSerializable))
	assert.True(t, c.IsIsolationDirty())
	assert.Equal(t, sql.LevelSerializable, backend.lastIsolation)

	require.NoError(t, c.SetIsolation(ctx, sql.LevelReadCommitted))
	assert.False(t, c.IsIsolationDirty())

	require.NoError(t, c.SetIsolation(ctx, sql.LevelSerializable))
	c.ResetIsolationDirty()
	assert.False(t, c.IsIsolationDirty())
}

func TestStatementSelfDeregistration(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestConn(t)

	s1, err := c.PrepareStatement(ctx, "SELECT 1")
	require.NoError(t, err)
	s2, err := c.PrepareStatement(ctx, "SELECT 2")
	require.NoError(t, err)
	require.Equal(t, 2, c.statements.size())

	require.NoError(t, s1.Close())
	assert.Equal(t, 1, c.statements.size())
	assert.Same(t, s2, c.statements.at(0))

	// Closing again is a no-op.
	require.NoError(t, s1.Close())
	assert.Equal(t, 1, backend.stmts[0].closeCalls)

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, 1, backend.stmts[1].closeCalls)
}

func TestIsValidDelegatesAndClassifies(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestConn(t)

	ok, err := c.IsValid(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, backend.validCalls)

	backend.validErr = pgerr.Errorf("08001", "unable to connect")
	ok, err = c.IsValid(ctx, time.Second)
	require.ErrorIs(t, err, backend.validErr)
	assert.False(t, ok)
	assert.True(t, c.IsBroken())
}

func TestUncloseReopens(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestConn(t)

	c.CheckError(pgerr.Errorf("08006", "connection failure"))
	require.NoError(t, c.Close(ctx))
	require.True(t, c.IsClosed())

	c.Unclose()
	assert.False(t, c.IsClosed())
	// Unclose never touches the broken flag; that is the pool's call.
	assert.True(t, c.IsBroken())

	_, err := c.PrepareStatement(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.prepareCalls)
}

func TestIntrospectionBypassesClosedGuard(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestConn(t)
	require.NoError(t, c.Close(ctx))

	// Capability introspection still inspects the physical connection on
	// a CLOSED handle.
	got, ok := Unwrap[*mockBackend](c)
	require.True(t, ok)
	assert.Same(t, backend, got)

	assert.True(t, IsWrapperFor[*mockBackend](c))
	assert.True(t, IsWrapperFor[interface{ Name() string }](c))
	assert.False(t, IsWrapperFor[*mockStmt](c))
}

func TestLastUsedUpdatedOnClose(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestConn(t)

	created := c.LastUsedAt()
	assert.Equal(t, c.CreatedAt().UnixNano(), created.UnixNano())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Close(ctx))
	assert.True(t, c.LastUsedAt().After(created))
}

func TestRealCloseClosesBackend(t *testing.T) {
	c, backend, releaser := newTestConn(t)

	require.NoError(t, c.RealClose())
	assert.Equal(t, 1, backend.closeCalls)
	// RealClose is the pool's eviction path; it never goes through release.
	assert.Equal(t, 0, releaser.count())
}
