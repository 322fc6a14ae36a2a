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

package pgbackend

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/harborpool/harborpool/go/pools/connhandle"
)

var (
	_ connhandle.BackendStatement = (*Stmt)(nil)
	_ connhandle.BackendStatement = (*DirectStmt)(nil)
)

// Stmt is a prepared statement bound to one query.
type Stmt struct {
	stmt   *sql.Stmt
	closed atomic.Bool
}

// Exec runs the prepared query without returning rows.
func (s *Stmt) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	return s.stmt.ExecContext(ctx, args...)
}

// Query runs the prepared query and returns its rows.
func (s *Stmt) Query(ctx context.Context, args ...any) (*sql.Rows, error) {
	return s.stmt.QueryContext(ctx, args...)
}

// Close deallocates the prepared statement. Idempotent.
func (s *Stmt) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.stmt.Close()
}

// DirectStmt executes arbitrary SQL on its connection without preparation,
// the unbound-statement counterpart to Stmt.
type DirectStmt struct {
	conn   *Conn
	closed atomic.Bool
}

// Exec runs the given SQL without returning rows. The open transaction is
// used when there is one.
func (s *DirectStmt) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.conn.tx != nil {
		return s.conn.tx.ExecContext(ctx, query, args...)
	}
	return s.conn.conn.ExecContext(ctx, query, args...)
}

// Query runs the given SQL and returns its rows.
func (s *DirectStmt) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if s.conn.tx != nil {
		return s.conn.tx.QueryContext(ctx, query, args...)
	}
	return s.conn.conn.QueryContext(ctx, query, args...)
}

// Close releases the statement. Nothing is held on the backend, so this
// only guards against reuse. Idempotent.
func (s *DirectStmt) Close() error {
	s.closed.Store(true)
	return nil
}
