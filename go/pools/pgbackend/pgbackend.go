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

// Package pgbackend adapts a database/sql connection (lib/pq driver) to the
// connhandle.BackendConn contract.
package pgbackend

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/harborpool/harborpool/go/pools/connhandle"
)

var connSeq atomic.Uint64

var _ connhandle.BackendConn = (*Conn)(nil)

// Conn wraps a *sql.Conn and implements connhandle.BackendConn. It tracks
// the in-progress transaction so the handle's auto-commit and rollback
// semantics map onto database/sql's explicit Tx objects.
//
// Like the handle that owns it, a Conn is driven by one goroutine at a time.
type Conn struct {
	conn *sql.Conn
	name string

	// tx is the open transaction, nil when the session is in auto-commit.
	tx *sql.Tx

	closed atomic.Bool
}

// NewConn wraps the given database/sql connection.
func NewConn(conn *sql.Conn) *Conn {
	return &Conn{
		conn: conn,
		name: fmt.Sprintf("pgconn-%d", connSeq.Add(1)),
	}
}

// Name returns the connection's diagnostic identifier.
func (c *Conn) Name() string {
	return c.name
}

// Begin opens an explicit transaction, leaving auto-commit mode.
func (c *Conn) Begin(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("cannot begin on closed connection")
	}
	if c.tx != nil {
		return fmt.Errorf("transaction already in progress")
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

// Commit commits the open transaction and returns to auto-commit mode.
func (c *Conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("no transaction in progress")
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

// AutoCommit reports whether no explicit transaction is open.
func (c *Conn) AutoCommit(ctx context.Context) (bool, error) {
	if c.closed.Load() {
		return false, fmt.Errorf("connection is closed")
	}
	return c.tx == nil, nil
}

// Rollback aborts the open transaction, if any.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

// CreateStatement returns an unbound statement that executes arbitrary SQL
// on this connection.
func (c *Conn) CreateStatement(ctx context.Context) (connhandle.BackendStatement, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("connection is closed")
	}
	return &DirectStmt{conn: c}, nil
}

// PrepareStatement prepares the query, inside the open transaction when
// there is one.
func (c *Conn) PrepareStatement(ctx context.Context, query string) (connhandle.BackendStatement, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("connection is closed")
	}
	var (
		stmt *sql.Stmt
		err  error
	)
	if c.tx != nil {
		stmt, err = c.tx.PrepareContext(ctx, query)
	} else {
		stmt, err = c.conn.PrepareContext(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	return &Stmt{stmt: stmt}, nil
}

// PrepareCall prepares a stored-procedure invocation. Postgres drives CALL
// through the regular extended protocol, so this is plain preparation.
func (c *Conn) PrepareCall(ctx context.Context, query string) (connhandle.BackendStatement, error) {
	return c.PrepareStatement(ctx, query)
}

// SetIsolation changes the session default isolation level.
func (c *Conn) SetIsolation(ctx context.Context, level sql.IsolationLevel) error {
	if c.closed.Load() {
		return fmt.Errorf("connection is closed")
	}
	clause, err := isolationSQL(level)
	if err != nil {
		return err
	}
	_, err = c.conn.ExecContext(ctx,
		"SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL "+clause)
	return err
}

// IsValid pings the backend, waiting at most timeout.
func (c *Conn) IsValid(ctx context.Context, timeout time.Duration) (bool, error) {
	if c.closed.Load() {
		return false, nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.conn.PingContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Close rolls back any dangling transaction and closes the underlying
// connection. Idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.conn.Close()
}

// isolationSQL maps a database/sql isolation level to its Postgres clause.
func isolationSQL(level sql.IsolationLevel) (string, error) {
	switch level {
	case sql.LevelDefault, sql.LevelReadCommitted:
		return "READ COMMITTED", nil
	case sql.LevelReadUncommitted:
		// Postgres treats READ UNCOMMITTED as READ COMMITTED, but the
		// clause is accepted.
		return "READ UNCOMMITTED", nil
	case sql.LevelRepeatableRead, sql.LevelSnapshot:
		return "REPEATABLE READ", nil
	case sql.LevelSerializable:
		return "SERIALIZABLE", nil
	default:
		return "", fmt.Errorf("unsupported isolation level %s", level)
	}
}
