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

// Package connhandle provides the per-checkout wrapper around one physical
// backend connection: guarded delegation, child statement tracking, leak
// detection, and sticky fatal-error classification.
package connhandle

import (
	"context"
	"database/sql"
	"time"
)

// BackendConn is the physical connection surface the handle delegates to.
// Implementations are driven by a single owner goroutine per checkout;
// they do not need to be safe for concurrent use.
type BackendConn interface {
	// CreateStatement returns a statement that is not bound to any query.
	CreateStatement(ctx context.Context) (BackendStatement, error)

	// PrepareStatement prepares the given query on the backend.
	PrepareStatement(ctx context.Context, query string) (BackendStatement, error)

	// PrepareCall prepares a stored-procedure invocation on the backend.
	PrepareCall(ctx context.Context, query string) (BackendStatement, error)

	// SetIsolation changes the session's transaction isolation level.
	SetIsolation(ctx context.Context, level sql.IsolationLevel) error

	// IsValid reports whether the connection is still alive, waiting at
	// most timeout for the backend to answer.
	IsValid(ctx context.Context, timeout time.Duration) (bool, error)

	// AutoCommit reports whether the connection is in auto-commit mode,
	// i.e. no explicit transaction is in progress.
	AutoCommit(ctx context.Context) (bool, error)

	// Rollback aborts the in-progress transaction, if any.
	Rollback(ctx context.Context) error

	// Close closes the physical connection.
	Close() error

	// Name returns a stable identifier for diagnostics.
	Name() string
}

// BackendStatement is the registration contract for child resources.
// The statement wrappers themselves live with the backend adapter; the
// handle only needs to be able to close them.
type BackendStatement interface {
	Close() error
}

// Releaser is the pool's entry point for reclaiming a handle. The handle
// calls it exactly once per successful or failed Close.
type Releaser interface {
	Release(*Conn)
}
