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

import "sync/atomic"

// TrackedStatement ties a backend statement to the handle that created it.
// The parent reference is non-owning: it exists only so the statement can
// deregister itself on close, and it never extends the handle's lifetime.
type TrackedStatement struct {
	backend BackendStatement
	parent  *Conn
	closed  atomic.Bool
}

// Backend returns the underlying backend statement.
func (s *TrackedStatement) Backend() BackendStatement {
	return s.backend
}

// Close closes the backend statement and removes it from the parent's
// registry. Idempotent. Backend failures are classified through the parent
// and returned unchanged.
func (s *TrackedStatement) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.backend.Close()
	if err != nil {
		s.parent.CheckError(err)
	}
	s.parent.UntrackStatement(s)
	return err
}
