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

// Package pgerr models PostgreSQL error diagnostics and SQLSTATE extraction
// from arbitrary driver errors.
package pgerr

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Diagnostic represents a PostgreSQL error or notice as surfaced by a
// backend connection.
type Diagnostic struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
}

// Errorf builds an ERROR-severity diagnostic with the given SQLSTATE.
func Errorf(code, format string, args ...any) *Diagnostic {
	return &Diagnostic{
		Severity: "ERROR",
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface in PostgreSQL's native
// "SEVERITY: message" format.
func (d *Diagnostic) Error() string {
	if d == nil {
		return "ERROR: unknown error"
	}
	return d.Severity + ": " + d.Message
}

// FullError returns the error with its SQLSTATE code for debugging.
func (d *Diagnostic) FullError() string {
	if d == nil {
		return "ERROR: unknown error (SQLSTATE 00000)"
	}
	return d.Severity + ": " + d.Message + " (SQLSTATE " + d.Code + ")"
}

// SQLState returns the diagnostic's SQLSTATE code.
func (d *Diagnostic) SQLState() string {
	return d.Code
}

// SQLStateClass returns the first 2 characters of the SQLSTATE code, which
// identify the error class ("08" = connection_exception, "57" = operator
// intervention, ...). Empty if the code is shorter than 2 characters.
func (d *Diagnostic) SQLStateClass() string {
	if len(d.Code) < 2 {
		return ""
	}
	return d.Code[:2]
}

// IsClass reports whether the SQLSTATE code belongs to the given class.
func (d *Diagnostic) IsClass(class string) bool {
	return d.SQLStateClass() == class
}

// IsFatalSeverity reports whether the backend terminated the session.
// ERROR severity is not fatal; the session can continue.
func (d *Diagnostic) IsFatalSeverity() bool {
	return d.Severity == "FATAL" || d.Severity == "PANIC"
}

// sqlStater matches drivers that expose their SQLSTATE directly
// (jackc/pgconn style).
type sqlStater interface {
	SQLState() string
}

// SQLState extracts the SQLSTATE code from err, looking through wrapping.
// It understands *Diagnostic, lib/pq errors and any error exposing a
// SQLState() method. Returns "" when err carries no code.
func SQLState(err error) string {
	if err == nil {
		return ""
	}
	var d *Diagnostic
	if errors.As(err, &d) {
		return d.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var s sqlStater
	if errors.As(err, &s) {
		return s.SQLState()
	}
	return ""
}
