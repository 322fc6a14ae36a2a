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

import "strings"

var defaultFatalCodes = []string{
	"57P01", // admin_shutdown
	"57P02", // crash_shutdown
	"57P03", // cannot_connect_now
	"01002", // SQL92 disconnect_error
}

// Class 08 covers every connection_exception condition.
var defaultFatalClasses = []string{"08"}

var defaultClassifier = NewFatalClassifier(defaultFatalCodes, defaultFatalClasses)

// FatalClassifier decides whether a SQLSTATE code disqualifies a connection
// from further use. It is immutable after construction and safe to share
// across handles; classification never suppresses or alters the error it
// was derived from.
type FatalClassifier struct {
	codes   map[string]struct{}
	classes []string
}

// NewFatalClassifier builds a classifier from exact SQLSTATE codes and
// two-character class prefixes.
func NewFatalClassifier(codes, classes []string) *FatalClassifier {
	fc := &FatalClassifier{
		codes:   make(map[string]struct{}, len(codes)),
		classes: append([]string(nil), classes...),
	}
	for _, code := range codes {
		fc.codes[code] = struct{}{}
	}
	return fc
}

// DefaultFatalClassifier returns the process-wide classifier covering the
// standard Postgres shutdown codes and the connection_exception class.
func DefaultFatalClassifier() *FatalClassifier {
	return defaultClassifier
}

// IsFatal reports whether the given SQLSTATE marks the connection unusable.
func (fc *FatalClassifier) IsFatal(code string) bool {
	if code == "" {
		return false
	}
	if _, ok := fc.codes[code]; ok {
		return true
	}
	for _, class := range fc.classes {
		if strings.HasPrefix(code, class) {
			return true
		}
	}
	return false
}
