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

// statementList is the insertion-ordered registry of a handle's open child
// statements. It is not synchronized: the owning goroutine is the only
// writer, and children skip self-removal once the parent is closed so they
// never race the bulk clear in Close.
type statementList struct {
	elems []*TrackedStatement
}

func (l *statementList) add(s *TrackedStatement) {
	l.elems = append(l.elems, s)
}

// remove drops the first element identical to s, preserving order.
// Returns false if s is not present.
func (l *statementList) remove(s *TrackedStatement) bool {
	for i, e := range l.elems {
		if e == s {
			copy(l.elems[i:], l.elems[i+1:])
			l.elems[len(l.elems)-1] = nil
			l.elems = l.elems[:len(l.elems)-1]
			return true
		}
	}
	return false
}

func (l *statementList) size() int {
	return len(l.elems)
}

func (l *statementList) at(i int) *TrackedStatement {
	return l.elems[i]
}

func (l *statementList) clear() {
	clear(l.elems)
	l.elems = l.elems[:0]
}
