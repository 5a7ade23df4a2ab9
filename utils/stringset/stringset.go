// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stringset provides a set of strings backed by a map.
package stringset

// Set is a set of strings.
type Set map[string]struct{}

// New creates a Set from the given members.
func New(members ...string) Set {
	s := make(Set)
	for _, m := range members {
		s.Add(m)
	}
	return s
}

// Add inserts s into the set.
func (set Set) Add(s string) {
	set[s] = struct{}{}
}

// Remove deletes s from the set.
func (set Set) Remove(s string) {
	delete(set, s)
}

// Has reports whether s is in the set.
func (set Set) Has(s string) bool {
	_, ok := set[s]
	return ok
}

// ToSlice returns the set's members as a slice, in unspecified order.
func (set Set) ToSlice() []string {
	s := make([]string, 0, len(set))
	for k := range set {
		s = append(s, k)
	}
	return s
}
