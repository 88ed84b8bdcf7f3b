// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package set contains set types.
package set

// Set is a set of T.
type Set[T comparable] map[T]struct{}

// SetOf returns a new set constructed from the elements in slice.
func SetOf[T comparable](slice []T) Set[T] {
	s := make(Set[T], len(slice))
	for _, e := range slice {
		s.Add(e)
	}
	return s
}

// Add adds e to the set.
func (s Set[T]) Add(e T) { s[e] = struct{}{} }

// Delete removes e from the set.
func (s Set[T]) Delete(e T) { delete(s, e) }

// Contains reports whether s contains e.
func (s Set[T]) Contains(e T) bool {
	_, ok := s[e]
	return ok
}

// Len reports the number of items in s.
func (s Set[T]) Len() int { return len(s) }

// Only returns the sole element of s, if s has exactly one element.
func (s Set[T]) Only() (e T, ok bool) {
	if len(s) != 1 {
		return e, false
	}
	for e = range s {
	}
	return e, true
}
