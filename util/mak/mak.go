// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package mak helps make maps. It contains generic helpers to make/assign
// things, notably to maps, but also slices.
package mak

// Set populates an entry in a map, making the map if necessary.
//
// That is, it assigns (*m)[k] = v, making *m if it was nil.
func Set[K comparable, V any, T map[K]V](m *T, k K, v V) {
	if *m == nil {
		*m = make(map[K]V)
	}
	(*m)[k] = v
}

// NonNil makes v non-nil as an empty map if it was nil.
func NonNil[K comparable, V any](v *map[K]V) {
	if *v == nil {
		*v = make(map[K]V)
	}
}
