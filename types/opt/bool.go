// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package opt defines optional types.
package opt

import "strconv"

// Bool represents an optional boolean to be JSON-encoded. The string
// is either "true", "false", or the empty string to mean unset.
type Bool string

const (
	True  = Bool("true")
	False = Bool("false")
	Empty = Bool("")
)

// NewBool constructs a new Bool value equal to b.
func NewBool(b bool) Bool {
	return Bool(strconv.FormatBool(b))
}

func (b *Bool) Set(v bool) {
	*b = Bool(strconv.FormatBool(v))
}

func (b *Bool) Clear() { *b = "" }

// Get returns b's value and whether it was set.
func (b Bool) Get() (v bool, ok bool) {
	switch b {
	case True:
		return true, true
	case False:
		return false, true
	}
	return false, false
}

// Or returns b's value if it's set, otherwise def.
func (b Bool) Or(def bool) bool {
	if v, ok := b.Get(); ok {
		return v
	}
	return def
}

// EqualBool reports whether b is equal to v.
// If b is unset, it reports false.
func (b Bool) EqualBool(v bool) bool {
	p, ok := b.Get()
	return ok && p == v
}
