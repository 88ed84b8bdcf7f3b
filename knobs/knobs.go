// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package knobs exports the feature knobs pushed down by the remote
// app config that change the engine's behavior at runtime.
package knobs

import "sync/atomic"

// Knobs is the set of remote feature knobs.
//
// They are safe for concurrent reads and writes.
type Knobs struct {
	// SmartReconnect, if disabled, turns off the compatible-server
	// fallback search entirely; connection failures fall through to
	// the caller's default behavior.
	SmartReconnect atomic.Bool

	// MaintenanceTracker, if disabled, skips the entry-point
	// maintenance status check on auth failures.
	MaintenanceTracker atomic.Bool
}

// Default returns a Knobs with every knob enabled, the state assumed
// until a remote config says otherwise.
func Default() *Knobs {
	k := new(Knobs)
	k.SmartReconnect.Store(true)
	k.MaintenanceTracker.Store(true)
	return k
}

// Update applies a remote config payload.
func (k *Knobs) Update(smartReconnect, maintenanceTracker bool) {
	k.SmartReconnect.Store(smartReconnect)
	k.MaintenanceTracker.Store(maintenanceTracker)
}
