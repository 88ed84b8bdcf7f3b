// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package vpnstate tracks the lifecycle state of the tunnel owned by
// the transport layer, for consumers that only need to know whether a
// connection exists and what it dialed.
//
// The transport feeds the monitor; the fallback engine and the
// server-list updater read it. State changes are also broadcast on the
// event bus as [Change] values.
package vpnstate

import (
	"sync"

	"github.com/switchbacknet/switchback/util/eventbus"
	"github.com/switchbacknet/switchback/vpncfg"
)

// State is the coarse tunnel lifecycle state.
type State int

const (
	Disabled State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// EstablishingOrConnected reports whether a connection exists or is
// being established.
func (s State) EstablishingOrConnected() bool {
	return s == Connecting || s == Connected
}

// Change is broadcast on the event bus whenever the tunnel state
// changes.
type Change struct {
	State  State
	Params *vpncfg.ConnectionParams // nil when State is Disabled
}

// Monitor is the single source of truth for tunnel state. The zero
// value is not usable; use New.
type Monitor struct {
	bus *eventbus.Bus

	mu     sync.Mutex
	state  State
	params *vpncfg.ConnectionParams
}

// New returns a Monitor in the Disabled state that broadcasts changes
// on bus.
func New(bus *eventbus.Bus) *Monitor {
	return &Monitor{bus: bus}
}

// SetState records a state transition and broadcasts it. params must
// be non-nil unless state is Disabled.
func (m *Monitor) SetState(state State, params *vpncfg.ConnectionParams) {
	m.mu.Lock()
	m.state = state
	m.params = params
	m.mu.Unlock()
	eventbus.Publish(m.bus, Change{State: state, Params: params})
}

// State returns the current tunnel state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EstablishingOrConnected reports whether a connection exists or is
// being established.
func (m *Monitor) EstablishingOrConnected() bool {
	return m.State().EstablishingOrConnected()
}

// ConnectionParams returns the parameters of the live or in-progress
// connection, or nil if disconnected.
func (m *Monitor) ConnectionParams() *vpncfg.ConnectionParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}
