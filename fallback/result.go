// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

package fallback

import (
	"fmt"

	"github.com/switchbacknet/switchback/vpncfg"
)

// SwitchServerReason classifies why the engine decided to switch
// servers. It is a closed set; consumers should switch exhaustively
// over the concrete types.
type SwitchServerReason interface {
	switchServerReason()
	fmt.Stringer
}

// ReasonDowngrade: the account's plan was downgraded.
type ReasonDowngrade struct {
	FromPlan, ToPlan string
}

// ReasonUserBecameDelinquent: billing became delinquent.
type ReasonUserBecameDelinquent struct{}

// ReasonServerInMaintenance: the current entry point was confirmed
// offline for maintenance.
type ReasonServerInMaintenance struct{}

// ReasonServerUnreachable: a dial or handshake timed out.
type ReasonServerUnreachable struct{}

// ReasonServerUnavailable: the target server could not be used at all
// (no live connection context).
type ReasonServerUnavailable struct{}

// ReasonUnknownAuthFailure: an authentication rejection that no
// account-state change explains.
type ReasonUnknownAuthFailure struct{}

func (ReasonDowngrade) switchServerReason() {}
func (ReasonUserBecameDelinquent) switchServerReason() {}
func (ReasonServerInMaintenance) switchServerReason() {}
func (ReasonServerUnreachable) switchServerReason() {}
func (ReasonServerUnavailable) switchServerReason() {}
func (ReasonUnknownAuthFailure) switchServerReason() {}

func (r ReasonDowngrade) String() string { return fmt.Sprintf("Downgrade(%s -> %s)", r.FromPlan, r.ToPlan) }
func (ReasonUserBecameDelinquent) String() string { return "UserBecameDelinquent" }
func (ReasonServerInMaintenance) String() string { return "ServerInMaintenance" }
func (ReasonServerUnreachable) String() string { return "ServerUnreachable" }
func (ReasonServerUnavailable) String() string { return "ServerUnavailable" }
func (ReasonUnknownAuthFailure) String() string { return "UnknownAuthFailure" }

// ErrorType classifies a terminal fallback failure.
type ErrorType int

const (
	ErrorUnreachable ErrorType = iota
	ErrorAuthFailed
	ErrorMaxSessions
)

func (t ErrorType) String() string {
	switch t {
	case ErrorUnreachable:
		return "UNREACHABLE"
	case ErrorAuthFailed:
		return "AUTH_FAILED"
	case ErrorMaxSessions:
		return "MAX_SESSIONS"
	}
	return "UNKNOWN"
}

// Result is the outcome of one fallback decision: a *SwitchProfile, a
// *SwitchServer, or an *Error. A nil Result means "no fallback
// available" and the caller keeps its current state.
type Result interface {
	fallbackResult()
}

// SwitchResult is the subset of results that switch the connection.
// Only SwitchResults are broadcast to subscribers.
type SwitchResult interface {
	Result
	// FromServer is the server being abandoned, if any.
	FromServer() *vpncfg.Server
	// ToServer is the server being switched to.
	ToServer() *vpncfg.Server
	// ToProfile is the connection intent to establish.
	ToProfile() *vpncfg.Profile
	// NotifyUser reports whether the switch is surprising enough
	// (different country, downgraded features, lost secure core)
	// that the UI should tell the user.
	NotifyUser() bool
	fmt.Stringer
}

// SwitchProfile switches to a different connection intent, leaving
// server choice to the normal connection path.
type SwitchProfile struct {
	From    *vpncfg.Server // may be nil
	To      *vpncfg.Server
	Profile *vpncfg.Profile
	// Reason is nil for quiet switches (e.g. a credential refresh
	// retry of the same target).
	Reason SwitchServerReason
}

func (*SwitchProfile) fallbackResult() {}

func (s *SwitchProfile) FromServer() *vpncfg.Server { return s.From }
func (s *SwitchProfile) ToServer() *vpncfg.Server { return s.To }
func (s *SwitchProfile) ToProfile() *vpncfg.Profile { return s.Profile }
func (s *SwitchProfile) NotifyUser() bool { return s.Reason != nil }

func (s *SwitchProfile) String() string {
	return fmt.Sprintf("SwitchProfile %q reason: %v", s.Profile.Name, s.Reason)
}

// SwitchServer switches to a concrete, probed server. The prepared
// connection is the probe response the transport should dial.
type SwitchServer struct {
	From    *vpncfg.Server // may be nil
	Profile *vpncfg.Profile
	// PreparedConnection is the dialable tuple that responded to the
	// probe. The target server is always derived from it, never set
	// independently.
	PreparedConnection *vpncfg.ConnectionParams
	Reason             SwitchServerReason
	// CompatibleProtocol is false when the user pinned a protocol
	// but only a different one responded; the prepared connection
	// then carries the responding protocol.
	CompatibleProtocol bool
	// SwitchedSecureCore is true when secure core was expected but
	// the winner is not a secure-core server.
	SwitchedSecureCore bool
	Notify             bool
}

func (*SwitchServer) fallbackResult() {}

func (s *SwitchServer) FromServer() *vpncfg.Server { return s.From }
func (s *SwitchServer) ToServer() *vpncfg.Server { return s.PreparedConnection.Server }
func (s *SwitchServer) ToProfile() *vpncfg.Profile { return s.Profile }
func (s *SwitchServer) NotifyUser() bool { return s.Notify }

func (s *SwitchServer) String() string {
	return fmt.Sprintf("SwitchServer %v reason: %v compatibleProtocol: %v",
		s.PreparedConnection, s.Reason, s.CompatibleProtocol)
}

// Error is a terminal fallback failure surfaced to the caller.
type Error struct {
	Type ErrorType
}

func (*Error) fallbackResult() {}

func (e *Error) String() string { return "Error " + e.Type.String() }

// SwitchEvent wraps a switch decision for broadcast on the event bus.
type SwitchEvent struct {
	Switch SwitchResult
}
