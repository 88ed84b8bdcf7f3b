// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package vpncfg contains the data model shared between the
// server-selection engine and its collaborators: servers, entry
// points, profiles and live connection parameters.
//
// Server and EntryPoint values are immutable snapshots owned by the
// server store; they are replaced wholesale on each server-list
// refresh and must not be mutated by readers.
package vpncfg

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/switchbacknet/switchback/types/opt"
)

// ServerID is the opaque identity of a logical server.
type ServerID string

// EntryPointID is the opaque identity of a server entry point.
type EntryPointID string

// Tier is the account access level gating which servers a user may
// connect to. Higher tiers may access servers of equal or lower tier.
type Tier int

const (
	TierFree     Tier = 0
	TierBasic    Tier = 1
	TierPlus     Tier = 2
	TierInternal Tier = 3
)

// FeatureFlags is a bitmask of special capabilities a server offers.
type FeatureFlags uint32

const (
	FeatureSecureCore FeatureFlags = 1 << 0
	FeatureTor        FeatureFlags = 1 << 1
	FeatureP2P        FeatureFlags = 1 << 2
	FeatureStreaming  FeatureFlags = 1 << 3
	FeatureIPv6       FeatureFlags = 1 << 4
)

// Protocol identifies a tunnel protocol selection. ProtocolSmart is
// not a wire protocol: it means "accept whichever protocol responds".
type Protocol string

const (
	ProtocolSmart      Protocol = "smart"
	ProtocolWireGuard  Protocol = "wireguard"
	ProtocolOpenVPNUDP Protocol = "openvpn-udp"
	ProtocolOpenVPNTCP Protocol = "openvpn-tcp"
)

// RealProtocols lists the dialable protocols a Smart selection may
// resolve to, in preference order.
var RealProtocols = []Protocol{ProtocolWireGuard, ProtocolOpenVPNUDP, ProtocolOpenVPNTCP}

// Server is an immutable snapshot of one logical server.
type Server struct {
	ID          ServerID      `json:"ID"`
	Name        string        `json:"Name"`
	ExitCountry string        `json:"ExitCountry"`
	City        string        `json:"City,omitempty"`
	Tier        Tier          `json:"Tier"`
	Features    FeatureFlags  `json:"Features"`
	GatewayName string        `json:"GatewayName,omitempty"`
	Online      bool          `json:"Online"`
	Load        float64       `json:"Load"`
	EntryPoints []*EntryPoint `json:"EntryPoints"`
}

// IsSecureCore reports whether the server relays through a secure-core
// entry before the exit.
func (s *Server) IsSecureCore() bool { return s.Features&FeatureSecureCore != 0 }

// IsTor reports whether the server exits through the Tor network.
func (s *Server) IsTor() bool { return s.Features&FeatureTor != 0 }

// EntryPoint is one of a server's connecting domains: a reachable
// network address, keyed by protocol. It belongs to exactly one Server.
type EntryPoint struct {
	ID     EntryPointID `json:"ID"`
	Domain string       `json:"Domain"`
	Online bool         `json:"Online"`

	// EntryAddr is the address dialed for any protocol without an
	// override in ProtocolAddrs.
	EntryAddr netip.Addr `json:"EntryAddr"`

	// ProtocolAddrs holds per-protocol address overrides, if any.
	ProtocolAddrs map[Protocol]netip.Addr `json:"ProtocolAddrs,omitempty"`
}

// AddrForProtocol returns the address to dial for proto: the
// per-protocol override if present, otherwise the default entry
// address. It returns the zero Addr if the entry point doesn't
// support proto at all.
func (e *EntryPoint) AddrForProtocol(proto Protocol) netip.Addr {
	if a, ok := e.ProtocolAddrs[proto]; ok {
		return a
	}
	return e.EntryAddr
}

// PhysicalServer is a concrete (server, entry point) pair, the atomic
// unit that can be dialed.
type PhysicalServer struct {
	Server     *Server
	EntryPoint *EntryPoint
}

// Valid reports whether both components are present.
func (p PhysicalServer) Valid() bool { return p.Server != nil && p.EntryPoint != nil }

// Equal reports whether p and q name the same server and entry point.
func (p PhysicalServer) Equal(q PhysicalServer) bool {
	if !p.Valid() || !q.Valid() {
		return p.Valid() == q.Valid()
	}
	return p.Server.ID == q.Server.ID && p.EntryPoint.ID == q.EntryPoint.ID
}

func (p PhysicalServer) String() string {
	if !p.Valid() {
		return "<nil>"
	}
	return fmt.Sprintf("%s/%s", p.Server.Name, p.EntryPoint.Domain)
}

// Settings are the user's effective connection settings, as resolved
// by the settings layer. Immutable per connection attempt.
type Settings struct {
	SecureCore bool
	Protocol   Protocol
}

// Profile is a user-chosen connection intent. Immutable per
// connection attempt.
type Profile struct {
	Name    string   `json:"Name"`
	Country string   `json:"Country,omitempty"` // empty means no fixed country
	// DirectServerID pins the profile to a single server, if set.
	DirectServerID ServerID `json:"DirectServerID,omitempty"`
	// SecureCore overrides the settings-level secure core default
	// when set.
	SecureCore opt.Bool `json:"SecureCore,omitempty"`
	// Protocol overrides the settings-level protocol when non-empty.
	Protocol Protocol `json:"Protocol,omitempty"`
	// Guest marks an internal bootstrap profile used for emergency
	// connectivity. Guest profiles are excluded from fallback search.
	Guest bool `json:"Guest,omitempty"`
}

// ProtocolOf returns the protocol the profile connects with under
// settings: the profile override if set, else the settings protocol,
// else Smart.
func (p *Profile) ProtocolOf(settings Settings) Protocol {
	if p.Protocol != "" {
		return p.Protocol
	}
	if settings.Protocol != "" {
		return settings.Protocol
	}
	return ProtocolSmart
}

// SecureCoreExpected reports whether a connection for this profile is
// expected to use secure core under settings.
func (p *Profile) SecureCoreExpected(settings Settings) bool {
	return p.SecureCore.Or(settings.SecureCore)
}

// DirectProfile returns a profile pinned to server, used when the
// engine switches to a concrete server rather than to an intent.
func DirectProfile(server *Server) *Profile {
	return &Profile{
		Name:           server.Name,
		Country:        server.ExitCountry,
		DirectServerID: server.ID,
		SecureCore:     opt.NewBool(server.IsSecureCore()),
	}
}

// ConnectionParams is the actually-established (profile, server, entry
// point, protocol) tuple for a live or attempted session.
type ConnectionParams struct {
	Profile    *Profile
	Server     *Server
	EntryPoint *EntryPoint
	Protocol   Protocol
	EntryAddr  netip.Addr
}

// Physical returns the (server, entry point) pair of the connection.
func (c *ConnectionParams) Physical() PhysicalServer {
	return PhysicalServer{Server: c.Server, EntryPoint: c.EntryPoint}
}

// SameProtocolParams reports whether c and o dialed the same protocol
// at the same entry address, i.e. whether a response for c proves o's
// exact path is reachable.
func (c *ConnectionParams) SameProtocolParams(o *ConnectionParams) bool {
	if c == nil || o == nil {
		return false
	}
	return c.Protocol == o.Protocol && c.EntryAddr == o.EntryAddr
}

func (c *ConnectionParams) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s via %s (%s)", c.Server.Name, c.EntryAddr, c.Protocol)
}

// PingResponse is one successful probe response, carrying the dialable
// connection parameters that produced it.
type PingResponse struct {
	Params  *ConnectionParams
	Latency time.Duration
}

// PingResult is the outcome of probing a candidate set: the winning
// physical server plus every successful per-protocol response for it.
type PingResult struct {
	Server    PhysicalServer
	Responses []PingResponse // non-empty; Responses[0] is the first/best
}
