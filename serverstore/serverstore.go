// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package serverstore holds the in-memory server list: an immutable
// snapshot replaced wholesale on each server-list refresh, with the
// query surface the fallback engine selects candidates from.
package serverstore

import (
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/switchbacknet/switchback/account"
	"github.com/switchbacknet/switchback/api"
	"github.com/switchbacknet/switchback/types/logger"
	"github.com/switchbacknet/switchback/util/mak"
	"github.com/switchbacknet/switchback/vpncfg"
)

// Store is the server repository. Published Server values are
// immutable: readers get point-in-time snapshots, and the targeted
// mutations (MarkEntryPointOffline, UpdateLoads) clone the affected
// server and swap the clone in under the write lock. Escaped pointers
// keep observing the snapshot they were read from.
type Store struct {
	logf logger.Logf

	// intn picks a uniform random int in [0,n); overridable in tests.
	intn func(n int) int

	mu              sync.RWMutex
	servers         []*vpncfg.Server
	byID            map[vpncfg.ServerID]*vpncfg.Server
	lastUpdate      time.Time
	fallbackProfile *vpncfg.Profile
}

// New returns an empty Store.
func New(logf logger.Logf) *Store {
	if logf == nil {
		logf = logger.Discard
	}
	return &Store{
		logf: logf,
		intn: rand.IntN,
	}
}

// SetServers replaces the server list wholesale.
func (st *Store) SetServers(servers []*vpncfg.Server, now time.Time) {
	var byID map[vpncfg.ServerID]*vpncfg.Server
	for _, s := range servers {
		mak.Set(&byID, s.ID, s)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.servers = servers
	st.byID = byID
	st.lastUpdate = now
	st.logf("serverstore: %d servers loaded", len(servers))
}

// HasServers reports whether a server list has been loaded.
func (st *Store) HasServers() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.servers) > 0
}

// LastUpdate returns the time of the last SetServers, or the zero time.
func (st *Store) LastUpdate() time.Time {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.lastUpdate
}

// ServerByID returns the server with the given ID, or nil.
func (st *Store) ServerByID(id vpncfg.ServerID) *vpncfg.Server {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.byID[id]
}

// maxTier returns the highest tier user may access. A nil user is
// treated as a free account.
func maxTier(user *account.UserInfo) vpncfg.Tier {
	if user == nil {
		return vpncfg.TierFree
	}
	return user.Tier
}

// OnlineAccessibleServers returns the servers user may connect to with
// proto, partitioned by secure core: with secureCoreOnly true only
// secure-core servers are returned, otherwise only plain ones.
// A non-empty gateway restricts results to that gateway's servers;
// with an empty gateway, gateway servers are excluded entirely.
// Snapshot order is preserved.
func (st *Store) OnlineAccessibleServers(secureCoreOnly bool, gateway string, user *account.UserInfo, proto vpncfg.Protocol) []*vpncfg.Server {
	st.mu.RLock()
	defer st.mu.RUnlock()
	tier := maxTier(user)
	var out []*vpncfg.Server
	for _, s := range st.servers {
		if !s.Online || s.Tier > tier {
			continue
		}
		if s.IsSecureCore() != secureCoreOnly {
			continue
		}
		if s.GatewayName != gateway {
			continue
		}
		if len(onlineEntryPoints(s, proto)) == 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}

func onlineEntryPoints(s *vpncfg.Server, proto vpncfg.Protocol) []*vpncfg.EntryPoint {
	var out []*vpncfg.EntryPoint
	for _, e := range s.EntryPoints {
		if e.Online && e.AddrForProtocol(proto).IsValid() {
			out = append(out, e)
		}
	}
	return out
}

// OnlineEntryPoints returns s's online entry points that support proto.
func (st *Store) OnlineEntryPoints(s *vpncfg.Server, proto vpncfg.Protocol) []*vpncfg.EntryPoint {
	return onlineEntryPoints(s, proto)
}

// RandomEntryPoint returns a uniformly random online entry point of s
// supporting proto, or nil if there is none.
func (st *Store) RandomEntryPoint(s *vpncfg.Server, proto vpncfg.Protocol) *vpncfg.EntryPoint {
	return st.RandomEntryPointExcluding(s, proto, netip.Addr{})
}

// RandomEntryPointExcluding is RandomEntryPoint, additionally skipping
// entry points whose address for proto equals exclude. The selector
// uses it so a fallback candidate never retries the exact address that
// just failed.
func (st *Store) RandomEntryPointExcluding(s *vpncfg.Server, proto vpncfg.Protocol, exclude netip.Addr) *vpncfg.EntryPoint {
	eps := onlineEntryPoints(s, proto)
	if exclude.IsValid() {
		filtered := eps[:0:0]
		for _, e := range eps {
			if e.AddrForProtocol(proto) != exclude {
				filtered = append(filtered, e)
			}
		}
		eps = filtered
	}
	if len(eps) == 0 {
		return nil
	}
	return eps[st.intn(len(eps))]
}

// PhysicalServerExists reports whether ps still resolves against the
// current snapshot: its server is present and lists its entry point.
func (st *Store) PhysicalServerExists(ps vpncfg.PhysicalServer) bool {
	if !ps.Valid() {
		return false
	}
	s := st.ServerByID(ps.Server.ID)
	if s == nil {
		return false
	}
	for _, e := range s.EntryPoints {
		if e.ID == ps.EntryPoint.ID {
			return true
		}
	}
	return false
}

// MarkEntryPointOffline flags the entry point offline in the current
// snapshot, after a maintenance confirmation from the status API.
func (st *Store) MarkEntryPointOffline(id vpncfg.EntryPointID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for si, s := range st.servers {
		for i, e := range s.EntryPoints {
			if e.ID != id {
				continue
			}
			// Published servers are immutable; rebuild the
			// server with the entry point flagged offline.
			ep := *e
			ep.Online = false
			eps := make([]*vpncfg.EntryPoint, len(s.EntryPoints))
			copy(eps, s.EntryPoints)
			eps[i] = &ep
			clone := *s
			clone.EntryPoints = eps
			st.servers[si] = &clone
			st.byID[clone.ID] = &clone
			st.logf("serverstore: entry point %s (%s) marked offline", id, e.Domain)
			return
		}
	}
}

// UpdateLoads applies per-server load/online updates in place of a
// full list refresh.
func (st *Store) UpdateLoads(updates []api.LoadUpdate) {
	st.mu.Lock()
	defer st.mu.Unlock()
	byServer := make(map[vpncfg.ServerID]api.LoadUpdate, len(updates))
	for _, u := range updates {
		byServer[u.ServerID] = u
	}
	for i, s := range st.servers {
		u, ok := byServer[s.ID]
		if !ok {
			continue
		}
		clone := *s
		clone.Load = u.Load
		clone.Online = u.Online
		st.servers[i] = &clone
		st.byID[s.ID] = &clone
	}
}

// SetDefaultFallbackProfile sets the profile used when the engine must
// abandon the user's chosen target entirely.
func (st *Store) SetDefaultFallbackProfile(p *vpncfg.Profile) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.fallbackProfile = p
}

// DefaultFallbackProfile returns the configured fallback profile, or
// the built-in "fastest available" profile.
func (st *Store) DefaultFallbackProfile() *vpncfg.Profile {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.fallbackProfile != nil {
		return st.fallbackProfile
	}
	return &vpncfg.Profile{Name: "Fastest"}
}

// ServerForProfile resolves a profile to a concrete server: the pinned
// server if the profile has one and user may access it, otherwise the
// least-loaded online accessible server matching the profile's country
// and secure-core expectation.
func (st *Store) ServerForProfile(p *vpncfg.Profile, user *account.UserInfo) *vpncfg.Server {
	if p == nil {
		return nil
	}
	if p.DirectServerID != "" {
		s := st.ServerByID(p.DirectServerID)
		if s != nil && s.Online && s.Tier <= maxTier(user) {
			return s
		}
		return nil
	}
	secureCore, _ := p.SecureCore.Get()
	candidates := st.OnlineAccessibleServers(secureCore, "", user, vpncfg.ProtocolSmart)
	var best *vpncfg.Server
	for _, s := range candidates {
		if p.Country != "" && s.ExitCountry != p.Country {
			continue
		}
		if best == nil || s.Load < best.Load {
			best = s
		}
	}
	return best
}
