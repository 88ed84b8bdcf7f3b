// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

package fallback

import (
	"net/netip"

	"github.com/switchbacknet/switchback/account"
	"github.com/switchbacknet/switchback/util/set"
	"github.com/switchbacknet/switchback/vpncfg"
)

// fallbackServersCount is the fixed candidate budget. The list handed
// to the prober never exceeds it.
const fallbackServersCount = 5

// CandidateServers builds the ordered fallback candidate list for the
// prober. Order is priority order.
//
// The list is seeded with the original physical server when requested
// (and it still exists), then filled with online accessible servers
// ranked by compatibility score, skipping candidates that could only
// retry the failed entry address and never falling back from a
// non-Tor original onto a Tor server. Diversity fallbacks (different
// city, different country) and the non-secure-core last resort are
// appended at the end of the budget.
func CandidateServers(repo ServerRepo, orgProfile *vpncfg.Profile, orgPhysical *vpncfg.PhysicalServer, user *account.UserInfo, includeOriginal bool, settings vpncfg.Settings) []vpncfg.PhysicalServer {
	var candidates []vpncfg.PhysicalServer
	if orgPhysical != nil && includeOriginal {
		candidates = append(candidates, *orgPhysical)
	}

	var orgDirect *vpncfg.Server
	if orgProfile.DirectServerID != "" {
		orgDirect = repo.ServerByID(orgProfile.DirectServerID)
	}

	secureCoreExpected := orgProfile.SecureCoreExpected(settings)
	var gateway string
	switch {
	case orgPhysical != nil:
		gateway = orgPhysical.Server.GatewayName
	case orgDirect != nil:
		gateway = orgDirect.GatewayName
	}
	proto := orgProfile.ProtocolOf(settings)

	scoreOf := func(s *vpncfg.Server) Score {
		return ScoreServer(s, orgProfile, orgDirect, user, secureCoreExpected)
	}

	online := repo.OnlineAccessibleServers(secureCoreExpected, gateway, user, proto)

	orgIsTor := orgPhysical != nil && orgPhysical.Server.IsTor()
	var orgAddr netip.Addr
	if orgPhysical != nil {
		orgAddr = orgPhysical.EntryPoint.AddrForProtocol(proto)
	}

	var scored []*vpncfg.Server
	for _, s := range sortByScore(online, scoreOf) {
		// Skip servers whose every entry point would retry the
		// address that just failed.
		if orgPhysical != nil && !hasOtherEntryAddr(repo.OnlineEntryPoints(s, proto), proto, orgAddr) {
			continue
		}
		// A Tor original may fall back to non-Tor, but a non-Tor
		// original never falls back to Tor.
		if s.IsTor() && !orgIsTor {
			continue
		}
		scored = append(scored, s)
	}

	for _, s := range scored {
		if len(candidates) >= fallbackServersCount {
			break
		}
		if ep := repo.RandomEntryPointExcluding(s, proto, orgAddr); ep != nil {
			candidates = append(candidates, vpncfg.PhysicalServer{Server: s, EntryPoint: ep})
		}
	}

	// Diversity fallbacks: if every candidate so far shares one exit
	// country (and possibly one city), widen the net.
	var fallbacks []*vpncfg.Server
	countries := set.Set[string]{}
	for _, c := range candidates {
		countries.Add(c.Server.ExitCountry)
	}
	if country, ok := countries.Only(); ok {
		cities := set.Set[string]{}
		for _, c := range candidates {
			cities.Add(c.Server.City)
		}
		if city, ok := cities.Only(); ok {
			for _, s := range scored {
				if s.ExitCountry == country && s.City != city {
					fallbacks = append(fallbacks, s)
					break
				}
			}
		}
		for _, s := range scored {
			if s.ExitCountry != country {
				fallbacks = append(fallbacks, s)
				break
			}
		}
	}

	// Secure-core safety net: never leave the user with zero
	// candidates just because secure-core servers are scarce.
	if secureCoreExpected {
		plain := sortByScore(repo.OnlineAccessibleServers(false, "", user, proto), scoreOf)
		if len(plain) > 0 {
			fallbacks = append(fallbacks, plain[0])
		}
	}

	if n := fallbackServersCount - len(fallbacks); len(candidates) > n {
		if n < 0 {
			n = 0
		}
		candidates = candidates[:n]
	}
	for _, s := range fallbacks {
		ep := repo.RandomEntryPoint(s, proto)
		if ep == nil {
			continue
		}
		ps := vpncfg.PhysicalServer{Server: s, EntryPoint: ep}
		if !containsPhysical(candidates, ps) {
			candidates = append(candidates, ps)
		}
	}
	return candidates
}

func hasOtherEntryAddr(eps []*vpncfg.EntryPoint, proto vpncfg.Protocol, addr netip.Addr) bool {
	for _, e := range eps {
		if e.AddrForProtocol(proto) != addr {
			return true
		}
	}
	return false
}

func containsPhysical(list []vpncfg.PhysicalServer, ps vpncfg.PhysicalServer) bool {
	for _, c := range list {
		if c.Equal(ps) {
			return true
		}
	}
	return false
}
