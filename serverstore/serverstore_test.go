// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

package serverstore

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/switchbacknet/switchback/account"
	"github.com/switchbacknet/switchback/api"
	"github.com/switchbacknet/switchback/vpncfg"
)

func ep(id, addr string, online bool) *vpncfg.EntryPoint {
	return &vpncfg.EntryPoint{
		ID:        vpncfg.EntryPointID(id),
		Domain:    id + ".example.com",
		Online:    online,
		EntryAddr: netip.MustParseAddr(addr),
	}
}

func server(id string, tier vpncfg.Tier, features vpncfg.FeatureFlags, country string, online bool, eps ...*vpncfg.EntryPoint) *vpncfg.Server {
	return &vpncfg.Server{
		ID:          vpncfg.ServerID(id),
		Name:        id,
		ExitCountry: country,
		Tier:        tier,
		Features:    features,
		Online:      online,
		EntryPoints: eps,
	}
}

// newStore returns a Store with deterministic entry point selection
// (always the first eligible one).
func newStore(t *testing.T, servers ...*vpncfg.Server) *Store {
	t.Helper()
	st := New(t.Logf)
	st.intn = func(n int) int { return 0 }
	st.SetServers(servers, time.Unix(1700000000, 0))
	return st
}

var plusUser = &account.UserInfo{Tier: vpncfg.TierPlus, MaxConnect: 2}

func serverIDs(servers []*vpncfg.Server) []vpncfg.ServerID {
	var out []vpncfg.ServerID
	for _, s := range servers {
		out = append(out, s.ID)
	}
	return out
}

func TestOnlineAccessibleServers(t *testing.T) {
	st := newStore(t,
		server("free", vpncfg.TierFree, 0, "CH", true, ep("free-1", "10.0.0.1", true)),
		server("plus", vpncfg.TierPlus, 0, "CH", true, ep("plus-1", "10.0.0.2", true)),
		server("internal", vpncfg.TierInternal, 0, "CH", true, ep("int-1", "10.0.0.3", true)),
		server("offline", vpncfg.TierFree, 0, "CH", false, ep("off-1", "10.0.0.4", true)),
		server("noeps", vpncfg.TierFree, 0, "CH", true, ep("noeps-1", "10.0.0.5", false)),
		server("sc", vpncfg.TierPlus, vpncfg.FeatureSecureCore, "CH", true, ep("sc-1", "10.0.0.6", true)),
	)

	got := st.OnlineAccessibleServers(false, "", plusUser, vpncfg.ProtocolSmart)
	want := []vpncfg.ServerID{"free", "plus"}
	if diff := cmp.Diff(want, serverIDs(got)); diff != "" {
		t.Errorf("plain servers (-want +got):\n%s", diff)
	}

	got = st.OnlineAccessibleServers(true, "", plusUser, vpncfg.ProtocolSmart)
	want = []vpncfg.ServerID{"sc"}
	if diff := cmp.Diff(want, serverIDs(got)); diff != "" {
		t.Errorf("secure core servers (-want +got):\n%s", diff)
	}

	// A nil user is a free account.
	got = st.OnlineAccessibleServers(false, "", nil, vpncfg.ProtocolSmart)
	want = []vpncfg.ServerID{"free"}
	if diff := cmp.Diff(want, serverIDs(got)); diff != "" {
		t.Errorf("nil user servers (-want +got):\n%s", diff)
	}
}

func TestOnlineAccessibleServersGateway(t *testing.T) {
	st := newStore(t,
		server("public", vpncfg.TierPlus, 0, "CH", true, ep("pub-1", "10.0.0.1", true)),
		&vpncfg.Server{
			ID: "gw", Name: "gw", ExitCountry: "CH", Tier: vpncfg.TierPlus,
			GatewayName: "corp", Online: true,
			EntryPoints: []*vpncfg.EntryPoint{ep("gw-1", "10.0.0.2", true)},
		},
	)

	// Gateway servers are invisible without asking for the gateway.
	got := st.OnlineAccessibleServers(false, "", plusUser, vpncfg.ProtocolSmart)
	if diff := cmp.Diff([]vpncfg.ServerID{"public"}, serverIDs(got)); diff != "" {
		t.Errorf("no gateway (-want +got):\n%s", diff)
	}
	// And the only thing visible within one.
	got = st.OnlineAccessibleServers(false, "corp", plusUser, vpncfg.ProtocolSmart)
	if diff := cmp.Diff([]vpncfg.ServerID{"gw"}, serverIDs(got)); diff != "" {
		t.Errorf("corp gateway (-want +got):\n%s", diff)
	}
}

func TestRandomEntryPointExcluding(t *testing.T) {
	s := server("s", vpncfg.TierFree, 0, "CH", true,
		ep("s-1", "10.0.0.1", true),
		ep("s-2", "10.0.0.2", true),
		ep("s-3", "10.0.0.3", false),
	)
	st := newStore(t, s)

	got := st.RandomEntryPointExcluding(s, vpncfg.ProtocolSmart, netip.MustParseAddr("10.0.0.1"))
	if got == nil || got.ID != "s-2" {
		t.Errorf("entry point = %v, want s-2", got)
	}

	// Excluding the only online address leaves nothing.
	s2 := server("s2", vpncfg.TierFree, 0, "CH", true, ep("s2-1", "10.0.0.9", true))
	st = newStore(t, s2)
	if got := st.RandomEntryPointExcluding(s2, vpncfg.ProtocolSmart, netip.MustParseAddr("10.0.0.9")); got != nil {
		t.Errorf("entry point = %v, want nil", got)
	}
}

func TestEntryPointProtocolOverride(t *testing.T) {
	e := ep("e-1", "10.0.0.1", true)
	e.ProtocolAddrs = map[vpncfg.Protocol]netip.Addr{
		vpncfg.ProtocolWireGuard: netip.MustParseAddr("10.0.1.1"),
	}
	s := server("s", vpncfg.TierFree, 0, "CH", true, e)
	st := newStore(t, s)

	got := st.RandomEntryPointExcluding(s, vpncfg.ProtocolWireGuard, netip.MustParseAddr("10.0.0.1"))
	if got == nil {
		t.Fatal("entry point excluded by its non-wireguard address")
	}
	if addr := got.AddrForProtocol(vpncfg.ProtocolWireGuard); addr != netip.MustParseAddr("10.0.1.1") {
		t.Errorf("wireguard addr = %v", addr)
	}
}

func TestMarkEntryPointOffline(t *testing.T) {
	s := server("s", vpncfg.TierFree, 0, "CH", true,
		ep("s-1", "10.0.0.1", true),
		ep("s-2", "10.0.0.2", true),
	)
	st := newStore(t, s)
	orig := s.EntryPoints[0]

	st.MarkEntryPointOffline("s-1")

	eps := st.OnlineEntryPoints(st.ServerByID("s"), vpncfg.ProtocolSmart)
	if len(eps) != 1 || eps[0].ID != "s-2" {
		t.Errorf("online entry points = %v, want only s-2", eps)
	}
	// The shared snapshot values must not be mutated; the store
	// swaps in a cloned server instead.
	if !orig.Online {
		t.Errorf("escaped entry point snapshot was mutated")
	}
	if s.EntryPoints[0] != orig {
		t.Errorf("escaped server snapshot was mutated")
	}
}

func TestPhysicalServerExists(t *testing.T) {
	s := server("s", vpncfg.TierFree, 0, "CH", true, ep("s-1", "10.0.0.1", true))
	st := newStore(t, s)

	ps := vpncfg.PhysicalServer{Server: s, EntryPoint: s.EntryPoints[0]}
	if !st.PhysicalServerExists(ps) {
		t.Errorf("existing physical server reported missing")
	}

	gone := vpncfg.PhysicalServer{Server: s, EntryPoint: ep("other", "10.0.0.2", true)}
	if st.PhysicalServerExists(gone) {
		t.Errorf("unknown entry point reported present")
	}
	if st.PhysicalServerExists(vpncfg.PhysicalServer{}) {
		t.Errorf("zero physical server reported present")
	}

	// A list refresh that drops the server invalidates it.
	st.SetServers(nil, time.Unix(1700000100, 0))
	if st.PhysicalServerExists(ps) {
		t.Errorf("dropped server reported present")
	}
}

func TestUpdateLoads(t *testing.T) {
	s := server("s", vpncfg.TierFree, 0, "CH", true, ep("s-1", "10.0.0.1", true))
	st := newStore(t, s)

	st.UpdateLoads([]api.LoadUpdate{
		{ServerID: "s", Load: 87.5, Online: false},
		{ServerID: "unknown", Load: 1, Online: true},
	})
	got := st.ServerByID("s")
	if got.Load != 87.5 || got.Online {
		t.Errorf("server after load update = load %v online %v", got.Load, got.Online)
	}
	// The escaped snapshot keeps its old values.
	if s.Load != 0 || !s.Online {
		t.Errorf("escaped server snapshot was mutated: load %v online %v", s.Load, s.Online)
	}
}

// Exercises every mutation path against every read path; run with
// -race to catch unsynchronized snapshot access.
func TestConcurrentReadersAndMutators(t *testing.T) {
	s1 := server("s1", vpncfg.TierFree, 0, "CH", true,
		ep("s1-1", "10.0.0.1", true),
		ep("s1-2", "10.0.0.2", true),
	)
	s2 := server("s2", vpncfg.TierFree, 0, "DE", true, ep("s2-1", "10.0.0.3", true))
	st := newStore(t, s1, s2)
	ps := vpncfg.PhysicalServer{Server: s1, EntryPoint: s1.EntryPoints[0]}

	const iters = 200
	var wg sync.WaitGroup
	for _, mutate := range []func(){
		func() { st.MarkEntryPointOffline("s1-1") },
		func() { st.UpdateLoads([]api.LoadUpdate{{ServerID: "s1", Load: 50, Online: true}}) },
		func() { st.SetServers([]*vpncfg.Server{s1, s2}, time.Unix(1700000001, 0)) },
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iters {
				mutate()
			}
		}()
	}
	for _, read := range []func(){
		func() { st.OnlineEntryPoints(st.ServerByID("s1"), vpncfg.ProtocolSmart) },
		func() { st.RandomEntryPointExcluding(st.ServerByID("s1"), vpncfg.ProtocolSmart, netip.Addr{}) },
		func() { st.PhysicalServerExists(ps) },
		func() { st.OnlineAccessibleServers(false, "", plusUser, vpncfg.ProtocolSmart) },
		func() { st.ServerForProfile(&vpncfg.Profile{Country: "CH"}, plusUser) },
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iters {
				read()
			}
		}()
	}
	wg.Wait()
}

func TestServerForProfile(t *testing.T) {
	light := server("light", vpncfg.TierFree, 0, "CH", true, ep("l-1", "10.0.0.1", true))
	light.Load = 10
	heavy := server("heavy", vpncfg.TierFree, 0, "CH", true, ep("h-1", "10.0.0.2", true))
	heavy.Load = 90
	de := server("de", vpncfg.TierFree, 0, "DE", true, ep("d-1", "10.0.0.3", true))
	de.Load = 1
	internal := server("internal", vpncfg.TierInternal, 0, "CH", true, ep("i-1", "10.0.0.4", true))
	st := newStore(t, heavy, light, de, internal)

	// Country match, least loaded.
	got := st.ServerForProfile(&vpncfg.Profile{Country: "CH"}, plusUser)
	if got == nil || got.ID != "light" {
		t.Errorf("CH profile = %v, want light", got)
	}

	// Pinned server wins when accessible.
	got = st.ServerForProfile(&vpncfg.Profile{DirectServerID: "heavy"}, plusUser)
	if got == nil || got.ID != "heavy" {
		t.Errorf("pinned profile = %v, want heavy", got)
	}

	// Pinned but above the user's tier: no substitute is invented.
	got = st.ServerForProfile(&vpncfg.Profile{DirectServerID: "internal"}, plusUser)
	if got != nil {
		t.Errorf("inaccessible pinned profile = %v, want nil", got)
	}

	if got := st.ServerForProfile(nil, plusUser); got != nil {
		t.Errorf("nil profile = %v, want nil", got)
	}
}

func TestDefaultFallbackProfile(t *testing.T) {
	st := newStore(t)
	if got := st.DefaultFallbackProfile(); got.Name != "Fastest" {
		t.Errorf("built-in fallback profile = %q", got.Name)
	}
	custom := &vpncfg.Profile{Name: "my-fallback", Country: "NL"}
	st.SetDefaultFallbackProfile(custom)
	if got := st.DefaultFallbackProfile(); got != custom {
		t.Errorf("fallback profile = %v, want the configured one", got)
	}
}

func TestLastUpdate(t *testing.T) {
	st := New(nil)
	if st.HasServers() {
		t.Errorf("empty store claims servers")
	}
	if !st.LastUpdate().IsZero() {
		t.Errorf("empty store has a last update time")
	}
	now := time.Unix(1700000000, 0)
	st.SetServers([]*vpncfg.Server{server("s", vpncfg.TierFree, 0, "CH", true)}, now)
	if !st.HasServers() || !st.LastUpdate().Equal(now) {
		t.Errorf("store after SetServers: has=%v last=%v", st.HasServers(), st.LastUpdate())
	}
}
