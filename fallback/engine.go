// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package fallback decides whether and where to reconnect when a VPN
// connection fails: unreachable endpoint, server maintenance,
// authentication rejection, plan downgrade or delinquent billing.
//
// The engine combines a compatibility scorer, a layered candidate
// selector and a concurrent reachability prober, and avoids switching
// servers when the current connection turns out to still be viable.
// Decisions are broadcast as [SwitchEvent] values on the event bus;
// the tunnel manager and the UI notifier subscribe independently.
package fallback

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/switchbacknet/switchback/account"
	"github.com/switchbacknet/switchback/knobs"
	"github.com/switchbacknet/switchback/types/logger"
	"github.com/switchbacknet/switchback/util/eventbus"
	"github.com/switchbacknet/switchback/vpncfg"
)

// EntryPointState is the status API's verdict on one entry point.
type EntryPointState int

const (
	// EntryPointOnline: the entry point is serving.
	EntryPointOnline EntryPointState = iota
	// EntryPointOffline: confirmed down for maintenance.
	EntryPointOffline
	// EntryPointGone: the backend no longer knows the entry point.
	EntryPointGone
)

// ServerRepo is the server repository the engine selects candidates
// from. Reads are snapshot reads; the engine tolerates staleness.
type ServerRepo interface {
	OnlineAccessibleServers(secureCoreOnly bool, gateway string, user *account.UserInfo, proto vpncfg.Protocol) []*vpncfg.Server
	ServerByID(vpncfg.ServerID) *vpncfg.Server
	OnlineEntryPoints(*vpncfg.Server, vpncfg.Protocol) []*vpncfg.EntryPoint
	RandomEntryPoint(*vpncfg.Server, vpncfg.Protocol) *vpncfg.EntryPoint
	RandomEntryPointExcluding(*vpncfg.Server, vpncfg.Protocol, netip.Addr) *vpncfg.EntryPoint
	PhysicalServerExists(vpncfg.PhysicalServer) bool
	MarkEntryPointOffline(vpncfg.EntryPointID)
	DefaultFallbackProfile() *vpncfg.Profile
	ServerForProfile(*vpncfg.Profile, *account.UserInfo) *vpncfg.Server
}

// Prober probes candidate reachability; see the prober package for
// the default implementation.
type Prober interface {
	PingAll(ctx context.Context, proto vpncfg.Protocol, candidates []vpncfg.PhysicalServer, original *vpncfg.PhysicalServer) (*vpncfg.PingResult, error)
}

// ListRefresher is the server-list refresh service.
type ListRefresher interface {
	NeedsUpdate() bool
	RefreshNow(ctx context.Context) error
}

// AccountService exposes the account entitlement to the engine.
type AccountService interface {
	User() *account.UserInfo
	Refresh(ctx context.Context) error
	ActiveSessionCount(ctx context.Context) (int, error)
}

// NetChecker reports whether the device has any network connectivity.
type NetChecker interface {
	ConnectedToNetwork() bool
}

// StatusAPI queries the live maintenance status of an entry point.
type StatusAPI interface {
	EntryPointState(ctx context.Context, id vpncfg.EntryPointID) (EntryPointState, error)
}

// StateSource exposes the tunnel state the engine reacts against.
type StateSource interface {
	EstablishingOrConnected() bool
	ConnectionParams() *vpncfg.ConnectionParams
}

// Config carries the engine's collaborators. All fields are required
// except Logf.
type Config struct {
	Repo     ServerRepo
	Prober   Prober
	Updater  ListRefresher
	Accounts AccountService
	Net      NetChecker
	Status   StatusAPI
	State    StateSource
	Knobs    *knobs.Knobs
	Bus      *eventbus.Bus
	// Settings resolves the user's effective connection settings at
	// decision time.
	Settings func() vpncfg.Settings
	Logf     logger.Logf
}

// Handler is the fallback decision engine. One Handler serves the
// whole process; each entry point runs one ephemeral decision.
type Handler struct {
	repo     ServerRepo
	prober   Prober
	updater  ListRefresher
	accounts AccountService
	netmon   NetChecker
	status   StatusAPI
	state    StateSource
	knobs    *knobs.Knobs
	bus      *eventbus.Bus
	settings func() vpncfg.Settings
	logf     logger.Logf

	// authMu serializes auth-error resolutions. The original
	// implementation guarded this path with a bare boolean and raced
	// on the reset; a second concurrent auth failure here instead
	// waits and then resolves against the refreshed account state.
	authMu sync.Mutex
	// authInFlight mirrors authMu for the account-change reactor,
	// which must drop events rather than wait.
	authInFlight atomic.Bool
}

// New returns a Handler wired to the given collaborators.
func New(c Config) *Handler {
	logf := c.Logf
	if logf == nil {
		logf = logger.Discard
	}
	return &Handler{
		repo:     c.Repo,
		prober:   c.Prober,
		updater:  c.Updater,
		accounts: c.Accounts,
		netmon:   c.Net,
		status:   c.Status,
		state:    c.State,
		knobs:    c.Knobs,
		bus:      c.Bus,
		settings: c.Settings,
		logf:     logf,
	}
}

func (h *Handler) smartReconnectEnabled() bool { return h.knobs.SmartReconnect.Load() }

// publish broadcasts a switch decision. The bus absorbs the event
// without blocking the engine.
func (h *Handler) publish(sw SwitchResult) {
	h.logf("fallback: %v", sw)
	eventbus.Publish(h.bus, SwitchEvent{Switch: sw})
}

// OnServerUnavailable handles a target server that cannot be used at
// all, with no live connection context. It returns the switch to
// perform, or nil if no fallback is available.
func (h *Handler) OnServerUnavailable(ctx context.Context, profile *vpncfg.Profile) SwitchResult {
	return h.fallbackToCompatibleServer(ctx, profile, nil, false, ReasonServerUnavailable{})
}

// OnServerInMaintenance handles a confirmed-offline current entry
// point. The original server is not probed again.
func (h *Handler) OnServerInMaintenance(ctx context.Context, profile *vpncfg.Profile, params *vpncfg.ConnectionParams) SwitchResult {
	return h.fallbackToCompatibleServer(ctx, profile, params, false, ReasonServerInMaintenance{})
}

// OnUnreachableError handles a dial or handshake timeout. The current
// server is probed too: if it responds on the same protocol and
// address the failure was transient and no switch is offered. With no
// switch to offer the result is Error{UNREACHABLE}.
func (h *Handler) OnUnreachableError(ctx context.Context, params *vpncfg.ConnectionParams) Result {
	if sw := h.fallbackToCompatibleServer(ctx, params.Profile, params, true, ReasonServerUnreachable{}); sw != nil {
		return sw
	}
	return &Error{Type: ErrorUnreachable}
}

// fallbackToCompatibleServer is the shared fallback procedure. It
// returns nil when no fallback is available (feature disabled, guest
// profile, no connectivity, nothing responded, or staying put).
func (h *Handler) fallbackToCompatibleServer(ctx context.Context, orgProfile *vpncfg.Profile, orgParams *vpncfg.ConnectionParams, includeOriginal bool, reason SwitchServerReason) SwitchResult {
	if !h.smartReconnectEnabled() {
		h.logf("fallback: smart reconnect disabled")
		return nil
	}
	if orgProfile.Guest {
		h.logf("fallback: ignoring reconnection for bootstrap profile")
		return nil
	}

	h.logf("fallback: server switch triggered, reason: %v", reason)
	if !h.netmon.ConnectedToNetwork() {
		h.logf("fallback: no network, aborting")
		return nil
	}

	if h.updater.NeedsUpdate() {
		if err := h.updater.RefreshNow(ctx); err != nil {
			// Stale list is still a list; carry on.
			h.logf("fallback: server list refresh failed: %v", err)
		}
	}

	settings := h.settings()
	user := h.accounts.User()
	var orgPhysical *vpncfg.PhysicalServer
	if orgParams != nil && orgParams.EntryPoint != nil {
		ps := orgParams.Physical()
		if h.repo.PhysicalServerExists(ps) {
			orgPhysical = &ps
		}
	}

	candidates := CandidateServers(h.repo, orgProfile, orgPhysical, user, includeOriginal, settings)
	for _, c := range candidates {
		h.logf("fallback: candidate %v city=%q", c, c.Server.City)
	}

	orgProtocol := orgProfile.ProtocolOf(settings)
	ping, err := h.prober.PingAll(ctx, orgProtocol, candidates, orgPhysical)
	if err != nil || ping == nil || len(ping.Responses) == 0 {
		h.logf("fallback: no server responded (err=%v)", err)
		return nil
	}

	// Original server and protocol responded: the failure was
	// transient, don't switch.
	if orgPhysical != nil && ping.Server.Equal(*orgPhysical) {
		for _, resp := range ping.Responses {
			if resp.Params.SameProtocolParams(orgParams) {
				h.logf("fallback: current connection responded, staying")
				return nil
			}
		}
	}

	expected := expectedProtocolResponse(ping, orgProtocol)
	var orgDirect *vpncfg.Server
	if orgProfile.DirectServerID != "" {
		orgDirect = h.repo.ServerByID(orgProfile.DirectServerID)
	}
	secureCoreExpected := orgProfile.SecureCoreExpected(settings)
	score := ScoreServer(ping.Server.Server, orgProfile, orgDirect, user, secureCoreExpected)
	switchedSecureCore := secureCoreExpected && !score.Has(AspectSecureCore)
	compatible := isCompatibleServer(score, ping.Server, orgPhysical) &&
		expected != nil && !switchedSecureCore

	chosen := expected
	if chosen == nil {
		chosen = &ping.Responses[0]
	}
	toProfile := vpncfg.DirectProfile(ping.Server.Server)
	prepared := *chosen.Params
	prepared.Profile = toProfile

	var from *vpncfg.Server
	if orgParams != nil {
		from = orgParams.Server
	}
	h.logf("fallback: selected %v score=%v", ping.Server, score)
	return &SwitchServer{
		From:               from,
		Profile:            toProfile,
		PreparedConnection: &prepared,
		Reason:             reason,
		CompatibleProtocol: expected != nil,
		SwitchedSecureCore: switchedSecureCore,
		Notify:             !compatible,
	}
}

// isCompatibleServer reports whether the winner is close enough to
// the original intent that the switch needs no user notification:
// country, features and secure core must match, and the tier must be
// the user's own or at least not below the original server's.
func isCompatibleServer(score Score, winner vpncfg.PhysicalServer, org *vpncfg.PhysicalServer) bool {
	return score.Has(AspectCountry) &&
		score.Has(AspectFeatures) &&
		score.Has(AspectSecureCore) &&
		(score.Has(AspectTier) || org == nil || winner.Server.Tier >= org.Server.Tier)
}

// expectedProtocolResponse returns the first response matching the
// expected protocol, or nil if none does. A Smart selection accepts
// any response.
func expectedProtocolResponse(ping *vpncfg.PingResult, expected vpncfg.Protocol) *vpncfg.PingResponse {
	if len(ping.Responses) == 0 {
		return nil
	}
	if expected == vpncfg.ProtocolSmart {
		return &ping.Responses[0]
	}
	for i := range ping.Responses {
		if ping.Responses[i].Params.Protocol == expected {
			return &ping.Responses[i]
		}
	}
	return nil
}

// commonFallbackForChanges maps account entitlement changes that
// always force a switch (downgrade, delinquency) to a SwitchProfile
// onto the default fallback profile. It returns nil for changes the
// engine doesn't act on here.
func (h *Handler) commonFallbackForChanges(currentServer *vpncfg.Server, changes []account.Change, user *account.UserInfo) *SwitchProfile {
	fallbackProfile := h.repo.DefaultFallbackProfile()
	fallbackServer := h.repo.ServerForProfile(fallbackProfile, user)
	if fallbackServer == nil {
		return nil
	}
	for _, change := range changes {
		switch c := change.(type) {
		case account.PlanChange:
			if c.Downgrade() {
				return &SwitchProfile{
					From:    currentServer,
					To:      fallbackServer,
					Profile: fallbackProfile,
					Reason:  ReasonDowngrade{FromPlan: c.FromPlan, ToPlan: c.ToPlan},
				}
			}
		case account.BecameDelinquent:
			return &SwitchProfile{
				From:    currentServer,
				To:      fallbackServer,
				Profile: fallbackProfile,
				Reason:  ReasonUserBecameDelinquent{},
			}
		}
	}
	return nil
}

// OnAuthError resolves an authentication rejection. Resolution order:
// account-state changes (a billing change always wins and skips
// probing), refreshed credentials (retry the same target), session
// limit (Error{MAX_SESSIONS}), maintenance check, generic compatible-
// server search, and finally Error{AUTH_FAILED}.
//
// Concurrent calls are serialized; each performs its own full
// resolution.
func (h *Handler) OnAuthError(ctx context.Context, params *vpncfg.ConnectionParams) Result {
	h.authMu.Lock()
	h.authInFlight.Store(true)
	defer func() {
		h.authInFlight.Store(false)
		h.authMu.Unlock()
	}()

	oldUser := h.accounts.User()
	if err := h.accounts.Refresh(ctx); err != nil {
		h.logf("fallback: account refresh failed: %v", err)
	}
	newUser := h.accounts.User()
	if oldUser != nil && newUser != nil {
		changes := account.ComputeChanges(oldUser, newUser)
		if sw := h.commonFallbackForChanges(params.Server, changes, newUser); sw != nil {
			return sw
		}
		if hasCredentialsChange(changes) {
			// Credentials are refreshed; the same target should
			// accept us now.
			return &SwitchProfile{From: params.Server, To: params.Server, Profile: params.Profile}
		}
		sessions, err := h.accounts.ActiveSessionCount(ctx)
		if err != nil {
			h.logf("fallback: session count unavailable: %v", err)
			sessions = 0
		}
		if newUser.MaxConnect <= sessions {
			return &Error{Type: ErrorMaxSessions}
		}
	}

	if sw := h.maintenanceFallback(ctx, params); sw != nil {
		return sw
	}
	// We couldn't establish that the server is in maintenance;
	// search for a fallback anyway, including the current
	// connection.
	if sw := h.fallbackToCompatibleServer(ctx, params.Profile, params, true, ReasonUnknownAuthFailure{}); sw != nil {
		return sw
	}
	return &Error{Type: ErrorAuthFailed}
}

func hasCredentialsChange(changes []account.Change) bool {
	for _, c := range changes {
		if _, ok := c.(account.CredentialsChanged); ok {
			return true
		}
	}
	return false
}

// maintenanceFallback checks whether the current entry point is down
// for maintenance and, if so, marks it offline, refreshes the server
// list and searches for a replacement. It returns nil when the entry
// point is fine or the check was inconclusive.
func (h *Handler) maintenanceFallback(ctx context.Context, params *vpncfg.ConnectionParams) SwitchResult {
	if !h.knobs.MaintenanceTracker.Load() {
		return nil
	}
	if params.EntryPoint == nil {
		return nil
	}
	h.logf("fallback: checking whether %s is in maintenance", params.EntryPoint.Domain)

	findNewServer := false
	state, err := h.status.EntryPointState(ctx, params.EntryPoint.ID)
	switch {
	case err != nil:
		// No evidence either way; the caller proceeds with the
		// generic search.
		h.logf("fallback: maintenance check inconclusive: %v", err)
	case state == EntryPointOffline:
		h.logf("fallback: %s is in maintenance", params.EntryPoint.Domain)
		h.repo.MarkEntryPointOffline(params.EntryPoint.ID)
		if err := h.updater.RefreshNow(ctx); err != nil {
			h.logf("fallback: server list refresh failed: %v", err)
		}
		findNewServer = true
	case state == EntryPointGone:
		if err := h.updater.RefreshNow(ctx); err != nil {
			h.logf("fallback: server list refresh failed: %v", err)
		}
		findNewServer = true
	}
	if !findNewServer {
		return nil
	}
	if h.smartReconnectEnabled() {
		return h.OnServerInMaintenance(ctx, params.Profile, params)
	}
	h.logf("fallback: smart reconnect disabled, using default connection")
	fallbackProfile := h.repo.DefaultFallbackProfile()
	fallbackServer := h.repo.ServerForProfile(fallbackProfile, h.accounts.User())
	if fallbackServer == nil {
		return nil
	}
	return &SwitchProfile{From: params.Server, To: fallbackServer, Profile: fallbackProfile}
}

// MaintenanceCheck runs the periodic maintenance check against the
// current connection and broadcasts a switch if one is needed.
func (h *Handler) MaintenanceCheck(ctx context.Context) {
	params := h.state.ConnectionParams()
	if params == nil {
		return
	}
	if sw := h.maintenanceFallback(ctx, params); sw != nil {
		h.publish(sw)
	}
}
