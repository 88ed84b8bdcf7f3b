// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package account tracks the user's VPN entitlement: the current plan
// tier, session limit and credential state, plus a diff stream the
// engine reacts to when the entitlement changes underneath a live
// connection.
package account

import (
	"context"
	"sync"

	"github.com/switchbacknet/switchback/api"
	"github.com/switchbacknet/switchback/types/logger"
	"github.com/switchbacknet/switchback/util/eventbus"
	"github.com/switchbacknet/switchback/vpncfg"
)

// UserInfo is an immutable snapshot of the account's VPN entitlement.
type UserInfo struct {
	PlanName    string
	Tier        vpncfg.Tier
	MaxConnect  int
	Delinquent  bool
	Credentials string // opaque fingerprint; changes when credentials rotate
}

// Change is one difference between two entitlement snapshots.
// It is a closed set: PlanChange, BecameDelinquent, CredentialsChanged
// and MaxConnectChanged.
type Change interface {
	accountChange()
}

// PlanChange reports that the plan moved between tiers.
type PlanChange struct {
	FromPlan string
	ToPlan   string
	FromTier vpncfg.Tier
	ToTier   vpncfg.Tier
}

func (PlanChange) accountChange() {}

// Downgrade reports whether the change lowered the tier.
func (c PlanChange) Downgrade() bool { return c.ToTier < c.FromTier }

// BecameDelinquent reports that billing became delinquent.
type BecameDelinquent struct{}

func (BecameDelinquent) accountChange() {}

// CredentialsChanged reports that the VPN credentials rotated with no
// plan change; a failing session can simply be retried.
type CredentialsChanged struct{}

func (CredentialsChanged) accountChange() {}

// MaxConnectChanged reports a session-limit change.
type MaxConnectChanged struct {
	From, To int
}

func (MaxConnectChanged) accountChange() {}

// ChangeSet is broadcast on the event bus after each refresh that
// found differences.
type ChangeSet struct {
	Changes []Change
}

// ComputeChanges diffs two entitlement snapshots. Either side may be
// nil, in which case there is nothing to diff.
func ComputeChanges(old, new *UserInfo) []Change {
	if old == nil || new == nil {
		return nil
	}
	var changes []Change
	if old.Tier != new.Tier {
		changes = append(changes, PlanChange{
			FromPlan: old.PlanName,
			ToPlan:   new.PlanName,
			FromTier: old.Tier,
			ToTier:   new.Tier,
		})
	}
	if !old.Delinquent && new.Delinquent {
		changes = append(changes, BecameDelinquent{})
	}
	if old.Credentials != new.Credentials {
		changes = append(changes, CredentialsChanged{})
	}
	if old.MaxConnect != new.MaxConnect {
		changes = append(changes, MaxConnectChanged{From: old.MaxConnect, To: new.MaxConnect})
	}
	return changes
}

// Service holds the current entitlement snapshot and refreshes it from
// the backend.
type Service struct {
	api  *api.Client
	bus  *eventbus.Bus
	logf logger.Logf

	mu      sync.Mutex
	current *UserInfo // nil when logged out
}

// NewService returns a Service with no current user.
func NewService(apic *api.Client, bus *eventbus.Bus, logf logger.Logf) *Service {
	if logf == nil {
		logf = logger.Discard
	}
	return &Service{api: apic, bus: bus, logf: logf}
}

// User returns the current entitlement snapshot, or nil if logged out.
func (s *Service) User() *UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetUser replaces the current snapshot without diffing, for login and
// tests.
func (s *Service) SetUser(u *UserInfo) {
	s.mu.Lock()
	s.current = u
	s.mu.Unlock()
}

// Refresh fetches the entitlement from the backend, swaps the
// snapshot, and broadcasts a ChangeSet if anything differed.
func (s *Service) Refresh(ctx context.Context) error {
	info, err := s.api.VPNInfo(ctx)
	if err != nil {
		return err
	}
	fresh := &UserInfo{
		PlanName:    info.PlanName,
		Tier:        info.Tier,
		MaxConnect:  info.MaxConnect,
		Delinquent:  info.Delinquent,
		Credentials: info.Credentials,
	}
	s.mu.Lock()
	old := s.current
	s.current = fresh
	s.mu.Unlock()

	if changes := ComputeChanges(old, fresh); len(changes) > 0 {
		s.logf("account: entitlement changed: %v", changes)
		eventbus.Publish(s.bus, ChangeSet{Changes: changes})
	}
	return nil
}

// ActiveSessionCount returns the number of active VPN sessions on the
// account.
func (s *Service) ActiveSessionCount(ctx context.Context) (int, error) {
	sessions, err := s.api.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}
