// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package updater keeps the server store fresh: it schedules periodic
// server-list and load refreshes, serves forced refreshes from the
// fallback engine, and runs the location update that must yield to a
// starting tunnel.
package updater

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/switchbacknet/switchback/api"
	"github.com/switchbacknet/switchback/knobs"
	"github.com/switchbacknet/switchback/serverstore"
	"github.com/switchbacknet/switchback/types/logger"
	"github.com/switchbacknet/switchback/util/eventbus"
	"github.com/switchbacknet/switchback/vpnstate"
)

const (
	defaultForegroundDelay = 3 * time.Hour
	loadsDelay             = 15 * time.Minute
	locationDelay          = 10 * time.Minute

	// forcedRefreshInterval bounds how often forced refreshes (from
	// the fallback engine, mid-incident) actually hit the backend.
	forcedRefreshInterval = 30 * time.Second
)

// Config carries the updater's collaborators.
type Config struct {
	API    *api.Client
	Store  *serverstore.Store
	Knobs  *knobs.Knobs
	State  *vpnstate.Monitor
	Bus    *eventbus.Bus
	Clock  clock.Clock // nil means the real clock
	Logf   logger.Logf

	// ForegroundDelay overrides the periodic refresh interval;
	// usually it comes from the remote app config.
	ForegroundDelay time.Duration
}

// Updater implements the server-list refresh service.
type Updater struct {
	apic  *api.Client
	store *serverstore.Store
	kn    *knobs.Knobs
	state *vpnstate.Monitor
	bus   *eventbus.Bus
	clock clock.Clock
	logf  logger.Logf

	// fgDelay is the periodic refresh interval, atomically updated
	// when the remote app config changes it.
	fgDelay atomic.Int64 // nanoseconds

	sf      singleflight.Group
	forceRL *rate.Limiter
}

// New returns an Updater. It does not start any background work; call
// Run for the periodic schedule.
func New(c Config) *Updater {
	clk := c.Clock
	if clk == nil {
		clk = clock.New()
	}
	logf := c.Logf
	if logf == nil {
		logf = logger.Discard
	}
	fg := c.ForegroundDelay
	if fg <= 0 {
		fg = defaultForegroundDelay
	}
	u := &Updater{
		apic:    c.API,
		store:   c.Store,
		kn:      c.Knobs,
		state:   c.State,
		bus:     c.Bus,
		clock:   clk,
		logf:    logf,
		forceRL: rate.NewLimiter(rate.Every(forcedRefreshInterval), 1),
	}
	u.fgDelay.Store(int64(fg))
	return u
}

func (u *Updater) foregroundDelay() time.Duration {
	return time.Duration(u.fgDelay.Load())
}

// NeedsUpdate reports whether the server list is missing or stale
// enough that a fallback decision should refresh it first.
func (u *Updater) NeedsUpdate() bool {
	if !u.store.HasServers() {
		return true
	}
	return u.clock.Now().Sub(u.store.LastUpdate()) >= 4*u.foregroundDelay()
}

// RefreshNow fetches the server list and swaps it into the store.
// Concurrent callers coalesce onto one in-flight fetch and all await
// its result. Calls are rate limited; a call inside the limit window
// returns nil without hitting the backend.
func (u *Updater) RefreshNow(ctx context.Context) error {
	if !u.forceRL.Allow() {
		u.logf("updater: refresh suppressed, list was just fetched")
		return nil
	}
	return u.refresh(ctx)
}

func (u *Updater) refresh(ctx context.Context) error {
	res := u.sf.DoChan("logicals", func() (any, error) {
		// Deliberately not ctx: one caller's cancellation must not
		// fail the shared fetch for the others.
		servers, err := u.apic.Logicals(context.Background())
		if err != nil {
			return nil, err
		}
		u.store.SetServers(servers, u.clock.Now())
		return nil, nil
	})
	select {
	case r := <-res:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshLoads applies a cheap per-server load update.
func (u *Updater) RefreshLoads(ctx context.Context) error {
	loads, err := u.apic.Loads(ctx)
	if err != nil {
		return err
	}
	u.store.UpdateLoads(loads)
	return nil
}

// RefreshAppConfig fetches the remote app config and applies the
// feature knobs.
func (u *Updater) RefreshAppConfig(ctx context.Context) error {
	cfg, err := u.apic.AppConfig(ctx)
	if err != nil {
		return err
	}
	u.kn.Update(cfg.SmartReconnect, cfg.MaintenanceTracker)
	if cfg.RefreshForeground > 0 {
		u.fgDelay.Store(int64(cfg.RefreshForeground))
	}
	return nil
}

// LocationResult is the outcome of UpdateLocationIfVPNOff.
type LocationResult struct {
	// Cancelled means the update was abandoned because the tunnel
	// came up mid-call. It is success with no location, not failure.
	Cancelled bool
	Location  api.Location
}

// UpdateLocationIfVPNOff fetches the client's location as the backend
// sees it, but only while the tunnel is down: the location behind the
// tunnel is the exit server's, not the user's. If the tunnel starts
// while the call is in flight, the call is cancelled and the result is
// flagged Cancelled rather than failed. The state subscription is
// released on every exit path.
func (u *Updater) UpdateLocationIfVPNOff(ctx context.Context) (LocationResult, error) {
	if u.state.State() != vpnstate.Disabled {
		return LocationResult{Cancelled: true}, nil
	}

	sub := eventbus.Subscribe[vpnstate.Change](u.bus)
	defer sub.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		for {
			select {
			case ev := <-sub.Events():
				if ev.State != vpnstate.Disabled {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() { cancel(); <-watchDone }()

	loc, err := u.apic.Location(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) && u.state.State() != vpnstate.Disabled {
			u.logf("updater: location update cancelled, tunnel came up")
			return LocationResult{Cancelled: true}, nil
		}
		return LocationResult{}, err
	}
	u.logf("updater: location %s, isp %s (as seen by backend)", loc.Country, loc.ISP)
	return LocationResult{Location: loc}, nil
}

// Run executes the periodic schedule until ctx is done: server list at
// the configured delay, loads every 15 minutes, location every 10
// minutes while the tunnel is down.
func (u *Updater) Run(ctx context.Context) {
	listTicker := u.clock.Ticker(u.foregroundDelay())
	defer listTicker.Stop()
	loadsTicker := u.clock.Ticker(loadsDelay)
	defer loadsTicker.Stop()
	locTicker := u.clock.Ticker(locationDelay)
	defer locTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-listTicker.C:
			if err := u.refresh(ctx); err != nil {
				u.logf("updater: server list refresh: %v", err)
			}
		case <-loadsTicker.C:
			if err := u.RefreshLoads(ctx); err != nil {
				u.logf("updater: loads refresh: %v", err)
			}
		case <-locTicker.C:
			if _, err := u.UpdateLocationIfVPNOff(ctx); err != nil {
				u.logf("updater: location update: %v", err)
			}
		}
	}
}
