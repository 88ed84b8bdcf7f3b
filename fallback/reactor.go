// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

package fallback

import (
	"context"

	"github.com/switchbacknet/switchback/account"
	"github.com/switchbacknet/switchback/util/eventbus"
)

// Run subscribes the engine to the account change stream and reacts
// to entitlement changes independent of connectivity failures: a plan
// downgrade or delinquency while a connection is up (or coming up)
// immediately broadcasts a switch to the default fallback profile.
//
// Changes that arrive while an auth-error resolution is in flight are
// dropped; the resolution itself re-reads the account state and
// reports the change. Run blocks until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	sub := eventbus.Subscribe[account.ChangeSet](h.bus)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Events():
			h.onAccountChanges(ev.Changes)
		}
	}
}

func (h *Handler) onAccountChanges(changes []account.Change) {
	if h.authInFlight.Load() {
		return
	}
	if !h.state.EstablishingOrConnected() {
		return
	}
	params := h.state.ConnectionParams()
	if params == nil {
		return
	}
	if sw := h.commonFallbackForChanges(params.Server, changes, h.accounts.User()); sw != nil {
		h.publish(sw)
	}
}
