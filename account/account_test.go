// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

package account

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/switchbacknet/switchback/api"
	"github.com/switchbacknet/switchback/util/eventbus"
	"github.com/switchbacknet/switchback/vpncfg"
)

func TestComputeChanges(t *testing.T) {
	base := &UserInfo{PlanName: "plus", Tier: vpncfg.TierPlus, MaxConnect: 2, Credentials: "c1"}

	tests := []struct {
		name     string
		old, new *UserInfo
		want     []Change
	}{
		{
			name: "no changes",
			old:  base,
			new:  &UserInfo{PlanName: "plus", Tier: vpncfg.TierPlus, MaxConnect: 2, Credentials: "c1"},
			want: nil,
		},
		{
			name: "nil sides",
			old:  nil,
			new:  base,
			want: nil,
		},
		{
			name: "downgrade",
			old:  base,
			new:  &UserInfo{PlanName: "free", Tier: vpncfg.TierFree, MaxConnect: 2, Credentials: "c1"},
			want: []Change{PlanChange{FromPlan: "plus", ToPlan: "free", FromTier: vpncfg.TierPlus, ToTier: vpncfg.TierFree}},
		},
		{
			name: "delinquent",
			old:  base,
			new:  &UserInfo{PlanName: "plus", Tier: vpncfg.TierPlus, MaxConnect: 2, Credentials: "c1", Delinquent: true},
			want: []Change{BecameDelinquent{}},
		},
		{
			name: "recovering from delinquency is not a change",
			old:  &UserInfo{PlanName: "plus", Tier: vpncfg.TierPlus, MaxConnect: 2, Credentials: "c1", Delinquent: true},
			new:  &UserInfo{PlanName: "plus", Tier: vpncfg.TierPlus, MaxConnect: 2, Credentials: "c1"},
			want: nil,
		},
		{
			name: "credentials rotated",
			old:  base,
			new:  &UserInfo{PlanName: "plus", Tier: vpncfg.TierPlus, MaxConnect: 2, Credentials: "c2"},
			want: []Change{CredentialsChanged{}},
		},
		{
			name: "session limit",
			old:  base,
			new:  &UserInfo{PlanName: "plus", Tier: vpncfg.TierPlus, MaxConnect: 5, Credentials: "c1"},
			want: []Change{MaxConnectChanged{From: 2, To: 5}},
		},
		{
			name: "downgrade with credential rotation",
			old:  base,
			new:  &UserInfo{PlanName: "free", Tier: vpncfg.TierFree, MaxConnect: 1, Credentials: "c2"},
			want: []Change{
				PlanChange{FromPlan: "plus", ToPlan: "free", FromTier: vpncfg.TierPlus, ToTier: vpncfg.TierFree},
				CredentialsChanged{},
				MaxConnectChanged{From: 2, To: 1},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeChanges(tt.old, tt.new)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ComputeChanges (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlanChangeDowngrade(t *testing.T) {
	down := PlanChange{FromTier: vpncfg.TierPlus, ToTier: vpncfg.TierFree}
	if !down.Downgrade() {
		t.Errorf("plus to free should be a downgrade")
	}
	up := PlanChange{FromTier: vpncfg.TierFree, ToTier: vpncfg.TierPlus}
	if up.Downgrade() {
		t.Errorf("free to plus should not be a downgrade")
	}
}

func TestRefreshBroadcastsChanges(t *testing.T) {
	var mu sync.Mutex
	info := api.VPNInfo{PlanName: "plus", Tier: vpncfg.TierPlus, MaxConnect: 2, Credentials: "c1"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewEncoder(w).Encode(info)
	}))
	defer srv.Close()

	bus := eventbus.New()
	defer bus.Close()
	apic := api.NewClient(srv.URL, t.Logf)
	defer apic.Close()
	svc := NewService(apic, bus, t.Logf)

	sub := eventbus.Subscribe[ChangeSet](bus)
	defer sub.Close()

	// First refresh populates the snapshot from a logged-out state;
	// there is nothing to diff and nothing is broadcast.
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := svc.User(); got == nil || got.PlanName != "plus" {
		t.Fatalf("user = %+v", got)
	}

	mu.Lock()
	info.PlanName, info.Tier = "free", vpncfg.TierFree
	mu.Unlock()
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.Events():
		if len(ev.Changes) != 1 {
			t.Fatalf("changes = %v, want one PlanChange", ev.Changes)
		}
		pc, ok := ev.Changes[0].(PlanChange)
		if !ok || !pc.Downgrade() {
			t.Errorf("change = %v, want a downgrade PlanChange", ev.Changes[0])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change set broadcast")
	}
}
