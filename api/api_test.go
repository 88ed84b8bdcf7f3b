// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/switchbacknet/switchback/vpncfg"
)

func newClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, t.Logf)
	t.Cleanup(c.Close)
	return c
}

func TestLogicals(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/servers" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"Servers": []*vpncfg.Server{
				{ID: "s1", Name: "CH#1", ExitCountry: "CH", Online: true},
				{ID: "s2", Name: "DE#1", ExitCountry: "DE", Online: false},
			},
		})
	}))

	servers, err := c.Logicals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 2 || servers[0].ID != "s1" || servers[1].ExitCountry != "DE" {
		t.Errorf("servers = %v", servers)
	}
}

func TestLogicalsZstd(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "zstd" {
			t.Errorf("Accept-Encoding = %q, want zstd", r.Header.Get("Accept-Encoding"))
		}
		payload, _ := json.Marshal(map[string]any{
			"Servers": []*vpncfg.Server{{ID: "s1", Name: "CH#1", Online: true}},
		})
		w.Header().Set("Content-Encoding", "zstd")
		zw, err := zstd.NewWriter(w)
		if err != nil {
			t.Fatal(err)
		}
		zw.Write(payload)
		zw.Close()
	}))

	servers, err := c.Logicals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 || servers[0].ID != "s1" {
		t.Errorf("servers = %v", servers)
	}
}

func TestHTTPError(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))

	_, err := c.Logicals(context.Background())
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("err = %v, want HTTPError 500", err)
	}
}

func TestEntryPointStatus(t *testing.T) {
	var hits atomic.Int64
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(EntryPointStatus{ID: "ep1", Online: false})
	}))

	st, err := c.EntryPointStatus(context.Background(), "ep1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Online {
		t.Errorf("status = %+v, want offline", st)
	}
	// The second lookup within the TTL is served from cache.
	if _, err := c.EntryPointStatus(context.Background(), "ep1"); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("backend hit %d times, want 1", got)
	}
}

func TestEntryPointStatusNotFound(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown entry point", http.StatusUnprocessableEntity)
	}))

	_, err := c.EntryPointStatus(context.Background(), "gone")
	if !errors.Is(err, ErrEntryPointNotFound) {
		t.Fatalf("err = %v, want ErrEntryPointNotFound", err)
	}
}

func TestSessions(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"Sessions": []Session{{ID: "a"}, {ID: "b"}},
		})
	}))

	sessions, err := c.Sessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Errorf("sessions = %v", sessions)
	}
}

func TestAppConfigMinutes(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"SmartReconnect":           true,
			"MaintenanceTracker":       false,
			"RefreshForegroundMinutes": 180,
			"RefreshBackgroundMinutes": 720,
		})
	}))

	cfg, err := c.AppConfig(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.SmartReconnect || cfg.MaintenanceTracker {
		t.Errorf("knobs = %+v", cfg)
	}
	if cfg.RefreshForeground != 3*time.Hour || cfg.RefreshBackground != 12*time.Hour {
		t.Errorf("delays = %v / %v", cfg.RefreshForeground, cfg.RefreshBackground)
	}
}
