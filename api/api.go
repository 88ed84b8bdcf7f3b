// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package api is the HTTP client for the VPN backend: the server list,
// client location, entry-point maintenance status, session list and
// account info endpoints consumed by the engine and its services.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/klauspost/compress/zstd"
	"github.com/switchbacknet/switchback/types/logger"
	"github.com/switchbacknet/switchback/vpncfg"
)

// ErrEntryPointNotFound is returned by EntryPointStatus when the
// backend no longer knows the entry point (it was removed from the
// server list).
var ErrEntryPointNotFound = errors.New("api: entry point not found")

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api: backend returned %s", e.Status)
}

// statusTTL bounds how long a cached entry-point status is served.
// Bursts of auth errors re-check the same entry point; one answer per
// window is enough evidence either way.
const statusTTL = 30 * time.Second

// Client talks to the VPN backend. The zero value is not usable; use
// NewClient.
type Client struct {
	baseURL string
	httpc   *http.Client
	logf    logger.Logf

	statusCache *ttlcache.Cache[vpncfg.EntryPointID, EntryPointStatus]
}

// NewClient returns a Client for the backend at baseURL (no trailing
// slash).
func NewClient(baseURL string, logf logger.Logf) *Client {
	if logf == nil {
		logf = logger.Discard
	}
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		logf:    logf,
		statusCache: ttlcache.New(
			ttlcache.WithTTL[vpncfg.EntryPointID, EntryPointStatus](statusTTL),
			ttlcache.WithDisableTouchOnHit[vpncfg.EntryPointID, EntryPointStatus](),
		),
	}
	go c.statusCache.Start()
	return c
}

// SetHTTPClient replaces the underlying HTTP client, for tests and
// custom transports.
func (c *Client) SetHTTPClient(h *http.Client) { c.httpc = h }

// Close releases the client's background resources.
func (c *Client) Close() { c.statusCache.Stop() }

// get issues a GET for path and decodes the JSON response into out.
// Responses may be zstd-compressed; the server list in particular is
// large enough for compression to matter.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "zstd")
	res, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s: %w", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
		return &HTTPError{StatusCode: res.StatusCode, Status: res.Status}
	}
	body := io.Reader(res.Body)
	if res.Header.Get("Content-Encoding") == "zstd" {
		zr, err := zstd.NewReader(body)
		if err != nil {
			return fmt.Errorf("api: %s: zstd: %w", path, err)
		}
		defer zr.Close()
		body = zr
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("api: %s: decode: %w", path, err)
	}
	return nil
}

// Logicals fetches the full logical server list.
func (c *Client) Logicals(ctx context.Context) ([]*vpncfg.Server, error) {
	var resp struct {
		Servers []*vpncfg.Server
	}
	if err := c.get(ctx, "/v1/servers", &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// LoadUpdate is a per-server load refresh, cheaper than a full list
// fetch.
type LoadUpdate struct {
	ServerID vpncfg.ServerID
	Load     float64
	Online   bool
}

// Loads fetches current per-server loads.
func (c *Client) Loads(ctx context.Context) ([]LoadUpdate, error) {
	var resp struct {
		Loads []LoadUpdate
	}
	if err := c.get(ctx, "/v1/loads", &resp); err != nil {
		return nil, err
	}
	return resp.Loads, nil
}

// Location is the backend's view of the client.
type Location struct {
	IP      string
	Country string
	ISP     string
}

// Location fetches the client's location as seen by the backend.
func (c *Client) Location(ctx context.Context) (Location, error) {
	var loc Location
	err := c.get(ctx, "/v1/location", &loc)
	return loc, err
}

// EntryPointStatus is the live maintenance status of one entry point.
type EntryPointStatus struct {
	ID     vpncfg.EntryPointID
	Online bool
}

// EntryPointStatus fetches the live status of an entry point.
// Statuses are cached for a short window. A 422 response means the
// entry point no longer exists and is reported as
// ErrEntryPointNotFound.
func (c *Client) EntryPointStatus(ctx context.Context, id vpncfg.EntryPointID) (EntryPointStatus, error) {
	if item := c.statusCache.Get(id); item != nil {
		return item.Value(), nil
	}
	var st EntryPointStatus
	err := c.get(ctx, "/v1/entrypoints/"+string(id), &st)
	if err != nil {
		var herr *HTTPError
		if errors.As(err, &herr) && herr.StatusCode == http.StatusUnprocessableEntity {
			return EntryPointStatus{}, ErrEntryPointNotFound
		}
		return EntryPointStatus{}, err
	}
	c.statusCache.Set(id, st, ttlcache.DefaultTTL)
	return st, nil
}

// Session is one active VPN session on the account.
type Session struct {
	ID string
}

// Sessions fetches the account's active sessions.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var resp struct {
		Sessions []Session
	}
	if err := c.get(ctx, "/v1/sessions", &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// VPNInfo is the account's VPN entitlement as reported by the backend.
type VPNInfo struct {
	PlanName    string
	Tier        vpncfg.Tier
	MaxConnect  int
	Delinquent  bool
	Credentials string // opaque fingerprint; changes when credentials rotate
}

// VPNInfo fetches the account's VPN entitlement.
func (c *Client) VPNInfo(ctx context.Context) (VPNInfo, error) {
	var info VPNInfo
	err := c.get(ctx, "/v1/account/vpn", &info)
	return info, err
}

// AppConfig is the remote app configuration payload.
type AppConfig struct {
	SmartReconnect     bool
	MaintenanceTracker bool
	RefreshForeground  time.Duration
	RefreshBackground  time.Duration
}

// AppConfig fetches the remote app configuration.
func (c *Client) AppConfig(ctx context.Context) (AppConfig, error) {
	var resp struct {
		SmartReconnect           bool
		MaintenanceTracker       bool
		RefreshForegroundMinutes int
		RefreshBackgroundMinutes int
	}
	if err := c.get(ctx, "/v1/appconfig", &resp); err != nil {
		return AppConfig{}, err
	}
	return AppConfig{
		SmartReconnect:     resp.SmartReconnect,
		MaintenanceTracker: resp.MaintenanceTracker,
		RefreshForeground:  time.Duration(resp.RefreshForegroundMinutes) * time.Minute,
		RefreshBackground:  time.Duration(resp.RefreshBackgroundMinutes) * time.Minute,
	}, nil
}
