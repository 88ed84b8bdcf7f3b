// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package prober implements reachability probing of fallback
// candidates: all candidates are probed concurrently and the first
// responding physical server, in candidate priority order, wins.
//
// The probe method depends on the protocol: TCP-based protocols get a
// TLS reachability check (instrumented with httpstat), UDP-based ones
// an ICMP echo. A probe only has to prove the entry point answers;
// the tunnel handshake itself is the transport layer's problem.
package prober

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	probing "github.com/prometheus-community/pro-bing"
	"github.com/tcnksm/go-httpstat"
	"golang.org/x/sync/errgroup"

	"github.com/switchbacknet/switchback/types/logger"
	"github.com/switchbacknet/switchback/vpncfg"
)

const (
	defaultTimeout = 5 * time.Second

	// defaultGraceWindow is how long, after the first successful
	// response, the prober keeps collecting before settling on a
	// winner. It gives the original server and higher-priority
	// candidates a chance to beat a fast low-priority responder.
	defaultGraceWindow = 750 * time.Millisecond

	maxConcurrentProbes = 16
)

var defaultPorts = map[vpncfg.Protocol]uint16{
	vpncfg.ProtocolWireGuard:  51820,
	vpncfg.ProtocolOpenVPNUDP: 1194,
	vpncfg.ProtocolOpenVPNTCP: 443,
}

// probeFunc probes one (protocol, physical server) pair and returns
// the observed round-trip latency.
type probeFunc func(ctx context.Context, proto vpncfg.Protocol, ps vpncfg.PhysicalServer) (time.Duration, error)

// Prober probes candidate reachability. The zero value is not usable;
// use New.
type Prober struct {
	logf  logger.Logf
	clock clock.Clock

	// Timeout bounds one whole PingAll call.
	Timeout time.Duration
	// GraceWindow is how long the prober waits after the first
	// response before settling; see defaultGraceWindow.
	GraceWindow time.Duration

	probe probeFunc // overridable in tests
}

// New returns a Prober with default timeouts. clk may be nil for the
// real clock.
func New(logf logger.Logf, clk clock.Clock) *Prober {
	if logf == nil {
		logf = logger.Discard
	}
	if clk == nil {
		clk = clock.New()
	}
	p := &Prober{
		logf:        logf,
		clock:       clk,
		Timeout:     defaultTimeout,
		GraceWindow: defaultGraceWindow,
	}
	p.probe = p.probeProtocol
	return p
}

func protocolsFor(proto vpncfg.Protocol) []vpncfg.Protocol {
	if proto == vpncfg.ProtocolSmart {
		return vpncfg.RealProtocols
	}
	return []vpncfg.Protocol{proto}
}

// PingAll probes every candidate concurrently and returns the winning
// physical server with all of its successful per-protocol responses.
// Candidates earlier in the slice have priority; if original is among
// the candidates and responds within the grace window, it wins
// outright. PingAll returns (nil, nil) when nothing responded, and
// (nil, ctx.Err()) when the caller's context was cancelled before
// anything responded.
func (p *Prober) PingAll(ctx context.Context, proto vpncfg.Protocol, candidates []vpncfg.PhysicalServer, original *vpncfg.PhysicalServer) (*vpncfg.PingResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	origIdx := -1
	if original != nil {
		for i, c := range candidates {
			if c.Equal(*original) {
				origIdx = i
				break
			}
		}
	}

	type probeHit struct {
		idx  int
		resp vpncfg.PingResponse
	}
	resCh := make(chan probeHit, len(candidates)*len(vpncfg.RealProtocols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, c := range candidates {
		for _, pr := range protocolsFor(proto) {
			addr := c.EntryPoint.AddrForProtocol(pr)
			if !addr.IsValid() {
				continue
			}
			g.Go(func() error {
				lat, err := p.probe(gctx, pr, c)
				if err != nil {
					p.logf("prober: %v %s via %s: %v", c, pr, addr, err)
					return nil
				}
				resp := vpncfg.PingResponse{
					Params: &vpncfg.ConnectionParams{
						Server:     c.Server,
						EntryPoint: c.EntryPoint,
						Protocol:   pr,
						EntryAddr:  addr,
					},
					Latency: lat,
				}
				select {
				case resCh <- probeHit{i, resp}:
				case <-gctx.Done():
				}
				return nil
			})
		}
	}
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	responses := make(map[int][]vpncfg.PingResponse)
	var graceCh <-chan time.Time
	settled := false
	for !settled {
		select {
		case hit := <-resCh:
			responses[hit.idx] = append(responses[hit.idx], hit.resp)
			if graceCh == nil {
				graceCh = p.clock.After(p.GraceWindow)
			}
			if hit.idx == origIdx {
				settled = true
			}
		case <-graceCh:
			settled = true
		case <-done:
			settled = true
		case <-ctx.Done():
			settled = true
		}
	}
	cancel() // stop any probes still in flight
	// Collect responses that raced with settling.
	for drained := false; !drained; {
		select {
		case hit := <-resCh:
			responses[hit.idx] = append(responses[hit.idx], hit.resp)
		default:
			drained = true
		}
	}

	winner := -1
	if origIdx >= 0 && len(responses[origIdx]) > 0 {
		winner = origIdx
	} else {
		for i := range candidates {
			if len(responses[i]) > 0 {
				winner = i
				break
			}
		}
	}
	if winner < 0 {
		// An expired probe deadline is an ordinary total failure;
		// only the caller's own cancellation is reported as an error.
		if err := parent.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	p.logf("prober: winner %v with %d responses", candidates[winner], len(responses[winner]))
	return &vpncfg.PingResult{
		Server:    candidates[winner],
		Responses: responses[winner],
	}, nil
}

func (p *Prober) probeProtocol(ctx context.Context, proto vpncfg.Protocol, ps vpncfg.PhysicalServer) (time.Duration, error) {
	addr := ps.EntryPoint.AddrForProtocol(proto)
	switch proto {
	case vpncfg.ProtocolOpenVPNTCP:
		return p.probeTLS(ctx, addr.String(), defaultPorts[proto], ps.EntryPoint.Domain)
	default:
		return p.probeICMP(ctx, addr.String())
	}
}

// probeTLS checks TCP/TLS reachability of addr:port, recording timing
// phases with httpstat. Any HTTP response counts; if the GET fails
// after the TCP connect succeeded, the endpoint is still considered
// reachable (VPN endpoints don't necessarily speak HTTP).
func (p *Prober) probeTLS(ctx context.Context, addr string, port uint16, serverName string) (time.Duration, error) {
	hostport := net.JoinHostPort(addr, strconv.Itoa(int(port)))
	start := p.clock.Now()

	var connected bool
	tr := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			c, err := d.DialContext(ctx, network, hostport)
			if err == nil {
				connected = true
			}
			return c, err
		},
		TLSClientConfig: &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true, // reachability check, not a handshake
		},
	}
	defer tr.CloseIdleConnections()

	var result httpstat.Result
	sctx := httpstat.WithHTTPStat(ctx, &result)
	req, err := http.NewRequestWithContext(sctx, "GET", "https://"+hostport+"/", nil)
	if err != nil {
		return 0, err
	}
	res, err := (&http.Client{Transport: tr}).Do(req)
	if err != nil {
		if connected && ctx.Err() == nil {
			return p.clock.Since(start), nil
		}
		return 0, err
	}
	res.Body.Close()
	latency := p.clock.Since(start)
	p.logf("prober: https %s: connect=%v tls=%v total=%v",
		hostport, result.TCPConnection, result.TLSHandshake, latency)
	return latency, nil
}

// probeICMP sends one unprivileged ICMP echo to addr.
func (p *Prober) probeICMP(ctx context.Context, addr string) (time.Duration, error) {
	pinger := probing.New(addr)
	pinger.Count = 1
	pinger.Timeout = p.Timeout
	pinger.SetPrivileged(false)
	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, errNoEcho
	}
	return stats.AvgRtt, nil
}

var errNoEcho = errNoEchoType{}

type errNoEchoType struct{}

func (errNoEchoType) Error() string { return "no ICMP echo reply" }
