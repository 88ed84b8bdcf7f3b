// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// The switchback command is a debug surface for the server-selection
// engine: it loads a server-list snapshot and shows how the engine
// would score, rank and probe fallback candidates.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/switchbacknet/switchback/account"
	"github.com/switchbacknet/switchback/fallback"
	"github.com/switchbacknet/switchback/prober"
	"github.com/switchbacknet/switchback/serverstore"
	"github.com/switchbacknet/switchback/types/logger"
	"github.com/switchbacknet/switchback/vpncfg"
)

func main() {
	root := &ffcli.Command{
		Name:       "switchback",
		ShortUsage: "switchback <subcommand> [flags]",
		ShortHelp:  "Inspect the VPN fallback engine's decisions.",
		Subcommands: []*ffcli.Command{
			scoreCmd(),
			planCmd(),
			probeCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

// commonArgs are the flags shared by the subcommands: where the server
// list comes from and what the original connection intent was.
type commonArgs struct {
	serversFile string
	country     string
	serverID    string
	secureCore  bool
	protocol    string
	tier        int
	verbose     bool
}

func (a *commonArgs) register(fs *flag.FlagSet) {
	fs.StringVar(&a.serversFile, "servers", "", "path to a server-list JSON snapshot")
	fs.StringVar(&a.country, "country", "", "profile country (empty for any)")
	fs.StringVar(&a.serverID, "server", "", "profile direct server ID (empty for none)")
	fs.BoolVar(&a.secureCore, "secure-core", false, "expect secure core")
	fs.StringVar(&a.protocol, "protocol", string(vpncfg.ProtocolSmart), "protocol (smart, wireguard, openvpn-udp, openvpn-tcp)")
	fs.IntVar(&a.tier, "tier", int(vpncfg.TierPlus), "account tier")
	fs.BoolVar(&a.verbose, "v", false, "verbose logging")
}

func (a *commonArgs) logf() logger.Logf {
	if a.verbose {
		return log.Printf
	}
	return logger.Discard
}

func (a *commonArgs) load() (*serverstore.Store, *vpncfg.Profile, *account.UserInfo, vpncfg.Settings, error) {
	if a.serversFile == "" {
		return nil, nil, nil, vpncfg.Settings{}, errors.New("--servers is required")
	}
	raw, err := os.ReadFile(a.serversFile)
	if err != nil {
		return nil, nil, nil, vpncfg.Settings{}, err
	}
	var snapshot struct {
		Servers []*vpncfg.Server
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, nil, nil, vpncfg.Settings{}, fmt.Errorf("%s: %w", a.serversFile, err)
	}
	store := serverstore.New(a.logf())
	store.SetServers(snapshot.Servers, time.Now())

	profile := &vpncfg.Profile{
		Name:           "cli",
		Country:        a.country,
		DirectServerID: vpncfg.ServerID(a.serverID),
	}
	user := &account.UserInfo{Tier: vpncfg.Tier(a.tier), MaxConnect: 1}
	settings := vpncfg.Settings{
		SecureCore: a.secureCore,
		Protocol:   vpncfg.Protocol(a.protocol),
	}
	return store, profile, user, settings, nil
}

func scoreCmd() *ffcli.Command {
	var args commonArgs
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	args.register(fs)
	return &ffcli.Command{
		Name:       "score",
		ShortUsage: "switchback score --servers file [flags]",
		ShortHelp:  "Explain every server's compatibility mask against the profile.",
		FlagSet:    fs,
		Exec: func(ctx context.Context, _ []string) error {
			store, profile, user, settings, err := args.load()
			if err != nil {
				return err
			}
			var orgDirect *vpncfg.Server
			if profile.DirectServerID != "" {
				orgDirect = store.ServerByID(profile.DirectServerID)
			}
			secureCore := profile.SecureCoreExpected(settings)
			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "SERVER\tCOUNTRY\tCITY\tTIER\tSCORE")
			for _, s := range store.OnlineAccessibleServers(secureCore, "", user, profile.ProtocolOf(settings)) {
				score := fallback.ScoreServer(s, profile, orgDirect, user, secureCore)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%v\n", s.Name, s.ExitCountry, s.City, s.Tier, score)
			}
			return nil
		},
	}
}

func planCmd() *ffcli.Command {
	var args commonArgs
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	args.register(fs)
	return &ffcli.Command{
		Name:       "plan",
		ShortUsage: "switchback plan --servers file [flags]",
		ShortHelp:  "Print the ordered fallback candidate plan for the profile.",
		FlagSet:    fs,
		Exec: func(ctx context.Context, _ []string) error {
			candidates, err := buildPlan(&args)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "#\tSERVER\tENTRY\tCOUNTRY\tCITY")
			for i, c := range candidates {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
					i+1, c.Server.Name, c.EntryPoint.Domain, c.Server.ExitCountry, c.Server.City)
			}
			return nil
		},
	}
}

func probeCmd() *ffcli.Command {
	var args commonArgs
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	args.register(fs)
	return &ffcli.Command{
		Name:       "probe",
		ShortUsage: "switchback probe --servers file [flags]",
		ShortHelp:  "Probe the candidate plan and report the winner.",
		FlagSet:    fs,
		Exec: func(ctx context.Context, _ []string) error {
			candidates, err := buildPlan(&args)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				return errors.New("no candidates")
			}
			p := prober.New(args.logf(), nil)
			proto := vpncfg.Protocol(args.protocol)
			result, err := p.PingAll(ctx, proto, candidates, nil)
			if err != nil {
				return err
			}
			if result == nil {
				return errors.New("no server responded")
			}
			fmt.Printf("winner: %v\n", result.Server)
			for _, r := range result.Responses {
				fmt.Printf("  %s via %s: %v\n", r.Params.Protocol, r.Params.EntryAddr, r.Latency)
			}
			return nil
		},
	}
}

func buildPlan(args *commonArgs) ([]vpncfg.PhysicalServer, error) {
	store, profile, user, settings, err := args.load()
	if err != nil {
		return nil, err
	}
	return fallback.CandidateServers(store, profile, nil, user, false, settings), nil
}
