// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

package fallback

import (
	"cmp"
	"slices"
	"strings"

	"github.com/switchbacknet/switchback/account"
	"github.com/switchbacknet/switchback/vpncfg"
)

// Aspect is one independently evaluated axis of compatibility between
// a fallback candidate and the original connection intent.
type Aspect int

const (
	AspectFeatures Aspect = iota
	AspectTier
	AspectCity
	AspectCountry
	AspectSecureCore
)

var aspectNames = []string{"Features", "Tier", "City", "Country", "SecureCore"}

func (a Aspect) String() string {
	if int(a) < len(aspectNames) {
		return aspectNames[a]
	}
	return "Aspect(?)"
}

// Score is a bitmask over aspects; one bit per satisfied aspect.
type Score int

// Has reports whether the aspect's bit is set.
func (s Score) Has(a Aspect) bool { return s&(1<<a) != 0 }

func (s Score) String() string {
	var sb strings.Builder
	for a := AspectFeatures; a <= AspectSecureCore; a++ {
		if s.Has(a) {
			if sb.Len() > 0 {
				sb.WriteByte('|')
			}
			sb.WriteString(a.String())
		}
	}
	if sb.Len() == 0 {
		return "none"
	}
	return sb.String()
}

// ScoreServer computes candidate's compatibility with the original
// connection intent. Each aspect is evaluated independently:
//
//   - Country: the profile has no fixed country, or the candidate
//     exits in it.
//   - City: the profile pins no direct server with a city, or the
//     candidate is in the same city.
//   - Tier: the candidate is in the user's own tier (preferred over
//     merely accessible).
//   - Features: no direct server to compare against, or the feature
//     sets match exactly.
//   - SecureCore: secure core wasn't expected, or the candidate is a
//     secure-core server.
//
// It is a pure function; orgDirectServer and user may be nil.
func ScoreServer(candidate *vpncfg.Server, orgProfile *vpncfg.Profile, orgDirectServer *vpncfg.Server, user *account.UserInfo, secureCoreExpected bool) Score {
	var score Score

	if orgProfile.Country == "" || orgProfile.Country == candidate.ExitCountry {
		score |= 1 << AspectCountry
	}
	if orgDirectServer == nil || orgDirectServer.City == "" || orgDirectServer.City == candidate.City {
		score |= 1 << AspectCity
	}
	if user != nil && user.Tier == candidate.Tier {
		score |= 1 << AspectTier
	}
	if orgDirectServer == nil || candidate.Features == orgDirectServer.Features {
		score |= 1 << AspectFeatures
	}
	if !secureCoreExpected || candidate.IsSecureCore() {
		score |= 1 << AspectSecureCore
	}
	return score
}

// sortByScore returns servers ordered by descending compatibility
// score. The sort is stable: ties keep their repository order, which
// the store already ranks by preference.
func sortByScore(servers []*vpncfg.Server, score func(*vpncfg.Server) Score) []*vpncfg.Server {
	type scored struct {
		s     *vpncfg.Server
		score Score
	}
	list := make([]scored, len(servers))
	for i, s := range servers {
		list[i] = scored{s, score(s)}
	}
	// Stable so equal scores keep snapshot order.
	slices.SortStableFunc(list, func(a, b scored) int { return cmp.Compare(b.score, a.score) })
	out := make([]*vpncfg.Server, len(list))
	for i, e := range list {
		out[i] = e.s
	}
	return out
}
