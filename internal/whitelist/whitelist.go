// Package whitelist matches a ProcessRecord against operator-configured
// exclusions and applies their effect on a scored process: suppress the
// heuristic score toward (but never below) zero, unless a severe
// finding forces the process to stay visible regardless of whitelist
// status.
package whitelist

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/dmitriimaksimovdevelop/procwatch/internal/config"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/feature"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/heuristic"
)

// SeverityBypassWeight is the finding weight at or above which a
// whitelist match is overridden: a process that is whitelisted by name
// but is also ptraced (weight 5) still surfaces.
const SeverityBypassWeight = 5.0

// suppressPoints is subtracted from heuristic_score for a whitelisted,
// non-bypassed match.
const suppressPoints = 3.0

// Matcher holds the compiled form of a configured whitelist: exact-match
// sets for names/users/hashes/paths, and compiled glob patterns.
type Matcher struct {
	names    map[string]bool
	users    map[string]bool
	hashes   map[string]bool
	paths    map[string]bool
	patterns []glob.Glob
}

// Compile builds a Matcher from config.Whitelist, compiling every
// pattern entry up front so match-time never returns a glob error.
func Compile(wl config.Whitelist) (*Matcher, error) {
	m := &Matcher{
		names:  toSet(wl.Names),
		users:  toSet(wl.Users),
		hashes: toSet(wl.Hashes),
		paths:  toSet(wl.Paths),
	}
	for _, p := range wl.Patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("whitelist: invalid pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, g)
	}
	return m, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// Matches reports whether rec matches any configured exclusion: by
// exact process name, user, executable hash, executable path, or any
// compiled glob pattern matched against the executable path.
func (m *Matcher) Matches(rec feature.ProcessRecord) bool {
	if m == nil {
		return false
	}
	if m.names[rec.Name] {
		return true
	}
	if m.users[rec.User] {
		return true
	}
	if rec.ExeSHA256 != "" && m.hashes[rec.ExeSHA256] {
		return true
	}
	if rec.ExePath != "" && m.paths[rec.ExePath] {
		return true
	}
	for _, g := range m.patterns {
		if g.Match(rec.ExePath) {
			return true
		}
	}
	return false
}

// Apply runs Matches against rec and, when matched, suppresses score
// and annotates findings — unless any finding's weight meets or exceeds
// SeverityBypassWeight, in which case the whitelist match is recorded
// but has no suppressive effect. It returns the (possibly adjusted)
// findings, the resulting score, and whether the process is considered
// whitelisted for reporting purposes.
func (m *Matcher) Apply(rec feature.ProcessRecord, findings []heuristic.Finding, score float64) ([]heuristic.Finding, float64, bool) {
	if !m.Matches(rec) {
		return findings, score, false
	}

	for _, f := range findings {
		if f.Weight >= SeverityBypassWeight {
			return findings, score, true // matched, but a severe finding bypasses suppression
		}
	}

	adjusted := make([]heuristic.Finding, len(findings))
	for i, f := range findings {
		adjusted[i] = heuristic.Finding{
			Weight: f.Weight,
			Reason: f.Reason + " (whitelisted)",
		}
	}

	suppressedScore := score - suppressPoints
	if suppressedScore < 0 {
		suppressedScore = 0
	}
	return adjusted, suppressedScore, true
}
