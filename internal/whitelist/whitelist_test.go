package whitelist

import (
	"strings"
	"testing"

	"github.com/dmitriimaksimovdevelop/procwatch/internal/config"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/feature"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/heuristic"
)

func TestMatchesByName(t *testing.T) {
	m, err := Compile(config.Whitelist{Names: []string{"systemd"}})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Matches(feature.ProcessRecord{Name: "systemd"}) {
		t.Error("expected name match")
	}
	if m.Matches(feature.ProcessRecord{Name: "bash"}) {
		t.Error("unexpected match for unlisted name")
	}
}

func TestMatchesByUser(t *testing.T) {
	m, err := Compile(config.Whitelist{Users: []string{"root"}})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Matches(feature.ProcessRecord{User: "root"}) {
		t.Error("expected user match")
	}
}

func TestMatchesByHash(t *testing.T) {
	m, err := Compile(config.Whitelist{Hashes: []string{"deadbeef"}})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Matches(feature.ProcessRecord{ExeSHA256: "deadbeef"}) {
		t.Error("expected hash match")
	}
	if m.Matches(feature.ProcessRecord{ExeSHA256: ""}) {
		t.Error("empty hash should never match")
	}
}

func TestMatchesByPath(t *testing.T) {
	m, err := Compile(config.Whitelist{Paths: []string{"/usr/bin/systemd"}})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Matches(feature.ProcessRecord{ExePath: "/usr/bin/systemd"}) {
		t.Error("expected path match")
	}
}

func TestMatchesByGlobPattern(t *testing.T) {
	m, err := Compile(config.Whitelist{Patterns: []string{"/usr/lib/systemd/*"}})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Matches(feature.ProcessRecord{ExePath: "/usr/lib/systemd/systemd-journald"}) {
		t.Error("expected glob match")
	}
	if m.Matches(feature.ProcessRecord{ExePath: "/usr/bin/evil"}) {
		t.Error("unexpected glob match")
	}
}

func TestCompileRejectsInvalidPattern(t *testing.T) {
	_, err := Compile(config.Whitelist{Patterns: []string{"["}})
	if err == nil {
		t.Error("expected compile error for invalid glob")
	}
}

func TestApplySuppressesScoreAndAnnotatesReasons(t *testing.T) {
	m, err := Compile(config.Whitelist{Names: []string{"cron"}})
	if err != nil {
		t.Fatal(err)
	}
	rec := feature.ProcessRecord{Name: "cron"}
	findings := []heuristic.Finding{{Weight: 2, Reason: "short_cmdline: x"}}

	adjusted, score, whitelisted := m.Apply(rec, findings, 4)
	if !whitelisted {
		t.Error("expected whitelisted = true")
	}
	if score != 1 {
		t.Errorf("score = %v, want 1 (4 - 3)", score)
	}
	if !strings.HasSuffix(adjusted[0].Reason, "(whitelisted)") {
		t.Errorf("reason %q should be annotated", adjusted[0].Reason)
	}
}

func TestApplyFloorsScoreAtZero(t *testing.T) {
	m, err := Compile(config.Whitelist{Names: []string{"cron"}})
	if err != nil {
		t.Fatal(err)
	}
	rec := feature.ProcessRecord{Name: "cron"}
	_, score, _ := m.Apply(rec, nil, 1)
	if score != 0 {
		t.Errorf("score = %v, want 0 (floored)", score)
	}
}

func TestApplySevereFindingBypassesSuppression(t *testing.T) {
	m, err := Compile(config.Whitelist{Names: []string{"cron"}})
	if err != nil {
		t.Fatal(err)
	}
	rec := feature.ProcessRecord{Name: "cron"}
	findings := []heuristic.Finding{{Weight: 5, Reason: "ptraced: process is being traced by pid 99"}}

	adjusted, score, whitelisted := m.Apply(rec, findings, 5)
	if !whitelisted {
		t.Error("expected whitelisted = true even though suppression was bypassed")
	}
	if score != 5 {
		t.Errorf("score = %v, want 5 (unsuppressed)", score)
	}
	if strings.Contains(adjusted[0].Reason, "(whitelisted)") {
		t.Error("severe finding should not be annotated as suppressed")
	}
}

func TestApplyNoMatchIsNoOp(t *testing.T) {
	m, err := Compile(config.Whitelist{Names: []string{"cron"}})
	if err != nil {
		t.Fatal(err)
	}
	rec := feature.ProcessRecord{Name: "bash"}
	findings := []heuristic.Finding{{Weight: 2, Reason: "short_cmdline: x"}}

	adjusted, score, whitelisted := m.Apply(rec, findings, 4)
	if whitelisted {
		t.Error("expected whitelisted = false")
	}
	if score != 4 {
		t.Errorf("score = %v, want unchanged 4", score)
	}
	if adjusted[0].Reason != "short_cmdline: x" {
		t.Errorf("reason should be unchanged, got %q", adjusted[0].Reason)
	}
}

func TestNilMatcherNeverMatches(t *testing.T) {
	var m *Matcher
	if m.Matches(feature.ProcessRecord{Name: "anything"}) {
		t.Error("nil matcher should never match")
	}
}
