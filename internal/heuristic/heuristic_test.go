package heuristic

import (
	"testing"

	"github.com/dmitriimaksimovdevelop/procwatch/internal/config"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/feature"
)

func sum(findings []Finding) float64 {
	var total float64
	for _, f := range findings {
		total += f.Weight
	}
	return total
}

func newEval() *Evaluator {
	cfg := config.Default()
	return New(cfg.Weights, cfg.WatchedPortSet())
}

// Scenario 1: executable deleted, weights default.
func TestScenarioDeletedExe(t *testing.T) {
	ev := newEval()
	rec := feature.ProcessRecord{
		PID: 100, PPID: 1,
		ExeDeleted: true, ExePath: "/tmp/x",
		Cmdline: []string{"/tmp/x", "--run"},
	}
	findings := ev.Evaluate(rec)
	if got := sum(findings); got != 7 {
		t.Errorf("heuristic_score = %v, want 7", got)
	}
}

// Scenario 2: memfd + W+X memory.
func TestScenarioMemfdWX(t *testing.T) {
	ev := newEval()
	rec := feature.ProcessRecord{
		PID: 101, PPID: 1,
		ExeIsMemfd: true, MapsHasWX: true, ExePath: "/memfd:payload",
		Cmdline: []string{"payload"},
	}
	findings := ev.Evaluate(rec)
	if got := sum(findings); got != 7 {
		t.Errorf("heuristic_score = %v, want 7", got)
	}
}

// Scenario 3: shell under web server.
func TestScenarioShellUnderWebServer(t *testing.T) {
	ev := newEval()
	rec := feature.ProcessRecord{
		PID: 102, PPID: 50,
		Name: "bash", ParentName: "apache2", HasTTY: false,
		ExePath: "/bin/bash",
		Cmdline: []string{"bash", "-i"},
	}
	findings := ev.Evaluate(rec)
	if got := sum(findings); got != 6 {
		t.Errorf("heuristic_score = %v, want 6", got)
	}
}

// Scenario 6: watched-port outbound.
func TestScenarioWatchedPort(t *testing.T) {
	ev := newEval()
	rec := feature.ProcessRecord{
		PID: 103, PPID: 1,
		RemotePorts: []int{4444}, OutboundConns: 1,
		ExePath: "/usr/bin/nc",
		Cmdline: []string{"nc", "-e", "/bin/sh"},
	}
	findings := ev.Evaluate(rec)
	var gotWatched bool
	for _, f := range findings {
		if RuleName(f) == "watched_port" {
			gotWatched = true
		}
	}
	if !gotWatched {
		t.Error("expected watched_port finding")
	}
	if got := sum(findings); got != 2 {
		t.Errorf("heuristic_score = %v, want 2 (below default min_score)", got)
	}
}

func TestHighCPURule(t *testing.T) {
	ev := newEval()
	rec := feature.ProcessRecord{
		PID: 104, PPID: 1, Name: "systemd", CPUPercent: 95,
		ExePath: "/usr/lib/systemd/systemd",
		Cmdline: []string{"/usr/lib/systemd/systemd", "--system"},
	}
	findings := ev.EvaluateWithCPUHigh(rec, 90)
	if got := sum(findings); got != 1 {
		t.Errorf("heuristic_score = %v, want 1", got)
	}
}

func TestPtracedSevereWeight(t *testing.T) {
	ev := newEval()
	rec := feature.ProcessRecord{
		PID: 105, PPID: 1, Name: "x", TracerPID: 4242,
		ExePath: "/usr/bin/x", Cmdline: []string{"/usr/bin/x"},
	}
	findings := ev.Evaluate(rec)
	if got := sum(findings); got != 5 {
		t.Errorf("heuristic_score = %v, want 5", got)
	}
}

func TestKernelThreadParentExcludesEmptyCmdlineAndNoExe(t *testing.T) {
	ev := newEval()
	rec := feature.ProcessRecord{PID: 2, PPID: 0, Name: "kthreadd", ExePath: ""}
	findings := ev.Evaluate(rec)
	for _, f := range findings {
		rule := RuleName(f)
		if rule == "empty_cmdline" {
			t.Error("empty_cmdline should not fire for pid=2 kernel-thread parent")
		}
		if rule == "no_exe" {
			t.Error("no_exe should not fire for pid=2")
		}
	}
}

func TestEmptyCmdlineFiresForRegularProcess(t *testing.T) {
	ev := newEval()
	rec := feature.ProcessRecord{PID: 200, PPID: 1, Name: "x", ExePath: "/usr/bin/x"}
	findings := ev.Evaluate(rec)
	var fired bool
	for _, f := range findings {
		if RuleName(f) == "empty_cmdline" {
			fired = true
		}
	}
	if !fired {
		t.Error("expected empty_cmdline to fire for a regular process with empty cmdline")
	}
}

func TestNameArgvMismatch(t *testing.T) {
	ev := newEval()
	rec := feature.ProcessRecord{
		PID: 201, PPID: 1, Name: "evil",
		Cmdline: []string{"/usr/bin/legit"},
	}
	findings := ev.Evaluate(rec)
	var fired bool
	for _, f := range findings {
		if RuleName(f) == "name_argv_mismatch" {
			fired = true
		}
	}
	if !fired {
		t.Error("expected name_argv_mismatch to fire")
	}
}

func TestCodeExecCmdlineTokenBoundary(t *testing.T) {
	ev := newEval()
	// "executor" must NOT match the "exec" token.
	rec := feature.ProcessRecord{PID: 202, PPID: 1, Name: "x", Cmdline: []string{"./executor", "retrieval"}}
	findings := ev.Evaluate(rec)
	for _, f := range findings {
		if RuleName(f) == "code_exec_cmdline" {
			t.Error("code_exec_cmdline should not match substrings like 'executor'/'retrieval'")
		}
	}

	rec2 := feature.ProcessRecord{PID: 203, PPID: 1, Name: "x", Cmdline: []string{"python3", "-c", "eval(cmd)"}}
	findings2 := ev.Evaluate(rec2)
	var fired bool
	for _, f := range findings2 {
		if RuleName(f) == "code_exec_cmdline" {
			fired = true
		}
	}
	if !fired {
		t.Error("expected code_exec_cmdline to fire for eval(...)")
	}
}

func TestZeroWeightStillEmitsReason(t *testing.T) {
	weights := map[string]float64{"deleted_exe": 0}
	ev := New(weights, nil)
	rec := feature.ProcessRecord{
		PID: 300, PPID: 1, ExeDeleted: true,
		ExePath: "/usr/bin/y", Cmdline: []string{"/usr/bin/y", "--arg"},
	}
	findings := ev.Evaluate(rec)
	if len(findings) != 1 {
		t.Fatalf("len(findings) = %d, want 1", len(findings))
	}
	if findings[0].Weight != 0 {
		t.Errorf("Weight = %v, want 0", findings[0].Weight)
	}
	if findings[0].Reason == "" {
		t.Error("reason should still be emitted for a zero-weight rule")
	}
}

func TestEachFindingHasNonEmptyReason(t *testing.T) {
	ev := newEval()
	rec := feature.ProcessRecord{
		PID: 400, PPID: 1, Name: "bash", ParentName: "nginx",
		ExeDeleted: true, ExeIsMemfd: true, MapsHasWX: true,
		TracerPID: 9, HasTTY: false,
		Cmdline:     []string{"bash"},
		RemotePorts: []int{4444},
	}
	ev.WatchedPorts = map[int]bool{4444: true}
	findings := ev.Evaluate(rec)
	if len(findings) == 0 {
		t.Fatal("expected findings")
	}
	for _, f := range findings {
		if f.Reason == "" {
			t.Error("finding has empty reason")
		}
		if RuleName(f) == "" {
			t.Error("finding reason does not name its rule")
		}
	}
}
