// Package heuristic evaluates a fixed rule set against a ProcessRecord,
// producing a list of weighted findings. Each rule either fires or it
// doesn't; a fired rule always contributes exactly one reason string
// naming the rule, even when its configured weight is 0 — the open
// question in the design notes is resolved in favor of always emitting
// the reason, keeping the audit trail complete regardless of whether a
// deployment has tuned a rule's weight down to silence it.
package heuristic

import (
	"fmt"
	"path"
	"strings"

	"github.com/dmitriimaksimovdevelop/procwatch/internal/feature"
)

// Finding is a single fired rule: its configured weight and a
// human-readable reason that names the rule and, when applicable, the
// offending value.
type Finding struct {
	Weight float64
	Reason string
}

// interpreterNames is the set of shells/interpreters the unusual_parent
// and no_tty rules treat as suspicious when found in unexpected places.
var interpreterNames = map[string]bool{
	"bash": true, "sh": true, "perl": true, "ruby": true, "node": true,
}

func isInterpreter(name string) bool {
	if interpreterNames[name] {
		return true
	}
	return strings.HasPrefix(name, "python")
}

// serverParents is the set of parent process names that should never
// spawn an interactive shell or scripting interpreter directly.
var serverParents = map[string]bool{
	"apache2": true, "httpd": true, "nginx": true,
	"postfix": true, "mysqld": true, "postgres": true,
}

// Evaluator applies the fixed rule table to a ProcessRecord using the
// configured per-rule weights and watched-port set.
type Evaluator struct {
	Weights      map[string]float64
	WatchedPorts map[int]bool
}

// New creates an Evaluator with the given weight table and watched ports.
func New(weights map[string]float64, watchedPorts map[int]bool) *Evaluator {
	return &Evaluator{Weights: weights, WatchedPorts: watchedPorts}
}

func (ev *Evaluator) weight(rule string) float64 {
	return ev.Weights[rule]
}

// Evaluate runs every rule against rec and returns the findings for
// those that fired, in a fixed, deterministic rule order.
func (ev *Evaluator) Evaluate(rec feature.ProcessRecord) []Finding {
	var findings []Finding
	add := func(rule string, reason string) {
		findings = append(findings, Finding{Weight: ev.weight(rule), Reason: reason})
	}

	if rec.ExeDeleted {
		add("deleted_exe", "deleted_exe: executable unlinked from disk")
	}
	if rec.ExeIsMemfd {
		add("memfd_exe", "memfd_exe: executable is an anonymous memory-backed file")
	}
	if hasTmpExePrefix(rec.ExePath) {
		add("tmp_exe", fmt.Sprintf("tmp_exe: executable runs from a world-writable temp path (%s)", rec.ExePath))
	}
	if rec.ExeWorldWritable {
		add("world_writable_exe", "world_writable_exe: executable file is world-writable")
	}
	if rec.MapsHasWX {
		add("wx_mem", "wx_mem: process has a writable+executable memory mapping")
	}
	if len(rec.Cmdline) == 0 && rec.ExePath != "" && !rec.IsKernelThreadParent() {
		add("empty_cmdline", "empty_cmdline: process has no command-line arguments")
	}
	joined := rec.JoinedCmdline()
	if len(joined) <= 3 {
		add("short_cmdline", fmt.Sprintf("short_cmdline: command line is suspiciously short (%q)", joined))
	}
	if strings.Contains(strings.ToLower(joined), "base64") {
		add("obfuscated_cmdline", "obfuscated_cmdline: command line references base64 encoding")
	}
	if containsToken(joined, "eval") || containsToken(joined, "exec") {
		add("code_exec_cmdline", "code_exec_cmdline: command line invokes eval/exec")
	}
	if rec.Name != "" && len(rec.Cmdline) > 0 {
		argvBase := path.Base(rec.Cmdline[0])
		if argvBase != rec.Name {
			add("name_argv_mismatch", fmt.Sprintf("name_argv_mismatch: process name %q differs from argv[0] basename %q", rec.Name, argvBase))
		}
	}
	if isInterpreter(rec.Name) && serverParents[rec.ParentName] {
		add("unusual_parent", fmt.Sprintf("unusual_parent: interpreter %q spawned under server process %q", rec.Name, rec.ParentName))
	}
	if rec.EnvFlags["LD_PRELOAD"] || rec.EnvFlags["LD_LIBRARY_PATH"] {
		add("ld_preload", "ld_preload: LD_PRELOAD or LD_LIBRARY_PATH present in environment")
	}
	if rec.TracerPID != 0 {
		add("ptraced", fmt.Sprintf("ptraced: process is being traced by pid %d", rec.TracerPID))
	}
	// cpu_high's threshold is config, not a weight table entry; callers
	// pass the threshold separately via EvaluateWithCPUHigh.
	if !rec.HasTTY && isInterpreter(rec.Name) {
		add("no_tty", fmt.Sprintf("no_tty: interpreter %q has no controlling terminal", rec.Name))
	}
	for _, port := range rec.RemotePorts {
		if ev.WatchedPorts[port] {
			add("watched_port", fmt.Sprintf("watched_port: outbound connection to watched port %d", port))
			break
		}
	}
	if rec.OutboundConns >= 20 {
		add("many_conns", fmt.Sprintf("many_conns: process holds %d outbound connections", rec.OutboundConns))
	}
	if rec.ExePath == "" && rec.PID != 2 {
		add("no_exe", "no_exe: process has no resolvable executable path")
	}

	return findings
}

// EvaluateWithCPUHigh is Evaluate plus the high_cpu rule, which needs
// the configured cpu_high threshold rather than a fixed constant.
func (ev *Evaluator) EvaluateWithCPUHigh(rec feature.ProcessRecord, cpuHigh float64) []Finding {
	findings := ev.Evaluate(rec)
	if rec.CPUPercent > cpuHigh {
		findings = append(findings, Finding{
			Weight: ev.weight("high_cpu"),
			Reason: fmt.Sprintf("high_cpu: CPU usage %.1f%% exceeds threshold %.1f%%", rec.CPUPercent, cpuHigh),
		})
	}
	return findings
}

func hasTmpExePrefix(exePath string) bool {
	for _, prefix := range []string{"/tmp/", "/var/tmp/", "/dev/shm/"} {
		if strings.HasPrefix(exePath, prefix) {
			return true
		}
	}
	return false
}

// containsToken reports whether word appears in s as a standalone token
// (bounded by string edges or characters other than letters, digits and
// underscore), so that
// "eval" matches "eval(x)" and "a.exec()" but not "retrieval" or
// "executor".
func containsToken(s, word string) bool {
	lower := strings.ToLower(s)
	idx := 0
	for {
		pos := strings.Index(lower[idx:], word)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(word)
		beforeOK := start == 0 || !isAlnum(lower[start-1])
		afterOK := end == len(lower) || !isAlnum(lower[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isAlnum(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// rule names, exported as constants so other packages can refer to a
// rule without string literals scattered around.
const (
	RulePtraced = "ptraced"
)

// ruleNameOf extracts the rule name prefix from a reason string built
// by this package ("rule_name: detail...").
func ruleNameOf(reason string) string {
	if idx := strings.Index(reason, ":"); idx >= 0 {
		return reason[:idx]
	}
	return reason
}

// RuleName is exported for callers that need to key off which rule
// produced a finding.
func RuleName(f Finding) string {
	return ruleNameOf(f.Reason)
}
