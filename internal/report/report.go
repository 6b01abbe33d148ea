// Package report serializes scan results to JSON and compares two scan
// snapshots to surface processes that newly appeared, disappeared, or
// changed score since the prior pass.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dmitriimaksimovdevelop/procwatch/internal/scanner"
)

// FindingView is the JSON-facing shape of a heuristic finding.
type FindingView struct {
	Weight float64 `json:"weight"`
	Reason string  `json:"reason"`
}

// ProcessView is the JSON-facing shape of one scored process.
type ProcessView struct {
	PID            int           `json:"pid"`
	PPID           int           `json:"ppid"`
	Name           string        `json:"name"`
	User           string        `json:"user"`
	ExePath        string        `json:"exe_path"`
	Cmdline        string        `json:"cmdline"`
	HeuristicScore float64       `json:"heuristic_score"`
	MLScore        float64       `json:"ml_score"`
	TotalScore     float64       `json:"total_score"`
	Whitelisted    bool          `json:"whitelisted"`
	Status         string        `json:"status"`
	Findings       []FindingView `json:"findings"`
}

// Snapshot is one scan pass's serializable result set.
type Snapshot struct {
	Timestamp string        `json:"timestamp"`
	Processes []ProcessView `json:"processes"`
}

// FromScored builds a Snapshot from a scanner pass's ranked results.
func FromScored(results []scanner.ScoredRecord, at time.Time) Snapshot {
	processes := make([]ProcessView, 0, len(results))
	for _, r := range results {
		findings := make([]FindingView, 0, len(r.Findings))
		for _, f := range r.Findings {
			findings = append(findings, FindingView{Weight: f.Weight, Reason: f.Reason})
		}
		processes = append(processes, ProcessView{
			PID:            r.Record.PID,
			PPID:           r.Record.PPID,
			Name:           r.Record.Name,
			User:           r.Record.User,
			ExePath:        r.Record.ExePath,
			Cmdline:        r.Record.JoinedCmdline(),
			HeuristicScore: r.HeuristicScore,
			MLScore:        r.MLScore,
			TotalScore:     r.TotalScore,
			Whitelisted:    r.Whitelisted,
			Status:         r.Status,
			Findings:       findings,
		})
	}
	return Snapshot{Timestamp: at.UTC().Format(time.RFC3339), Processes: processes}
}

// WriteJSON serializes snap as indented JSON. If path is "-" or empty,
// writes to stdout.
func WriteJSON(snap Snapshot, path string) error {
	var w io.Writer = os.Stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("report: create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("report: encode JSON: %w", err)
	}
	return nil
}

// LoadSnapshot reads and parses a JSON snapshot file, used as the
// baseline input to Compare.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("report: read %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("report: parse %s: %w", path, err)
	}
	return snap, nil
}
