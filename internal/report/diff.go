package report

import (
	"fmt"
	"strings"
)

// ProcessDiff describes how one process's score changed between two
// snapshots, or that it appeared or disappeared entirely.
type ProcessDiff struct {
	PID        int     `json:"pid"`
	Name       string  `json:"name"`
	Status     string  `json:"status"` // "new", "gone", "changed"
	OldScore   float64 `json:"old_score"`
	NewScore   float64 `json:"new_score"`
	ScoreDelta float64 `json:"score_delta"`
}

// Diff is the comparison between a baseline and a current Snapshot.
type Diff struct {
	Baseline  string        `json:"baseline"`
	Current   string        `json:"current"`
	Changes   []ProcessDiff `json:"changes"`
	NewCount  int           `json:"new_count"`
	GoneCount int           `json:"gone_count"`
}

// significantDelta is the minimum absolute score change worth reporting
// for a process present in both snapshots.
const significantDelta = 0.5

// Compare reports which processes newly appeared, disappeared, or
// changed score meaningfully between baseline and current. Matching is
// by PID: a PID reused by an unrelated process across passes is an
// accepted imprecision, since procfs offers no stronger identity.
func Compare(baseline, current Snapshot) *Diff {
	diff := &Diff{Baseline: baseline.Timestamp, Current: current.Timestamp}

	byPID := make(map[int]ProcessView, len(baseline.Processes))
	for _, p := range baseline.Processes {
		byPID[p.PID] = p
	}
	seen := make(map[int]bool, len(current.Processes))

	for _, p := range current.Processes {
		seen[p.PID] = true
		old, existed := byPID[p.PID]
		if !existed {
			diff.Changes = append(diff.Changes, ProcessDiff{
				PID: p.PID, Name: p.Name, Status: "new",
				NewScore: p.TotalScore,
			})
			diff.NewCount++
			continue
		}
		delta := p.TotalScore - old.TotalScore
		if abs(delta) < significantDelta {
			continue
		}
		diff.Changes = append(diff.Changes, ProcessDiff{
			PID: p.PID, Name: p.Name, Status: "changed",
			OldScore: old.TotalScore, NewScore: p.TotalScore, ScoreDelta: delta,
		})
	}

	for _, p := range baseline.Processes {
		if seen[p.PID] {
			continue
		}
		diff.Changes = append(diff.Changes, ProcessDiff{
			PID: p.PID, Name: p.Name, Status: "gone",
			OldScore: p.TotalScore,
		})
		diff.GoneCount++
	}

	return diff
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// FormatDiff returns a human-readable diff summary, new processes and
// score increases first since those are what an operator triages.
func FormatDiff(d *Diff) string {
	var sb strings.Builder

	sb.WriteString("=== Scan Diff ===\n")
	sb.WriteString(fmt.Sprintf("Baseline: %s\n", d.Baseline))
	sb.WriteString(fmt.Sprintf("Current:  %s\n\n", d.Current))
	sb.WriteString(fmt.Sprintf("New: %d, Gone: %d\n\n", d.NewCount, d.GoneCount))

	for _, c := range d.Changes {
		if c.Status != "new" {
			continue
		}
		sb.WriteString(fmt.Sprintf("  + pid=%d %s score=%.1f\n", c.PID, c.Name, c.NewScore))
	}
	for _, c := range d.Changes {
		if c.Status != "changed" || c.ScoreDelta <= 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("  ^ pid=%d %s %.1f -> %.1f (%+.1f)\n", c.PID, c.Name, c.OldScore, c.NewScore, c.ScoreDelta))
	}
	for _, c := range d.Changes {
		if c.Status != "changed" || c.ScoreDelta > 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("  v pid=%d %s %.1f -> %.1f (%+.1f)\n", c.PID, c.Name, c.OldScore, c.NewScore, c.ScoreDelta))
	}
	for _, c := range d.Changes {
		if c.Status != "gone" {
			continue
		}
		sb.WriteString(fmt.Sprintf("  - pid=%d %s last_score=%.1f\n", c.PID, c.Name, c.OldScore))
	}

	return sb.String()
}
