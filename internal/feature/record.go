// Package feature assembles a ProcessRecord — a best-effort snapshot of
// one process's structural and behavioral state — by reading and
// interpreting procfs attributes exposed through internal/procfs and
// internal/nettable. Every read that fails leaves its field at the
// documented default; extraction never fails the whole record.
package feature

import "time"

// ProcessRecord is an immutable snapshot of one process, assembled once
// per scan pass and discarded at the end of that pass (unless retained
// by anomaly-model training).
type ProcessRecord struct {
	PID  int
	PPID int

	Name       string
	User       string
	ParentName string

	ExePath          string
	ExeDeleted       bool
	ExeIsMemfd       bool
	ExeSHA256        string
	ExeWorldWritable bool

	Cwd     string
	Cmdline []string

	MapsHasWX bool
	TracerPID int
	EnvFlags  map[string]bool
	HasTTY    bool

	CPUPercent  float64
	MemMB       float64
	ThreadCount int
	FDCount     int

	OutboundConns int
	RemotePorts   []int

	Timestamp time.Time
}

// JoinedCmdline returns the process's argument vector joined with
// single spaces, used by several heuristics that match against the
// whole command line rather than individual tokens.
func (r ProcessRecord) JoinedCmdline() string {
	joined := ""
	for i, arg := range r.Cmdline {
		if i > 0 {
			joined += " "
		}
		joined += arg
	}
	return joined
}

// IsKernelThreadParent reports whether this record belongs to the small
// set of processes whose empty cmdline/missing exe is expected rather
// than suspicious: PID 2 (kthreadd) and anything with ppid 0.
func (r ProcessRecord) IsKernelThreadParent() bool {
	return r.PPID == 0 || r.PID == 2
}
