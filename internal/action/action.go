// Package action carries out the response side of a scan: emitting an
// alert line, writing a forensic dump of a suspicious process's procfs
// attributes, and optionally sending it SIGKILL. Every step is best
// effort — a dump or kill failure is recorded as an error on the
// Result rather than aborting the rest of the pass, the same posture
// the teacher's collectors take toward individual failures.
package action

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dmitriimaksimovdevelop/procwatch/internal/feature"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/procfs"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/scanner"
)

// Result records what an Executor did for one alerted process.
type Result struct {
	PID       int
	DumpDir   string
	Killed    bool
	Errors    []string
}

// Executor applies alert/dump/kill actions to scored processes that
// crossed the configured threshold.
type Executor struct {
	Source  *procfs.Source
	DumpDir string // base directory for forensic dumps; "" disables dumping
	Kill    bool   // send SIGKILL to alerted processes
	Log     *logrus.Logger
}

// New creates an Executor. dumpDir == "" disables forensic dumping.
func New(src *procfs.Source, dumpDir string, kill bool, log *logrus.Logger) *Executor {
	return &Executor{Source: src, DumpDir: dumpDir, Kill: kill, Log: log}
}

// Handle emits an alert line for r and, depending on configuration,
// dumps its forensic attributes and/or sends SIGKILL.
func (e *Executor) Handle(r scanner.ScoredRecord) Result {
	e.logAlert(r)

	result := Result{PID: r.Record.PID}

	if e.DumpDir != "" {
		dir, err := e.dump(r.Record)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("dump: %v", err))
		} else {
			result.DumpDir = dir
		}
	}

	if e.Kill {
		if err := syscall.Kill(r.Record.PID, syscall.SIGKILL); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("kill: %v", err))
		} else {
			result.Killed = true
		}
	}

	return result
}

func (e *Executor) logAlert(r scanner.ScoredRecord) {
	entry := e.Log.WithFields(logrus.Fields{
		"pid":    r.Record.PID,
		"name":   r.Record.Name,
		"user":   r.Record.User,
		"score":  r.TotalScore,
		"status": r.Status,
	})
	for _, f := range r.Findings {
		entry = entry.WithField("finding_"+heuristicRuleKey(f.Reason), f.Weight)
	}
	entry.Warn("process flagged")
}

func heuristicRuleKey(reason string) string {
	for i, r := range reason {
		if r == ':' {
			return reason[:i]
		}
	}
	return reason
}

// dump creates <DumpDir>/<pid>_<timestamp>_<uuid>/ containing copies of
// the process's cmdline, environ, maps, open-fd list, and executable
// (or an exe.error file explaining why the copy failed).
func (e *Executor) dump(rec feature.ProcessRecord) (string, error) {
	name := fmt.Sprintf("%d_%s_%s", rec.PID, time.Now().UTC().Format("20060102T150405Z"), uuid.NewString())
	dir := filepath.Join(e.DumpDir, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	writeIfPresent := func(attr, filename string) {
		data := e.Source.ReadSmall(rec.PID, attr)
		if data == nil {
			return
		}
		_ = os.WriteFile(filepath.Join(dir, filename), data, 0o640)
	}
	writeIfPresent("cmdline", "cmdline")
	writeIfPresent("environ", "environ")
	writeIfPresent("maps", "maps")

	if fds := e.Source.ListFD(rec.PID); len(fds) > 0 {
		var sb []byte
		for _, fd := range fds {
			sb = append(sb, []byte(fmt.Sprintf("%d -> %s\n", fd.Num, fd.Target))...)
		}
		_ = os.WriteFile(filepath.Join(dir, "fds"), sb, 0o640)
	}

	if rec.ExePath != "" {
		if err := copyExecutable(rec.ExePath, filepath.Join(dir, "exe")); err != nil {
			_ = os.WriteFile(filepath.Join(dir, "exe.error"), []byte(err.Error()), 0o640)
		}
	}

	meta, _ := json.MarshalIndent(rec, "", "  ")
	_ = os.WriteFile(filepath.Join(dir, "record.json"), meta, 0o640)

	return dir, nil
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}
