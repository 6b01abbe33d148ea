package action

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/dmitriimaksimovdevelop/procwatch/internal/feature"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/heuristic"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/procfs"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/scanner"
)

func silentLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestHandleWritesDumpWithoutKill(t *testing.T) {
	procRoot := t.TempDir()
	pidDir := filepath.Join(procRoot, "123")
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pidDir, "cmdline"), []byte("evil\x00"), 0o644); err != nil {
		t.Fatal(err)
	}

	dumpRoot := t.TempDir()
	src := procfs.New(procRoot)
	ex := New(src, dumpRoot, false, silentLogger())

	rec := feature.ProcessRecord{PID: 123, Name: "evil"}
	sr := scanner.ScoredRecord{
		Record:     rec,
		Findings:   []heuristic.Finding{{Weight: 4, Reason: "deleted_exe: executable unlinked from disk"}},
		TotalScore: 4,
		Status:     "warning",
	}

	result := ex.Handle(sr)
	if result.DumpDir == "" {
		t.Fatal("expected a dump directory to be created")
	}
	if result.Killed {
		t.Error("Killed = true, want false (Kill not enabled)")
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}

	if _, err := os.Stat(filepath.Join(result.DumpDir, "cmdline")); err != nil {
		t.Errorf("expected cmdline dump file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(result.DumpDir, "record.json")); err != nil {
		t.Errorf("expected record.json: %v", err)
	}
}

func TestHandleWritesExeErrorWhenExeMissing(t *testing.T) {
	procRoot := t.TempDir()
	dumpRoot := t.TempDir()
	src := procfs.New(procRoot)
	ex := New(src, dumpRoot, false, silentLogger())

	rec := feature.ProcessRecord{PID: 456, Name: "x", ExePath: "/nonexistent/path/to/binary"}
	sr := scanner.ScoredRecord{Record: rec, TotalScore: 3, Status: "normal"}

	result := ex.Handle(sr)
	if result.DumpDir == "" {
		t.Fatal("expected a dump directory")
	}
	if _, err := os.Stat(filepath.Join(result.DumpDir, "exe.error")); err != nil {
		t.Errorf("expected exe.error for a missing executable: %v", err)
	}
}

func TestHandleWithDumpingDisabled(t *testing.T) {
	src := procfs.New(t.TempDir())
	ex := New(src, "", false, silentLogger())

	sr := scanner.ScoredRecord{Record: feature.ProcessRecord{PID: 1}, TotalScore: 1}
	result := ex.Handle(sr)
	if result.DumpDir != "" {
		t.Errorf("DumpDir = %q, want empty when dumping disabled", result.DumpDir)
	}
}
