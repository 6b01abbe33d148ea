package feature

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dmitriimaksimovdevelop/procwatch/internal/nettable"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/procfs"
)

// watchedEnvNames are the environment variable names whose mere presence
// (never their values) is recorded in EnvFlags.
var watchedEnvNames = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"PYTHONPATH":      true,
	"PATH":            true,
}

const clockTicksPerSec = 100.0

// sha256BlockSize is the read chunk used when streaming an executable's
// contents to avoid holding large binaries entirely in memory.
const sha256BlockSize = 64 * 1024

// Extractor assembles ProcessRecords from a procfs.Source and a
// pre-built nettable.Table. A single Extractor is reused across all
// PIDs in a scan pass; it holds no per-PID mutable state.
type Extractor struct {
	Source   *procfs.Source
	Net      nettable.Table
	CPUDelay time.Duration // sampling window for cpu_percent; default 100ms
}

// New creates an Extractor over src, using net for connection lookups.
func New(src *procfs.Source, net nettable.Table) *Extractor {
	return &Extractor{Source: src, Net: net, CPUDelay: 100 * time.Millisecond}
}

// Extract builds a ProcessRecord for pid. It returns (record, true) on
// success, or (zero, false) if the process vanished before its identity
// (name, ppid) could be captured at all — callers should drop such PIDs
// silently. Any other failure degrades individual fields to their
// documented defaults rather than failing the whole record.
func (e *Extractor) Extract(ctx context.Context, pid int) (ProcessRecord, bool) {
	status := e.Source.ReadSmall(pid, "status")
	if status == nil {
		return ProcessRecord{}, false
	}

	rec := ProcessRecord{PID: pid, Timestamp: time.Now(), EnvFlags: map[string]bool{}}
	name, ppid, tracerPID, uid := parseStatus(status)
	if name == "" && ppid == 0 {
		return ProcessRecord{}, false
	}
	rec.Name = name
	rec.PPID = ppid
	rec.TracerPID = tracerPID
	rec.User = resolveUser(uid)

	if ppid > 0 {
		if parentStatus := e.Source.ReadSmall(ppid, "status"); parentStatus != nil {
			parentName, _, _, _ := parseStatus(parentStatus)
			rec.ParentName = parentName
		}
	}

	e.extractExe(pid, &rec)
	if cwd, ok := e.Source.ReadLink(pid, "cwd"); ok {
		rec.Cwd = cwd
	}
	rec.Cmdline = parseCmdline(e.Source.ReadSmall(pid, "cmdline"))
	rec.EnvFlags = parseEnviron(e.Source.ReadSmall(pid, "environ"))
	rec.MapsHasWX = parseMapsWX(e.Source.ReadSmall(pid, "maps"))

	statData := e.Source.ReadSmall(pid, "stat")
	threads, ttyNr, utime1, stime1 := parseStat(statData)
	rec.ThreadCount = threads
	rec.HasTTY = ttyNr != 0

	rec.FDCount = e.Source.CountFD(pid)
	rec.MemMB = readMemMB(e.Source, pid)

	rec.CPUPercent = e.sampleCPU(ctx, pid, utime1, stime1)

	e.extractNetwork(pid, &rec)

	return rec, true
}

// sampleCPU implements §4.3.8: a preferred two-point sample separated by
// CPUDelay, falling back to a utime+stime/uptime ratio if the context
// deadline doesn't allow a second read, and 0 if neither is possible.
func (e *Extractor) sampleCPU(ctx context.Context, pid int, utime1, stime1 uint64) float64 {
	select {
	case <-time.After(e.CPUDelay):
	case <-ctx.Done():
		return fallbackCPUPercent(e.Source, pid, utime1, stime1)
	}

	stat2 := e.Source.ReadSmall(pid, "stat")
	if stat2 == nil {
		return 0
	}
	_, _, utime2, stime2 := parseStat(stat2)
	if utime2 < utime1 || stime2 < stime1 {
		return 0
	}
	delta := float64((utime2 - utime1) + (stime2 - stime1))
	return delta / clockTicksPerSec / e.CPUDelay.Seconds() * 100
}

// fallbackCPUPercent estimates utilization from cumulative utime+stime
// against system uptime (<root>/uptime), used when a second sample can't
// be taken.
func fallbackCPUPercent(src *procfs.Source, pid int, utime, stime uint64) float64 {
	uptimeData, err := os.ReadFile(filepath.Join(src.Root, "uptime"))
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(uptimeData))
	if len(fields) == 0 {
		return 0
	}
	uptimeSec, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || uptimeSec <= 0 {
		return 0
	}
	total := float64(utime+stime) / clockTicksPerSec
	return total / uptimeSec * 100
}

func (e *Extractor) extractExe(pid int, rec *ProcessRecord) {
	target, ok := e.Source.ReadLink(pid, "exe")
	if !ok {
		return
	}

	if strings.HasSuffix(target, " (deleted)") {
		rec.ExeDeleted = true
		target = strings.TrimSuffix(target, " (deleted)")
	}
	rec.ExePath = target

	if strings.HasPrefix(target, "/memfd:") || strings.HasPrefix(target, "memfd:") {
		rec.ExeIsMemfd = true
	}

	info, err := os.Stat(target)
	if err != nil {
		if !rec.ExeDeleted {
			rec.ExeDeleted = true
		}
		return
	}
	if info.Mode().Perm()&0o002 != 0 {
		rec.ExeWorldWritable = true
	}

	rec.ExeSHA256 = sha256File(target)
}

func sha256File(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, sha256BlockSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return ""
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// parseStatus extracts name, ppid, tracer pid, and real uid from the
// kernel's per-process "status" attribute.
func parseStatus(data []byte) (name string, ppid, tracerPID int, uid string) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.SplitN(line, ":", 2)
		if len(fields) != 2 {
			continue
		}
		key := fields[0]
		val := strings.TrimSpace(fields[1])
		switch key {
		case "Name":
			name = val
		case "PPid":
			ppid, _ = strconv.Atoi(val)
		case "TracerPid":
			tracerPID, _ = strconv.Atoi(val)
		case "Uid":
			parts := strings.Fields(val)
			if len(parts) > 0 {
				uid = parts[0]
			}
		}
	}
	return
}

// parseStat extracts thread count, tty_nr, utime, stime from the
// kernel's per-process "stat" attribute. comm may contain spaces and
// parentheses, so the fields after the last ")" are parsed positionally
// the same way the teacher's process collector does.
func parseStat(data []byte) (threads, ttyNr int, utime, stime uint64) {
	if data == nil {
		return
	}
	s := string(data)
	commEnd := strings.LastIndex(s, ")")
	if commEnd < 0 || commEnd+2 >= len(s) {
		return
	}
	rest := strings.Fields(s[commEnd+2:])
	// rest[0]=state rest[1]=ppid rest[2]=pgrp rest[3]=session
	// rest[4]=tty_nr rest[11]=utime rest[12]=stime rest[17]=num_threads
	if len(rest) > 4 {
		ttyNr, _ = strconv.Atoi(rest[4])
	}
	if len(rest) > 12 {
		utime, _ = parseUint(rest[11])
		stime, _ = parseUint(rest[12])
	}
	if len(rest) > 17 {
		threads, _ = strconv.Atoi(rest[17])
	}
	return
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func parseCmdline(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	parts := strings.Split(string(data), "\x00")
	// Trailing empties removed (NUL-terminated argv leaves one trailing "").
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

func parseEnviron(data []byte) map[string]bool {
	flags := make(map[string]bool)
	if len(data) == 0 {
		return flags
	}
	for _, entry := range strings.Split(string(data), "\x00") {
		if entry == "" {
			continue
		}
		name := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			name = entry[:idx]
		}
		if watchedEnvNames[name] {
			flags[name] = true
		}
	}
	return flags
}

func parseMapsWX(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		perms := fields[1]
		if strings.ContainsRune(perms, 'w') && strings.ContainsRune(perms, 'x') {
			return true
		}
	}
	return false
}

func readMemMB(src *procfs.Source, pid int) float64 {
	statm := src.ReadSmall(pid, "statm")
	if statm == nil {
		return 0
	}
	fields := strings.Fields(string(statm))
	if len(fields) < 2 {
		return 0
	}
	rssPages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	const pageSize = 4096
	return float64(rssPages*pageSize) / (1024 * 1024)
}

func resolveUser(uid string) string {
	if uid == "" {
		return ""
	}
	if u, err := user.LookupId(uid); err == nil {
		return u.Username
	}
	return uid
}

func (e *Extractor) extractNetwork(pid int, rec *ProcessRecord) {
	for _, fd := range e.Source.ListFD(pid) {
		inode, ok := procfs.SocketInode(fd.Target)
		if !ok {
			continue
		}
		entry, found := e.Net.Lookup(inode)
		if !found {
			continue
		}
		if entry.IsOutbound() {
			rec.OutboundConns++
			rec.RemotePorts = append(rec.RemotePorts, entry.RemotePort)
		}
	}
}
