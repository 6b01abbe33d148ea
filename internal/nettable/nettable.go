// Package nettable builds a one-shot snapshot of kernel socket state by
// parsing the textual hex connection tables exposed at /proc/net/{tcp,
// tcp6,udp,udp6}. It maps socket inode to remote address/port/state so
// that per-process file-descriptor targets of the form "socket:[N]" can
// be resolved to a network connection.
package nettable

import (
	"bufio"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Entry describes one connection's remote endpoint and TCP/UDP state.
type Entry struct {
	RemoteIP   net.IP
	RemotePort int
	State      string
}

// Table maps socket inode to its connection entry.
type Table map[int64]Entry

// tcpStateNames mirrors the kernel's /proc/net/tcp st field, documented
// in include/net/tcp_states.h. Codes outside this table pass through as
// their raw hex string.
var tcpStateNames = map[string]string{
	"01": "ESTABLISHED",
	"02": "SYN_SENT",
	"03": "SYN_RECV",
	"04": "FIN_WAIT1",
	"05": "FIN_WAIT2",
	"06": "TIME_WAIT",
	"07": "CLOSE",
	"08": "CLOSE_WAIT",
	"09": "LAST_ACK",
	"0A": "LISTEN",
	"0B": "CLOSING",
}

// Build parses all four kernel connection tables rooted at procRoot
// ("/proc" normally) and returns the combined inode→entry map. Malformed
// lines and missing files are skipped silently; Build never fails since
// partial network visibility is an acceptable degraded state for the
// caller (a process's outbound_conns simply undercounts).
func Build(procRoot string) Table {
	table := make(Table)
	for _, name := range []string{"tcp", "tcp6", "udp", "udp6"} {
		parseFile(filepath.Join(procRoot, "net", name), table)
	}
	return table
}

func parseFile(path string, table Table) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header line: "  sl  local_address rem_address   st ..."
		}
		parseLine(scanner.Text(), table)
	}
}

// parseLine decodes one data row of /proc/net/{tcp,tcp6,udp,udp6}.
// Columns (whitespace-separated): sl, local_address, rem_address, st,
// tx_queue:rx_queue, tr:tm->when, retrnsmt, uid, timeout, inode, ...
func parseLine(line string, table Table) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return
	}

	remAddr := fields[2]
	state := fields[3]
	inodeStr := fields[9]

	inode, err := strconv.ParseInt(inodeStr, 10, 64)
	if err != nil || inode == 0 {
		return
	}

	ip, port, ok := parseHexAddr(remAddr)
	if !ok {
		return
	}

	stateName, ok := tcpStateNames[strings.ToUpper(state)]
	if !ok {
		stateName = state
	}

	table[inode] = Entry{RemoteIP: ip, RemotePort: port, State: stateName}
}

// parseHexAddr decodes an "IP:PORT" field in the kernel's hex form.
// Each 4-byte group is little-endian; IPv6 addresses are four such
// groups, each internally little-endian, concatenated in network order.
func parseHexAddr(field string) (net.IP, int, bool) {
	parts := strings.SplitN(field, ":", 2)
	if len(parts) != 2 {
		return nil, 0, false
	}

	ipHex, portHex := parts[0], parts[1]
	port, err := strconv.ParseInt(portHex, 16, 32)
	if err != nil {
		return nil, 0, false
	}

	raw, err := hex.DecodeString(ipHex)
	if err != nil || (len(raw) != 4 && len(raw) != 16) {
		return nil, 0, false
	}

	ip := make(net.IP, len(raw))
	switch len(raw) {
	case 4:
		// Single little-endian 32-bit word.
		ip[0], ip[1], ip[2], ip[3] = raw[3], raw[2], raw[1], raw[0]
	case 16:
		// Four little-endian 32-bit words, each byte-swapped in place,
		// concatenated in network order.
		for word := 0; word < 4; word++ {
			base := word * 4
			ip[base+0] = raw[base+3]
			ip[base+1] = raw[base+2]
			ip[base+2] = raw[base+1]
			ip[base+3] = raw[base+0]
		}
	}

	return ip, int(port), true
}

// Lookup returns the entry for inode and whether it was found.
func (t Table) Lookup(inode int64) (Entry, bool) {
	e, ok := t[inode]
	return e, ok
}

// IsOutbound reports whether an entry counts as an outbound connection
// per §4.3: remote IP not loopback and remote port non-zero.
func (e Entry) IsOutbound() bool {
	return e.RemotePort != 0 && !e.RemoteIP.IsLoopback()
}
