//go:build linux

package proctree

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// userHZ is the kernel clock tick rate assumed for /proc/*/stat time fields.
// Linux has reported 100 here for every mainstream arch since 2.6.
const userHZ = 100.0

type cpuSample struct {
	ticks uint64
	at    time.Time
}

// Collector builds process snapshots from /proc. CPU percentages are derived
// from utime+stime deltas between consecutive Snapshot calls, so the first
// call reports zero CPU for every process.
type Collector struct {
	prev map[int]cpuSample
}

// NewCollector creates a /proc-backed collector.
func NewCollector() *Collector {
	return &Collector{prev: make(map[int]cpuSample)}
}

// Snapshot walks /proc/[0-9]* and returns the current process listing.
func (c *Collector) Snapshot() (Snapshot, error) {
	entries, err := filepath.Glob("/proc/[0-9]*")
	if err != nil {
		return nil, err
	}

	now := time.Now()
	next := make(map[int]cpuSample, len(entries))
	snap := make(Snapshot, 0, len(entries))

	for _, dir := range entries {
		pid, err := strconv.Atoi(filepath.Base(dir))
		if err != nil {
			continue
		}

		statData, err := os.ReadFile(filepath.Join(dir, "stat"))
		if err != nil {
			// Process exited between glob and read.
			continue
		}
		comm, ppid, ticks, ok := parseStat(string(statData))
		if !ok {
			continue
		}

		cpu := 0.0
		if prev, seen := c.prev[pid]; seen && ticks >= prev.ticks {
			elapsed := now.Sub(prev.at).Seconds()
			if elapsed > 0 {
				cpu = float64(ticks-prev.ticks) / userHZ / elapsed * 100.0
			}
		}
		next[pid] = cpuSample{ticks: ticks, at: now}

		// cmdline is null-delimited; kernel threads have none.
		command := comm
		if raw, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil && len(raw) > 0 {
			command = strings.TrimRight(strings.ReplaceAll(string(raw), "\x00", " "), " ")
		}

		snap = append(snap, Node{
			PID:        pid,
			PPID:       ppid,
			Comm:       comm,
			Command:    command,
			CPUPercent: cpu,
		})
	}

	c.prev = next
	return snap, nil
}

// parseStat extracts comm, ppid, and utime+stime ticks from a /proc/pid/stat
// line. comm is parenthesized and may itself contain spaces or parens, so
// fields are located relative to the last ')'.
func parseStat(stat string) (comm string, ppid int, ticks uint64, ok bool) {
	open := strings.IndexByte(stat, '(')
	close := strings.LastIndexByte(stat, ')')
	if open < 0 || close < open {
		return "", 0, 0, false
	}
	comm = stat[open+1 : close]

	// Fields after the comm: state(1) ppid(2) ... utime(12) stime(13)
	rest := strings.Fields(stat[close+1:])
	if len(rest) < 13 {
		return "", 0, 0, false
	}
	ppid, err := strconv.Atoi(rest[1])
	if err != nil {
		return "", 0, 0, false
	}
	utime, err := strconv.ParseUint(rest[11], 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	stime, err := strconv.ParseUint(rest[12], 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	return comm, ppid, utime + stime, true
}
