//go:build darwin

package proctree

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Collector builds process snapshots via ps. Darwin exposes no /proc, and ps
// already computes a usable CPU percentage.
type Collector struct{}

// NewCollector creates a ps-backed collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Snapshot shells out to ps for the full process listing.
func (c *Collector) Snapshot() (Snapshot, error) {
	out, err := exec.Command("ps", "axo", "pid=,ppid=,pcpu=,comm=,args=").Output()
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}

	lines := strings.Split(string(out), "\n")
	snap := make(Snapshot, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		cpu, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			cpu = 0
		}
		// comm is a full executable path; args is everything after it.
		comm := filepath.Base(fields[3])
		command := comm
		if len(fields) > 4 {
			command = strings.Join(fields[4:], " ")
		}

		snap = append(snap, Node{
			PID:        pid,
			PPID:       ppid,
			Comm:       comm,
			Command:    command,
			CPUPercent: cpu,
		})
	}

	return snap, nil
}
