//go:build !linux && !darwin

package proctree

import "errors"

// Collector is a stub on platforms without a supported process source.
type Collector struct{}

// NewCollector creates a stub collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Snapshot always fails; process-tree detection degrades gracefully and the
// tiered output detection still runs.
func (c *Collector) Snapshot() (Snapshot, error) {
	return nil, errors.New("process snapshots unsupported on this platform")
}
