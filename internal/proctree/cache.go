// Package proctree maintains a periodically refreshed snapshot of the OS
// process table, indexed parent-to-children, and maps session process trees
// to known tool and agent identities.
package proctree

import "sync"

// Node is one process in a snapshot.
type Node struct {
	PID        int
	PPID       int
	Comm       string // command name (basename)
	Command    string // full command line
	CPUPercent float64
}

// Snapshot is an immutable-per-refresh process listing.
type Snapshot []Node

// Cache holds the latest snapshot and a derived parent->children index,
// replaced wholesale on each refresh. Reads hand out defensive copies, so
// callers never observe a snapshot mid-swap.
type Cache struct {
	mu       sync.Mutex
	snapshot Snapshot
	byPID    map[int]Node
	children map[int][]int
	cpuMemo  map[int]float64

	subs      map[int]func()
	nextSubID int
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		byPID:    make(map[int]Node),
		children: make(map[int][]int),
		cpuMemo:  make(map[int]float64),
		subs:     make(map[int]func()),
	}
}

// Replace installs a new snapshot, rebuilds the children index, resets the
// per-refresh CPU memo, and fires refresh callbacks.
func (c *Cache) Replace(snap Snapshot) {
	c.mu.Lock()
	c.snapshot = snap
	c.byPID = make(map[int]Node, len(snap))
	c.children = make(map[int][]int, len(snap))
	for _, n := range snap {
		c.byPID[n.PID] = n
		c.children[n.PPID] = append(c.children[n.PPID], n.PID)
	}
	c.cpuMemo = make(map[int]float64)

	callbacks := make([]func(), 0, len(c.subs))
	for _, fn := range c.subs {
		callbacks = append(callbacks, fn)
	}
	c.mu.Unlock()

	// Callbacks run outside the lock so they can read the cache.
	for _, fn := range callbacks {
		fn()
	}
}

// Node returns the process with the given pid from the current snapshot.
func (c *Cache) Node(pid int) (Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.byPID[pid]
	return n, ok
}

// ChildPids returns a copy of the direct child pids of pid.
func (c *Cache) ChildPids(pid int) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kids := c.children[pid]
	out := make([]int, len(kids))
	copy(out, kids)
	return out
}

// Children returns copies of the direct child nodes of pid.
func (c *Cache) Children(pid int) []Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	kids := c.children[pid]
	out := make([]Node, 0, len(kids))
	for _, kid := range kids {
		if n, ok := c.byPID[kid]; ok {
			out = append(out, n)
		}
	}
	return out
}

// DescendantsCPU recursively sums CPU usage over pid's subtree, excluding pid
// itself. Memoized per refresh; the memo is discarded on Replace.
func (c *Cache) DescendantsCPU(pid int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descendantsCPULocked(pid)
}

func (c *Cache) descendantsCPULocked(pid int) float64 {
	if v, ok := c.cpuMemo[pid]; ok {
		return v
	}
	var total float64
	for _, kid := range c.children[pid] {
		if n, ok := c.byPID[kid]; ok {
			total += n.CPUPercent
		}
		total += c.descendantsCPULocked(kid)
	}
	c.cpuMemo[pid] = total
	return total
}

// HasActiveDescendants reports whether any process in pid's subtree exceeds
// cpuThreshold percent CPU. Early-exits on the first match.
func (c *Cache) HasActiveDescendants(pid int, cpuThreshold float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasActiveDescendantsLocked(pid, cpuThreshold)
}

func (c *Cache) hasActiveDescendantsLocked(pid int, cpuThreshold float64) bool {
	for _, kid := range c.children[pid] {
		if n, ok := c.byPID[kid]; ok && n.CPUPercent > cpuThreshold {
			return true
		}
		if c.hasActiveDescendantsLocked(kid, cpuThreshold) {
			return true
		}
	}
	return false
}

// OnRefresh registers a callback fired after each snapshot replacement.
// The returned unsubscribe handle is idempotent.
func (c *Cache) OnRefresh(fn func()) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}
