package proctree

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/asheshgoplani/term-engine/internal/logging"
)

var procLog = logging.ForComponent(logging.CompProc)

// Result describes what a session's process tree is currently running.
// Transient: produced per refresh, never persisted.
type Result struct {
	// Detected is true when a known agent CLI was found.
	Detected bool

	// AgentType is the recognized agent id ("claude", "codex", ...).
	AgentType string

	// ProcessIconID names the icon for the foreground process.
	ProcessIconID string

	// ProcessName is the command name of the winning candidate.
	ProcessName string

	// IsBusy is true when the session's tree has any foreground work.
	IsBusy bool

	// CurrentCommand is the full command line of the winning candidate.
	CurrentCommand string
}

// candidate resolution ranks; higher wins, encounter order breaks ties.
const (
	rankNone = iota
	rankTool
	rankPackageManager
	rankAgent
)

// knownAgents maps command names to agent ids.
var knownAgents = map[string]string{
	"claude":       "claude",
	"gemini":       "gemini",
	"codex":        "codex",
	"opencode":     "opencode",
	"aider":        "aider",
	"amp":          "amp",
	"goose":        "goose",
	"cursor-agent": "cursor",
	"copilot":      "copilot",
	"qwen":         "qwen",
}

// packageManagers are runners that commonly wrap an agent invocation.
var packageManagers = map[string]bool{
	"npm": true, "npx": true, "pnpm": true, "yarn": true, "bun": true,
	"pip": true, "pip3": true, "uv": true, "uvx": true,
}

// knownTools get an icon but no agent identity.
var knownTools = map[string]string{
	"git": "git", "node": "node", "python": "python", "python3": "python",
	"go": "go", "cargo": "cargo", "make": "make", "docker": "docker",
	"rg": "search", "tsc": "typescript", "pytest": "python",
}

// wrapperShells host the real command; they are scanned through, never
// reported as candidates themselves.
var wrapperShells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true, "dash": true,
	"login": true, "-bash": true, "-zsh": true,
}

// Detector watches one session's process subtree. It subscribes to cache
// refreshes and emits a Result only when something the caller can see
// actually changed.
type Detector struct {
	cache       *Cache
	sessionID   string
	rootPID     int
	onResult    func(Result)
	unsubscribe func()

	mu      sync.Mutex
	last    Result
	hasLast bool
	stopped bool
}

// NewDetector creates a detector for the session whose PTY child process is
// rootPID and subscribes it to cache refreshes.
func NewDetector(cache *Cache, sessionID string, rootPID int, onResult func(Result)) *Detector {
	d := &Detector{
		cache:     cache,
		sessionID: sessionID,
		rootPID:   rootPID,
		onResult:  onResult,
	}
	d.unsubscribe = cache.OnRefresh(d.inspect)
	return d
}

// Stop unsubscribes from refreshes. Idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
}

// inspect runs once per cache refresh. Errors are contained per cycle so a
// bad snapshot never halts the polling loop.
func (d *Detector) inspect() {
	defer func() {
		if r := recover(); r != nil {
			procLog.Error("detector_cycle_panic",
				slog.String("session", d.sessionID),
				slog.Any("panic", r))
		}
	}()

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	res := d.resolve()

	d.mu.Lock()
	changed := !d.hasLast || !equalResult(d.last, res)
	if changed {
		d.last = res
		d.hasLast = true
	}
	stopped := d.stopped
	d.mu.Unlock()

	if changed && !stopped && d.onResult != nil {
		d.onResult(res)
	}
}

// resolve inspects the session's direct children, scanning through wrapper
// shells into grandchildren (agents launched from a shell are grandchildren
// of the PTY process). Resolution priority: agent CLI > package manager >
// recognized tool > raw command; encounter order breaks ties.
func (d *Detector) resolve() Result {
	direct := d.cache.Children(d.rootPID)

	candidates := make([]Node, 0, len(direct)*2)
	for _, child := range direct {
		if wrapperShells[child.Comm] {
			candidates = append(candidates, d.cache.Children(child.PID)...)
			continue
		}
		candidates = append(candidates, child)
		// Agents commonly re-exec behind a runner (npm exec, uvx); one
		// level of grandchildren catches those too.
		candidates = append(candidates, d.cache.Children(child.PID)...)
	}

	if len(candidates) == 0 {
		return Result{}
	}

	best := Result{
		IsBusy:         true,
		ProcessName:    candidates[0].Comm,
		CurrentCommand: candidates[0].Command,
	}
	bestRank := rankNone

	for _, cand := range candidates {
		name := strings.ToLower(cand.Comm)
		rank := rankNone
		res := Result{
			IsBusy:         true,
			ProcessName:    cand.Comm,
			CurrentCommand: cand.Command,
		}
		if agentID, ok := knownAgents[name]; ok {
			rank = rankAgent
			res.Detected = true
			res.AgentType = agentID
			res.ProcessIconID = agentID
		} else if packageManagers[name] {
			rank = rankPackageManager
			res.ProcessIconID = "package"
		} else if icon, ok := knownTools[name]; ok {
			rank = rankTool
			res.ProcessIconID = icon
		}
		// Strict inequality preserves encounter order among equals.
		if rank > bestRank {
			bestRank = rank
			best = res
		}
	}

	return best
}

// KnownAgent reports whether name is a recognized agent CLI, returning its
// canonical agent id.
func KnownAgent(name string) (string, bool) {
	id, ok := knownAgents[strings.ToLower(name)]
	return id, ok
}

// equalResult implements the documented dedup policy: emit only when the
// agent identity, icon, busy flag, or current command changed.
func equalResult(a, b Result) bool {
	return a.AgentType == b.AgentType &&
		a.ProcessIconID == b.ProcessIconID &&
		a.IsBusy == b.IsBusy &&
		a.CurrentCommand == b.CurrentCommand
}
