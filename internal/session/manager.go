package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/term-engine/internal/agent"
	"github.com/asheshgoplani/term-engine/internal/frame"
	"github.com/asheshgoplani/term-engine/internal/logging"
	"github.com/asheshgoplani/term-engine/internal/proctree"
)

var sessionLog = logging.ForComponent(logging.CompSession)

// Kind distinguishes plain shells from agent sessions. Only agent sessions
// run the activity-detection tiers and the frame stabilizer.
type Kind string

const (
	KindShell Kind = "shell"
	KindAgent Kind = "agent"
)

// Options describes a session to spawn. Zero values mean defaults: the
// configured shell, 80x24, inherited environment and working directory.
type Options struct {
	// Kind forces the session kind. Empty means infer: a session is
	// agent-kind when AgentID is set or Type names a known agent CLI.
	Kind string

	// AgentID selects the detection pattern set ("claude", "codex", ...).
	AgentID string

	// Type is the caller's session type label; a known agent name here
	// implies agent-kind.
	Type string

	Command string
	Args    []string
	Env     []string
	Dir     string
	Cols    uint16
	Rows    uint16

	// DisableAnalysis opts an agent session out of heuristic and AI
	// detection while keeping frame stabilization.
	DisableAnalysis bool
}

// Snapshot is a point-in-time view of a session's metadata.
type Snapshot struct {
	ID              string          `json:"id"`
	Kind            Kind            `json:"kind"`
	AgentID         string          `json:"agent_id,omitempty"`
	PID             int             `json:"pid"`
	SpawnedAt       time.Time       `json:"spawned_at"`
	Cols            uint16          `json:"cols"`
	Rows            uint16          `json:"rows"`
	State           agent.State     `json:"state"`
	StateChangedAt  time.Time       `json:"state_changed_at"`
	LastError       string          `json:"last_error,omitempty"`
	LastOutputAt    time.Time       `json:"last_output_at"`
	Buffering       bool            `json:"buffering"`
	Analysis        bool            `json:"analysis"`
	Status          proctree.Result `json:"status"`
	DescendantsCPU  float64         `json:"descendants_cpu"`
	ScrollbackLines int             `json:"scrollback_lines"`
}

// TerminalSnapshot is a Snapshot plus the retained scrollback tail.
type TerminalSnapshot struct {
	Snapshot
	Scrollback string `json:"scrollback"`
}

// terminalSession is one live PTY session. Mutable fields are guarded by the
// Manager's mutex; lastOutput is atomic because the PTY pump updates it.
type terminalSession struct {
	id        string
	kind      Kind
	agentID   string
	spawnedAt time.Time
	cols      uint16
	rows      uint16
	analysis  bool

	pt       Pty
	stab     *frame.Stabilizer
	scroll   *scrollback
	detector *proctree.Detector

	state          agent.State
	stateChangedAt time.Time
	lastError      string
	buffering      bool
	status         proctree.Result

	// lastOutput is unix nanos of the last raw PTY output; atomic because
	// the pump goroutine writes it while snapshots read it.
	lastOutput atomic.Int64

	// exitMu guards the pre-registration exit latch. A process can exit
	// before Spawn has inserted the session into the manager's map; the
	// exit code is held here and replayed right after insertion so the
	// session never lingers without its exit event.
	exitMu      sync.Mutex
	registered  bool
	exitPending bool
	exitCode    int
}

// Manager owns every live session: spawning, input, resize, state
// transitions, and the event bus the web and UI layers subscribe to.
type Manager struct {
	cfg   *Config
	spawn SpawnFunc
	cache *proctree.Cache // nil disables process-tree monitoring
	bus   *Bus
	pool  *shellPool

	mu       sync.Mutex
	sessions map[string]*terminalSession
	closed   bool
}

// NewManager creates a Manager. A nil spawn uses real PTYs; a nil cache
// disables process-tree detection (tests, unsupported platforms).
func NewManager(cfg *Config, spawn SpawnFunc, cache *proctree.Cache) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if spawn == nil {
		spawn = StartPty
	}
	m := &Manager{
		cfg:      cfg,
		spawn:    spawn,
		cache:    cache,
		bus:      NewBus(),
		sessions: make(map[string]*terminalSession),
	}
	m.pool = newShellPool(spawn, SpawnSpec{Command: cfg.DefaultShell()}, cfg.Pool.Size)
	return m
}

// Subscribe registers fn on the manager's event bus.
func (m *Manager) Subscribe(topic Topic, fn func(payload any)) func() {
	return m.bus.Subscribe(topic, fn)
}

// Spawn creates a session under id. Spawn failures are returned to the
// caller directly, never as exit events.
func (m *Manager) Spawn(id string, opts Options) error {
	if id == "" {
		return fmt.Errorf("spawn: session id is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("spawn %s: manager is closed", id)
	}
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("spawn %s: session already exists", id)
	}
	m.mu.Unlock()

	kind, agentID := classifyKind(opts)

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	spec := SpawnSpec{
		Command: opts.Command,
		Args:    opts.Args,
		Env:     opts.Env,
		Dir:     opts.Dir,
		Cols:    cols,
		Rows:    rows,
	}
	if spec.Command == "" {
		spec.Command = m.cfg.DefaultShell()
	}

	var pt Pty
	pooled := false
	if kind == KindShell && poolEligible(opts, m.cfg.DefaultShell(), spec.Command) {
		if pt = m.pool.take(); pt != nil {
			pooled = true
		}
	}
	if pt == nil {
		var err error
		pt, err = m.spawn(spec)
		if err != nil {
			return fmt.Errorf("spawn %s: %w", id, err)
		}
	}
	if pooled {
		// Pooled shells were spawned at default size.
		if err := pt.Resize(cols, rows); err != nil {
			sessionLog.Warn("pooled_resize_failed",
				slog.String("session", id), slog.String("error", err.Error()))
		}
	}

	s := &terminalSession{
		id:             id,
		kind:           kind,
		agentID:        agentID,
		spawnedAt:      time.Now(),
		cols:           cols,
		rows:           rows,
		analysis:       kind == KindAgent && !opts.DisableAnalysis,
		pt:             pt,
		scroll:         newScrollback(m.cfg.Scrollback.MaxLines),
		state:          agent.StateIdle,
		stateChangedAt: time.Now(),
		buffering:      kind == KindAgent,
	}
	s.stab = frame.New(m.cfg.FrameConfig(), func(chunk string) {
		m.handleFrame(id, s, chunk)
	})
	if kind != KindAgent {
		s.stab.SetBypass(true)
	}

	spawnedAt := s.spawnedAt

	// Exit handler first: the read pump only starts once OnData is set, so
	// the exit callback is guaranteed to be registered before any exit. A
	// fast-exiting process can still deliver its exit before the session
	// is in the map; latch the code and replay it after insertion.
	pt.OnExit(func(code int) {
		s.exitMu.Lock()
		if !s.registered {
			s.exitPending = true
			s.exitCode = code
			s.exitMu.Unlock()
			return
		}
		s.exitMu.Unlock()
		m.handleExit(id, spawnedAt, code)
	})
	pt.OnData(func(b []byte) {
		s.lastOutput.Store(time.Now().UnixNano())
		s.stab.Ingest(string(b))
	})

	if m.cache != nil {
		s.detector = proctree.NewDetector(m.cache, id, pt.PID(), func(res proctree.Result) {
			m.handleProcResult(id, spawnedAt, res)
		})
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.teardown(s)
		return fmt.Errorf("spawn %s: manager is closed", id)
	}
	// Re-check: a concurrent Spawn may have claimed the id while this one
	// was starting its PTY. The early duplicate check is only advisory.
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		m.teardown(s)
		return fmt.Errorf("spawn %s: session already exists", id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	sessionLog.Info("session_spawned",
		slog.String("session", id),
		slog.String("kind", string(kind)),
		slog.String("agent", agentID),
		slog.Int("pid", pt.PID()),
		slog.Bool("pooled", pooled))

	s.exitMu.Lock()
	s.registered = true
	exited, code := s.exitPending, s.exitCode
	s.exitMu.Unlock()
	if exited {
		m.handleExit(id, spawnedAt, code)
	}
	return nil
}

// classifyKind resolves the session kind and agent id from Options.
func classifyKind(opts Options) (Kind, string) {
	agentID := opts.AgentID
	if agentID == "" {
		if id, ok := proctree.KnownAgent(opts.Type); ok {
			agentID = id
		} else if id, ok := proctree.KnownAgent(opts.Command); ok {
			agentID = id
		}
	}
	switch {
	case opts.Kind == string(KindAgent):
		return KindAgent, agentID
	case opts.Kind == string(KindShell):
		return KindShell, ""
	case agentID != "":
		return KindAgent, agentID
	default:
		return KindShell, ""
	}
}

// poolEligible reports whether a pooled shell can serve this spawn: default
// shell command, no custom env or directory.
func poolEligible(opts Options, defaultShell, command string) bool {
	return command == defaultShell &&
		len(opts.Args) == 0 && len(opts.Env) == 0 && opts.Dir == ""
}

// handleFrame delivers one stabilized frame: scrollback first, then the data
// event. Runs on stabilizer goroutines; must not touch the manager mutex.
func (m *Manager) handleFrame(id string, s *terminalSession, chunk string) {
	s.scroll.append(chunk)
	m.bus.Publish(TopicData, DataEvent{SessionID: id, Data: chunk})
}

// handleProcResult publishes terminal:status and feeds busy evidence into the
// state machine.
func (m *Manager) handleProcResult(id string, spawnedAt time.Time, res proctree.Result) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || !s.spawnedAt.Equal(spawnedAt) {
		m.mu.Unlock()
		return
	}
	s.status = res
	analysis := s.analysis
	m.mu.Unlock()

	m.bus.Publish(TopicStatus, StatusEvent{SessionID: id, Result: res})

	if analysis && res.IsBusy {
		m.TransitionState(id, agent.Event{Type: agent.EventBusy}, "process", 0.9, spawnedAt)
	}
}

// Write sends input to the session. Unknown ids are a silent no-op so racing
// callers (a keystroke against an exiting session) never error.
func (m *Manager) Write(id string, data []byte) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	pt, stab := s.pt, s.stab
	analysis := s.analysis
	spawnedAt := s.spawnedAt
	m.mu.Unlock()

	stab.NoteKeystroke()
	if _, err := pt.Write(data); err != nil {
		sessionLog.Warn("session_write_failed",
			slog.String("session", id), slog.String("error", err.Error()))
		return
	}
	if analysis && len(data) > 0 {
		m.TransitionState(id, agent.Event{Type: agent.EventInput}, "input", 1.0, spawnedAt)
	}
}

// Resize changes the session's terminal dimensions. No-op on unknown ids.
func (m *Manager) Resize(id string, cols, rows uint16) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.cols, s.rows = cols, rows
	pt := s.pt
	m.mu.Unlock()

	if err := pt.Resize(cols, rows); err != nil {
		sessionLog.Warn("session_resize_failed",
			slog.String("session", id), slog.String("error", err.Error()))
	}
}

// Kill terminates the session's process. Cleanup happens when the exit
// propagates through the PTY. No-op on unknown ids.
func (m *Manager) Kill(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := s.pt.Kill(); err != nil {
		sessionLog.Warn("session_kill_failed",
			slog.String("session", id), slog.String("error", err.Error()))
	}
}

// SetBuffering toggles frame stabilization for the session. Disabling flushes
// pending output and passes bytes straight through. No-op on unknown ids.
func (m *Manager) SetBuffering(id string, enabled bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.buffering = enabled
	stab := s.stab
	m.mu.Unlock()

	stab.SetBypass(!enabled)
}

// FlushBuffer forces out whatever the stabilizer is holding. No-op on
// unknown ids.
func (m *Manager) FlushBuffer(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.stab.Flush()
}

// TransitionState feeds one lifecycle event into the session's state machine.
// The update is rejected (returns false) when the session is unknown, the
// spawn timestamp no longer matches (the evidence was gathered against a
// previous process), or the transition is not in the table. A state-changed
// event is published only when the state actually moved; self-transitions
// like working--busy-->working apply silently.
func (m *Manager) TransitionState(id string, ev agent.Event, source string, confidence float64, expectedSpawnedAt time.Time) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || !s.spawnedAt.Equal(expectedSpawnedAt) {
		m.mu.Unlock()
		return false
	}
	if s.kind != KindAgent {
		m.mu.Unlock()
		return false
	}

	from := s.state
	next := agent.NextState(from, ev)
	if !agent.IsValidTransition(from, next) {
		m.mu.Unlock()
		return false
	}

	now := time.Now()
	s.state = next
	s.stateChangedAt = now
	if ev.Message != "" {
		s.lastError = ev.Message
	}
	m.mu.Unlock()

	if from != next {
		sessionLog.Info("state_changed",
			slog.String("session", id),
			slog.String("from", string(from)),
			slog.String("to", string(next)),
			slog.String("source", source),
			slog.Float64("confidence", confidence))
		m.bus.Publish(TopicStateChanged, StateChangedEvent{
			SessionID:  id,
			From:       from,
			To:         next,
			Source:     source,
			Confidence: confidence,
			At:         now,
		})
	}
	return true
}

// handleExit runs when the session's process exits: final exit transition,
// remaining output flushed, then the exit event, then teardown.
func (m *Manager) handleExit(id string, spawnedAt time.Time, code int) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || !s.spawnedAt.Equal(spawnedAt) {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)

	from := s.state
	next := from
	emitState := false
	if s.kind == KindAgent {
		next = agent.NextState(from, agent.Event{Type: agent.EventExit, ExitCode: code})
		if agent.IsValidTransition(from, next) {
			s.state = next
			s.stateChangedAt = time.Now()
			emitState = from != next
		} else {
			next = from
		}
	}
	m.mu.Unlock()

	if s.detector != nil {
		s.detector.Stop()
	}
	// Detach flushes held output, so data events precede the exit event.
	s.stab.Detach()

	if emitState {
		m.bus.Publish(TopicStateChanged, StateChangedEvent{
			SessionID:  id,
			From:       from,
			To:         next,
			Source:     "process",
			Confidence: 1.0,
			At:         time.Now(),
		})
	}
	m.bus.Publish(TopicExit, ExitEvent{SessionID: id, ExitCode: code})
	_ = s.pt.Close()

	sessionLog.Info("session_exited",
		slog.String("session", id), slog.Int("exit_code", code))
}

// GetTerminal returns the session's metadata snapshot.
func (m *Manager) GetTerminal(id string) (Snapshot, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, false
	}
	snap := m.snapshotLocked(s)
	m.mu.Unlock()
	return snap, true
}

// GetTerminalSnapshot returns metadata plus the retained scrollback tail.
func (m *Manager) GetTerminalSnapshot(id string) (TerminalSnapshot, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return TerminalSnapshot{}, false
	}
	snap := m.snapshotLocked(s)
	scroll := s.scroll
	m.mu.Unlock()

	return TerminalSnapshot{Snapshot: snap, Scrollback: scroll.Tail(0)}, true
}

// GetAllTerminalSnapshots returns a metadata snapshot per live session.
func (m *Manager) GetAllTerminalSnapshots() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.snapshotLocked(s))
	}
	m.mu.Unlock()
	return out
}

func (m *Manager) snapshotLocked(s *terminalSession) Snapshot {
	snap := Snapshot{
		ID:              s.id,
		Kind:            s.kind,
		AgentID:         s.agentID,
		PID:             s.pt.PID(),
		SpawnedAt:       s.spawnedAt,
		Cols:            s.cols,
		Rows:            s.rows,
		State:           s.state,
		StateChangedAt:  s.stateChangedAt,
		LastError:       s.lastError,
		Buffering:       s.buffering,
		Analysis:        s.analysis,
		Status:          s.status,
		ScrollbackLines: s.scroll.Len(),
	}
	if ns := s.lastOutput.Load(); ns != 0 {
		snap.LastOutputAt = time.Unix(0, ns)
	}
	if m.cache != nil {
		snap.DescendantsCPU = m.cache.DescendantsCPU(s.pt.PID())
	}
	return snap
}

// Scrollback returns the last n scrollback lines for id (all when n <= 0).
// Detection tiers read through this instead of holding session internals.
func (m *Manager) Scrollback(id string, n int) (string, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return s.scroll.Tail(n), true
}

// Close kills every session and drains the shell pool.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*terminalSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*terminalSession)
	m.mu.Unlock()

	for _, s := range sessions {
		m.teardown(s)
	}
	m.pool.drain()
}

func (m *Manager) teardown(s *terminalSession) {
	if s.detector != nil {
		s.detector.Stop()
	}
	s.stab.Detach()
	_ = s.pt.Kill()
	_ = s.pt.Close()
}
