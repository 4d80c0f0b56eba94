// Package frame turns raw PTY byte streams into coherent, flicker-free
// rendering frames. It understands the DEC 2026 synchronized-output protocol
// plus the legacy clear-screen / alternate-screen frame boundaries that
// predate it, and falls back to quiescence timers for everything else.
package frame

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/term-engine/internal/logging"
)

var frameLog = logging.ForComponent(logging.CompFrame)

// DEC private mode 2026 synchronized-update markers.
const (
	BeginSync = "\x1b[?2026h"
	EndSync   = "\x1b[?2026l"
)

// legacyBoundaries are control sequences that mark the start of a new frame
// in TUIs that predate mode 2026: clear-screen and alternate-screen enable.
var legacyBoundaries = []string{
	"\x1b[2J",     // clear screen
	"\x1b[?1049h", // alternate screen enable (modern)
	"\x1b[?47h",   // alternate screen enable (legacy)
}

// Mode is the stabilizer's current per-session mode.
type Mode string

const (
	ModeIdle      Mode = "idle"      // no pending bytes
	ModeBuffering Mode = "buffering" // bytes held waiting for quiescence
	ModeSync      Mode = "sync"      // inside a BSU..ESU bracket
	ModeBypass    Mode = "bypass"    // every chunk emitted immediately
)

// Config holds the stabilizer's timing and size knobs. The defaults are
// empirically tuned for current agent TUIs, not protocol requirements, so
// they stay configurable.
type Config struct {
	// StabilityDelay flushes after this much silence (default 100ms).
	StabilityDelay time.Duration

	// InteractiveDelay replaces StabilityDelay within InteractiveWindow of a
	// keystroke, keeping echo latency low (default 32ms).
	InteractiveDelay time.Duration

	// InteractiveWindow is how long after a keystroke the session counts as
	// interactive (default 1s).
	InteractiveWindow time.Duration

	// MaxHold force-flushes regardless of continued arrivals, guaranteeing
	// at least five emits per second under sustained output (default 200ms).
	MaxHold time.Duration

	// SyncTimeout force-closes a sync bracket whose end marker never arrives
	// (default 500ms).
	SyncTimeout time.Duration

	// OverflowLimit force-emits when this many bytes are buffered,
	// irrespective of mode (default 512KiB).
	OverflowLimit int
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		StabilityDelay:    100 * time.Millisecond,
		InteractiveDelay:  32 * time.Millisecond,
		InteractiveWindow: time.Second,
		MaxHold:           200 * time.Millisecond,
		SyncTimeout:       500 * time.Millisecond,
		OverflowLimit:     512 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StabilityDelay <= 0 {
		c.StabilityDelay = d.StabilityDelay
	}
	if c.InteractiveDelay <= 0 {
		c.InteractiveDelay = d.InteractiveDelay
	}
	if c.InteractiveWindow <= 0 {
		c.InteractiveWindow = d.InteractiveWindow
	}
	if c.MaxHold <= 0 {
		c.MaxHold = d.MaxHold
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = d.SyncTimeout
	}
	if c.OverflowLimit <= 0 {
		c.OverflowLimit = d.OverflowLimit
	}
	return c
}

// Stabilizer coalesces one session's output into frames. All methods are safe
// for concurrent use. The emit callback is invoked with the stabilizer lock
// held and must not call back into the stabilizer.
//
// Every buffer-clearing path (stability, max-hold, overflow, sync-timeout,
// detach) emits the buffer's contents first; bytes are never dropped.
type Stabilizer struct {
	mu  sync.Mutex
	cfg Config

	emit func(string)

	buf           strings.Builder
	inSync        bool
	bypass        bool
	detached      bool
	lastKeystroke time.Time

	stabilityTimer *time.Timer
	maxHoldTimer   *time.Timer
	syncTimer      *time.Timer

	// Per-kind sequence numbers let a fired AfterFunc detect that it was
	// cancelled or superseded after scheduling but before acquiring the lock.
	stabilitySeq uint64
	maxHoldSeq   uint64
	syncSeq      uint64
}

// New creates a stabilizer delivering frames to emit.
func New(cfg Config, emit func(string)) *Stabilizer {
	return &Stabilizer{
		cfg:  cfg.withDefaults(),
		emit: emit,
	}
}

// Mode returns the current mode.
func (s *Stabilizer) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.bypass:
		return ModeBypass
	case s.inSync:
		return ModeSync
	case s.buf.Len() > 0:
		return ModeBuffering
	default:
		return ModeIdle
	}
}

// SetBypass toggles bypass mode. Enabling bypass flushes any held bytes
// first; non-agent shells run in bypass for zero added latency.
func (s *Stabilizer) SetBypass(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	if on && !s.bypass {
		s.cancelAllTimersLocked()
		s.inSync = false
		s.flushLocked()
	}
	s.bypass = on
}

// NoteKeystroke records user input, switching the stability timer to its
// interactive delay for the next InteractiveWindow.
func (s *Stabilizer) NoteKeystroke() {
	s.mu.Lock()
	s.lastKeystroke = time.Now()
	s.mu.Unlock()
}

// Ingest processes one chunk of PTY output in arrival order.
func (s *Stabilizer) Ingest(data string) {
	if data == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	if s.bypass {
		s.emitLocked(data)
		return
	}
	s.buf.WriteString(data)
	s.processLocked()
}

// Flush force-emits any held bytes immediately.
func (s *Stabilizer) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	s.cancelStabilityLocked()
	s.cancelMaxHoldLocked()
	s.flushLocked()
}

// Detach cancels all timers and flushes any remainder before releasing the
// callback. Idempotent; never drops bytes.
func (s *Stabilizer) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	s.cancelAllTimersLocked()
	s.inSync = false
	s.flushLocked()
	s.detached = true
	s.emit = nil
}

// processLocked scans the buffer for frame boundaries, emitting complete
// regions and re-arming timers for whatever remains. Iterative rather than
// recursive so multiple frames per chunk cost one pass.
func (s *Stabilizer) processLocked() {
	for {
		if s.buf.Len() >= s.cfg.OverflowLimit {
			// Overflow valve: emit everything regardless of mode. A sync
			// bracket stays open; its timeout still guards the tail.
			frameLog.Debug("overflow_emit", slog.Int("bytes", s.buf.Len()))
			s.cancelStabilityLocked()
			s.cancelMaxHoldLocked()
			s.flushRawLocked()
			return
		}

		content := s.buf.String()

		if s.inSync {
			end := strings.Index(content, EndSync)
			if end < 0 {
				// Waiting on the end marker; sync timer is armed.
				return
			}
			frame := content[:end+len(EndSync)]
			rest := content[end+len(EndSync):]
			s.cancelSyncLocked()
			s.inSync = false
			s.buf.Reset()
			s.emitLocked(frame)
			if rest == "" {
				s.cancelStabilityLocked()
				s.cancelMaxHoldLocked()
				return
			}
			s.buf.WriteString(rest)
			continue
		}

		begin := strings.Index(content, BeginSync)
		legacy := firstLegacyBoundary(content)

		// Begin-sync wins when it appears before any legacy boundary.
		if begin >= 0 && (legacy < 0 || begin <= legacy) {
			if begin > 0 {
				s.buf.Reset()
				s.buf.WriteString(content[begin:])
				s.emitLocked(content[:begin])
			}
			s.inSync = true
			s.cancelStabilityLocked()
			s.cancelMaxHoldLocked()
			s.armSyncLocked()
			continue
		}

		// Legacy boundary: split only when non-leading, so a frame that
		// starts with a clear-screen keeps the sequence attached to the
		// content that follows it.
		if legacy > 0 {
			s.buf.Reset()
			s.buf.WriteString(content[legacy:])
			s.emitLocked(content[:legacy])
			continue
		}

		break
	}

	if s.buf.Len() > 0 {
		s.armStabilityLocked()
		s.armMaxHoldLocked()
	} else {
		s.cancelStabilityLocked()
		s.cancelMaxHoldLocked()
	}
}

// firstLegacyBoundary returns the earliest non-leading legacy boundary index,
// or -1. A boundary at offset zero is deliberately not a split point.
func firstLegacyBoundary(content string) int {
	best := -1
	for _, marker := range legacyBoundaries {
		idx := strings.Index(content, marker)
		if idx == 0 {
			// Leading boundary: look for a later occurrence.
			idx = strings.Index(content[len(marker):], marker)
			if idx >= 0 {
				idx += len(marker)
			}
		}
		if idx > 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// flushLocked emits and clears the buffer.
func (s *Stabilizer) flushLocked() {
	s.flushRawLocked()
}

func (s *Stabilizer) flushRawLocked() {
	if s.buf.Len() == 0 {
		return
	}
	content := s.buf.String()
	s.buf.Reset()
	s.emitLocked(content)
}

func (s *Stabilizer) emitLocked(data string) {
	if s.emit == nil || data == "" {
		return
	}
	logging.Aggregate(logging.CompFrame, "frame_emit", slog.Int("bytes", len(data)))
	s.emit(data)
}

// stabilityDelayLocked picks the interactive or idle stability delay.
func (s *Stabilizer) stabilityDelayLocked() time.Duration {
	if time.Since(s.lastKeystroke) < s.cfg.InteractiveWindow {
		return s.cfg.InteractiveDelay
	}
	return s.cfg.StabilityDelay
}

func (s *Stabilizer) armStabilityLocked() {
	s.cancelStabilityLocked()
	seq := s.stabilitySeq
	s.stabilityTimer = time.AfterFunc(s.stabilityDelayLocked(), func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.detached || seq != s.stabilitySeq || s.inSync {
			return
		}
		s.stabilityTimer = nil
		s.cancelMaxHoldLocked()
		s.flushLocked()
	})
}

func (s *Stabilizer) cancelStabilityLocked() {
	s.stabilitySeq++
	if s.stabilityTimer != nil {
		s.stabilityTimer.Stop()
		s.stabilityTimer = nil
	}
}

// armMaxHoldLocked arms the max-hold timer only if not already running; it
// must survive continued arrivals to bound worst-case latency.
func (s *Stabilizer) armMaxHoldLocked() {
	if s.maxHoldTimer != nil {
		return
	}
	seq := s.maxHoldSeq
	s.maxHoldTimer = time.AfterFunc(s.cfg.MaxHold, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.detached || seq != s.maxHoldSeq || s.inSync {
			return
		}
		s.maxHoldTimer = nil
		s.cancelStabilityLocked()
		s.flushLocked()
	})
}

func (s *Stabilizer) cancelMaxHoldLocked() {
	s.maxHoldSeq++
	if s.maxHoldTimer != nil {
		s.maxHoldTimer.Stop()
		s.maxHoldTimer = nil
	}
}

// armSyncLocked starts the force-close valve for a sync bracket. Agents that
// stall mid-frame would otherwise hold output forever.
func (s *Stabilizer) armSyncLocked() {
	s.cancelSyncLocked()
	seq := s.syncSeq
	s.syncTimer = time.AfterFunc(s.cfg.SyncTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.detached || seq != s.syncSeq || !s.inSync {
			return
		}
		s.syncTimer = nil
		frameLog.Debug("sync_timeout_force_close")
		s.buf.WriteString(EndSync)
		s.inSync = false
		s.flushLocked()
	})
}

func (s *Stabilizer) cancelSyncLocked() {
	s.syncSeq++
	if s.syncTimer != nil {
		s.syncTimer.Stop()
		s.syncTimer = nil
	}
}

func (s *Stabilizer) cancelAllTimersLocked() {
	s.cancelStabilityLocked()
	s.cancelMaxHoldLocked()
	s.cancelSyncLocked()
}
