package frame

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector is a thread-safe emit sink.
type collector struct {
	mu     sync.Mutex
	frames []string
}

func (c *collector) emit(data string) {
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *collector) joined() string {
	return strings.Join(c.all(), "")
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// fastConfig keeps test wall time low.
func fastConfig() Config {
	return Config{
		StabilityDelay:    20 * time.Millisecond,
		InteractiveDelay:  5 * time.Millisecond,
		InteractiveWindow: 100 * time.Millisecond,
		MaxHold:           80 * time.Millisecond,
		SyncTimeout:       60 * time.Millisecond,
		OverflowLimit:     512 * 1024,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %v", timeout)
}

func TestStabilityFlushAfterSilence(t *testing.T) {
	c := &collector{}
	s := New(fastConfig(), c.emit)

	s.Ingest("hello")
	assert.Equal(t, ModeBuffering, s.Mode())

	waitFor(t, time.Second, func() bool { return c.count() == 1 })
	assert.Equal(t, "hello", c.joined())
	assert.Equal(t, ModeIdle, s.Mode())
}

// Bytes arrive in arbitrary chunk sizes; the emitted concatenation must equal
// the ingested concatenation exactly.
func TestNoBytesLostAcrossChunking(t *testing.T) {
	c := &collector{}
	s := New(fastConfig(), c.emit)

	input := "abc\x1b[2Jdef\x1b[?2026hsync body\x1b[?2026ltail"
	for i := 0; i < len(input); i += 3 {
		end := i + 3
		if end > len(input) {
			end = len(input)
		}
		s.Ingest(input[i:end])
	}

	waitFor(t, time.Second, func() bool { return c.joined() == input })
}

func TestSyncBracketEmittedAsSingleFrame(t *testing.T) {
	c := &collector{}
	s := New(fastConfig(), c.emit)

	s.Ingest("\x1b[?2026h")
	s.Ingest("frame body")
	assert.Equal(t, ModeSync, s.Mode())

	s.Ingest("\x1b[?2026l")

	frames := c.all()
	require.Len(t, frames, 1)
	assert.Equal(t, "\x1b[?2026hframe body\x1b[?2026l", frames[0])
	assert.Equal(t, ModeIdle, s.Mode())
}

func TestSyncPrefixFlushedBeforeBracket(t *testing.T) {
	c := &collector{}
	s := New(fastConfig(), c.emit)

	s.Ingest("before\x1b[?2026hinside\x1b[?2026l")

	frames := c.all()
	require.Len(t, frames, 2)
	assert.Equal(t, "before", frames[0])
	assert.Equal(t, "\x1b[?2026hinside\x1b[?2026l", frames[1])
}

// A sync bracket whose end marker never arrives is force-closed with a
// synthetic end marker after SyncTimeout, exactly once.
func TestSyncTimeoutForceClose(t *testing.T) {
	c := &collector{}
	s := New(fastConfig(), c.emit)

	s.Ingest("\x1b[?2026hstuck frame")

	waitFor(t, time.Second, func() bool { return c.count() == 1 })
	assert.Equal(t, "\x1b[?2026hstuck frame\x1b[?2026l", c.all()[0])
	assert.Equal(t, ModeIdle, s.Mode())

	// No second synthetic close shows up later.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestLegacyBoundarySplitsNonLeading(t *testing.T) {
	c := &collector{}
	s := New(fastConfig(), c.emit)

	s.Ingest("old frame\x1b[2Jnew frame")

	frames := c.all()
	require.GreaterOrEqual(t, len(frames), 1)
	assert.Equal(t, "old frame", frames[0])

	waitFor(t, time.Second, func() bool { return c.joined() == "old frame\x1b[2Jnew frame" })
}

// A chunk that starts with a clear-screen keeps it attached to the content
// that follows; splitting there would emit an empty frame and flicker.
func TestLeadingLegacyBoundaryNotSplit(t *testing.T) {
	c := &collector{}
	s := New(fastConfig(), c.emit)

	s.Ingest("\x1b[2Jredrawn screen")

	waitFor(t, time.Second, func() bool { return c.count() == 1 })
	assert.Equal(t, "\x1b[2Jredrawn screen", c.all()[0])
}

func TestAlternateScreenBoundaries(t *testing.T) {
	for _, marker := range []string{"\x1b[?1049h", "\x1b[?47h"} {
		c := &collector{}
		s := New(fastConfig(), c.emit)

		s.Ingest("shell output" + marker + "tui content")

		frames := c.all()
		require.GreaterOrEqual(t, len(frames), 1, "marker %q", marker)
		assert.Equal(t, "shell output", frames[0], "marker %q", marker)
		s.Detach()
	}
}

// Sustained output that never goes quiet still flushes within MaxHold.
func TestMaxHoldBoundsLatency(t *testing.T) {
	cfg := fastConfig()
	c := &collector{}
	s := New(cfg, c.emit)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Ingest("x")
			}
		}
	}()

	waitFor(t, time.Second, func() bool { return c.count() >= 1 })
	close(stop)
	wg.Wait()
	s.Detach()
}

func TestOverflowEmitsImmediately(t *testing.T) {
	cfg := fastConfig()
	cfg.OverflowLimit = 64
	c := &collector{}
	s := New(cfg, c.emit)

	big := strings.Repeat("a", 128)
	s.Ingest(big)

	// No timer wait: the overflow valve fires inside Ingest.
	assert.Equal(t, big, c.joined())
}

// Overflow inside an open sync bracket emits but keeps sync mode, so the
// timeout still guards the bracket's tail.
func TestOverflowDuringSyncKeepsMode(t *testing.T) {
	cfg := fastConfig()
	cfg.OverflowLimit = 32
	c := &collector{}
	s := New(cfg, c.emit)

	s.Ingest("\x1b[?2026h")
	require.Equal(t, ModeSync, s.Mode())

	s.Ingest(strings.Repeat("b", 64))
	assert.Equal(t, 1, c.count())
	assert.Equal(t, ModeSync, s.Mode())
}

func TestBypassPassesThrough(t *testing.T) {
	c := &collector{}
	s := New(fastConfig(), c.emit)

	s.Ingest("held")
	s.SetBypass(true)

	// Enabling bypass flushes held bytes first.
	require.Equal(t, []string{"held"}, c.all())

	s.Ingest("direct")
	assert.Equal(t, []string{"held", "direct"}, c.all())
	assert.Equal(t, ModeBypass, s.Mode())
}

func TestKeystrokeShortensStabilityDelay(t *testing.T) {
	cfg := fastConfig()
	cfg.StabilityDelay = 300 * time.Millisecond
	cfg.InteractiveDelay = 5 * time.Millisecond
	c := &collector{}
	s := New(cfg, c.emit)

	s.NoteKeystroke()
	s.Ingest("echo")

	// Flushes on the interactive delay, far sooner than StabilityDelay.
	waitFor(t, 100*time.Millisecond, func() bool { return c.count() == 1 })
}

func TestDetachFlushesRemainderAndIsIdempotent(t *testing.T) {
	c := &collector{}
	s := New(fastConfig(), c.emit)

	s.Ingest("remainder")
	s.Detach()
	assert.Equal(t, []string{"remainder"}, c.all())

	s.Detach()
	s.Ingest("after detach")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"remainder"}, c.all())
}

func TestFlushForcesPendingOutput(t *testing.T) {
	cfg := fastConfig()
	cfg.StabilityDelay = time.Hour
	cfg.MaxHold = time.Hour
	c := &collector{}
	s := New(cfg, c.emit)

	s.Ingest("pending")
	s.Flush()
	assert.Equal(t, []string{"pending"}, c.all())
}

func TestMultipleSyncFramesInOneChunk(t *testing.T) {
	c := &collector{}
	s := New(fastConfig(), c.emit)

	s.Ingest("\x1b[?2026hone\x1b[?2026l\x1b[?2026htwo\x1b[?2026l")

	frames := c.all()
	require.Len(t, frames, 2)
	assert.Equal(t, "\x1b[?2026hone\x1b[?2026l", frames[0])
	assert.Equal(t, "\x1b[?2026htwo\x1b[?2026l", frames[1])
}
