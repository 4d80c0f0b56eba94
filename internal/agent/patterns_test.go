package agent

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text untouched", "hello world", "hello world"},
		{"color codes", "\x1b[31mred\x1b[0m text", "red text"},
		{"cursor movement", "\x1b[2Aup\x1b[10;20Hmoved", "upmoved"},
		{"osc title with bel", "\x1b]0;my title\x07body", "body"},
		{"osc with st terminator", "\x1b]8;;http://x\x1b\\link", "link"},
		{"8-bit csi", "\x9b31mred", "red"},
		{"bare esc at end", "text\x1b", "text"},
		{"mixed", "\x1b[1m\x1b[32m✓\x1b[0m done", "✓ done"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripANSI(tt.input))
		})
	}
}

func TestDetectorPrimaryMatch(t *testing.T) {
	d := NewDetector(0, nil)

	res, ok := d.Match("claude", "doing stuff\nesc to interrupt")
	require.True(t, ok)
	assert.Equal(t, PrimaryConfidence, res.Confidence)
}

func TestDetectorClaudeSpinnerFallback(t *testing.T) {
	d := NewDetector(0, nil)

	// Spinner + activity word hits the fallback set at reduced confidence.
	res, ok := d.Match("claude", "some output\n✽ Thinking")
	require.True(t, ok)
	assert.Equal(t, 0.75, res.Confidence)
}

func TestDetectorClaudeSpinnerEllipsisPrimary(t *testing.T) {
	d := NewDetector(0, nil)

	res, ok := d.Match("claude", "✳ Crunching… (3s · 1.2k tokens)")
	require.True(t, ok)
	assert.Equal(t, PrimaryConfidence, res.Confidence)
}

func TestDetectorStripsANSIBeforeMatching(t *testing.T) {
	d := NewDetector(0, nil)

	_, ok := d.Match("claude", "\x1b[33m✽\x1b[0m \x1b[1mThinking\x1b[0m")
	assert.True(t, ok)
}

func TestDetectorUnknownAgentUsesUniversalSet(t *testing.T) {
	d := NewDetector(0, nil)

	res, ok := d.Match("mystery-agent", "ctrl+c to interrupt")
	require.True(t, ok)
	assert.Equal(t, PrimaryConfidence, res.Confidence)

	res, ok = d.Match("mystery-agent", "⠋ pondering")
	require.True(t, ok)
	assert.Equal(t, 0.70, res.Confidence)
}

func TestDetectorNoMatch(t *testing.T) {
	d := NewDetector(0, nil)

	_, ok := d.Match("claude", "$ ls\nREADME.md\n$")
	assert.False(t, ok)
}

func TestDetectorWindowLimitsScan(t *testing.T) {
	d := NewDetector(5, nil)

	var b strings.Builder
	b.WriteString("esc to interrupt\n")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}

	// The indicator scrolled out of the window.
	_, ok := d.Match("claude", b.String())
	assert.False(t, ok)
}

func TestDetectorGeminiAndCodex(t *testing.T) {
	d := NewDetector(0, nil)

	res, ok := d.Match("gemini", "esc to cancel")
	require.True(t, ok)
	assert.Equal(t, PrimaryConfidence, res.Confidence)

	res, ok = d.Match("codex", "Thinking about the problem")
	require.True(t, ok)
	assert.Equal(t, 0.70, res.Confidence)
}

func TestDetectorOpencodePulseSpinner(t *testing.T) {
	d := NewDetector(0, nil)

	res, ok := d.Match("opencode", "█▓▒░ running")
	require.True(t, ok)
	assert.Equal(t, 0.70, res.Confidence)
}

func TestDetectorConfigOverrides(t *testing.T) {
	overrides := map[string]*RawPatternSet{
		"claude": {
			Primary:            []string{"custom busy marker"},
			Fallback:           []string{},
			FallbackConfidence: 0.6,
		},
		"myagent": {
			Primary: []string{"my own indicator"},
		},
	}
	d := NewDetector(0, overrides)

	// Replaced primary set: the default indicator no longer matches.
	_, ok := d.Match("claude", "esc to interrupt")
	assert.False(t, ok)

	res, ok := d.Match("claude", "CUSTOM busy MARKER")
	require.True(t, ok)
	assert.Equal(t, PrimaryConfidence, res.Confidence)

	// Overrides can register agents with no built-in set.
	_, ok = d.Match("myagent", "my own indicator")
	assert.True(t, ok)
}

func TestDetectorSkipsInvalidRegex(t *testing.T) {
	overrides := map[string]*RawPatternSet{
		"claude": {
			Primary: []string{"re:([unclosed", "still works"},
		},
	}
	d := NewDetector(0, overrides)

	// The bad pattern is dropped, the valid one survives.
	_, ok := d.Match("claude", "still works")
	assert.True(t, ok)
}

func TestMergeRawPatternSets(t *testing.T) {
	defaults := &RawPatternSet{
		Primary:            []string{"a"},
		Fallback:           []string{"b"},
		FallbackConfidence: 0.75,
	}

	t.Run("nil override keeps defaults", func(t *testing.T) {
		got := MergeRawPatternSets(defaults, nil, nil)
		assert.Equal(t, []string{"a"}, got.Primary)
		assert.Equal(t, 0.75, got.FallbackConfidence)
	})

	t.Run("empty slice replaces", func(t *testing.T) {
		got := MergeRawPatternSets(defaults, &RawPatternSet{Primary: []string{}}, nil)
		assert.Empty(t, got.Primary)
		assert.Equal(t, []string{"b"}, got.Fallback)
	})

	t.Run("zero confidence keeps default", func(t *testing.T) {
		got := MergeRawPatternSets(defaults, &RawPatternSet{FallbackConfidence: 0}, nil)
		assert.Equal(t, 0.75, got.FallbackConfidence)
	})

	t.Run("extras append", func(t *testing.T) {
		got := MergeRawPatternSets(defaults, nil, &RawPatternSet{Primary: []string{"c"}})
		assert.Equal(t, []string{"a", "c"}, got.Primary)
	})
}
