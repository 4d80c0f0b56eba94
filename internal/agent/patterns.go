package agent

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/asheshgoplani/term-engine/internal/logging"
)

var patternLog = logging.ForComponent(logging.CompObserver)

// PrimaryConfidence is assigned to primary pattern matches. Primary patterns
// are explicit indicators printed by the agent TUI itself.
const PrimaryConfidence = 0.95

// DefaultScanWindow is how many scrollback lines Match inspects. Bounding the
// window keeps the heuristic tier cheap enough to run on every silence check.
const DefaultScanWindow = 40

// RawPatternSet holds string-form patterns before compilation.
// Patterns prefixed with "re:" are compiled as regex; everything else is
// matched with strings.Contains against lowercased scrollback.
type RawPatternSet struct {
	// Primary patterns are high-confidence indicators (0.95).
	Primary []string

	// Fallback patterns are looser spinner/activity-word matches.
	Fallback []string

	// FallbackConfidence is the confidence for fallback matches (0.70-0.75).
	FallbackConfidence float64
}

// MatchResult describes a heuristic pattern match on scrollback.
type MatchResult struct {
	// Pattern is the raw pattern that matched, for logging.
	Pattern string

	// Confidence is the pattern set's confidence for this match.
	Confidence float64
}

// compiledSet is a RawPatternSet after regex compilation.
type compiledSet struct {
	primaryStrings     []string
	primaryRegexps     []*regexp.Regexp
	primaryRaw         []string
	fallbackStrings    []string
	fallbackRegexps    []*regexp.Regexp
	fallbackRaw        []string
	fallbackConfidence float64
}

// spinnerCharClass covers the braille spinner (cli-spinners "dots") plus the
// asterisk spinners used by newer Claude Code builds.
const spinnerCharClass = `[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏✳✽✶✻✢]`

// activityWords is the subset of agent "thinking" vocabulary worth matching.
// The full whimsical set runs past ninety words; these are the ones that
// actually appear next to a spinner in the wild.
var activityWords = []string{
	"thinking", "pondering", "working", "computing", "brewing",
	"considering", "contemplating", "cooking", "crafting", "creating",
	"crunching", "deliberating", "generating", "imagining", "inferring",
	"mulling", "musing", "noodling", "percolating", "processing",
	"reasoning", "ruminating", "synthesizing", "tinkering", "vibing",
	"wrangling", "loading", "analyzing", "searching", "reading",
}

// DefaultRawPatternSet returns the built-in pattern set for a known agent.
// Returns nil for unknown agents (they fall back to the universal set).
func DefaultRawPatternSet(agentID string) *RawPatternSet {
	activity := strings.Join(activityWords, "|")
	switch strings.ToLower(agentID) {
	case "claude":
		return &RawPatternSet{
			Primary: []string{
				"ctrl+c to interrupt",
				"esc to interrupt",
				`re:(?m)^[✳✽✶✻✢·]\s*.+…`, // spinner + ellipsis, anchored to line start
			},
			Fallback: []string{
				"re:" + spinnerCharClass + `\s*(?i:` + activity + `)`,
			},
			FallbackConfidence: 0.75,
		}
	case "gemini":
		return &RawPatternSet{
			Primary: []string{"esc to cancel"},
			Fallback: []string{
				"re:" + spinnerCharClass + `\s*(?i:` + activity + `)`,
			},
			FallbackConfidence: 0.70,
		}
	case "codex":
		return &RawPatternSet{
			Primary: []string{
				"ctrl+c to interrupt",
				"esc to interrupt",
				"press esc to interrupt",
			},
			Fallback: []string{
				"re:(?i)(thinking|working|reasoning)",
			},
			FallbackConfidence: 0.70,
		}
	case "opencode":
		return &RawPatternSet{
			Primary: []string{
				"esc interrupt",
				"thinking...",
				"generating...",
				"building tool call...",
				"waiting for tool response...",
			},
			Fallback: []string{
				"re:[█▓▒░]", // pulse spinner
			},
			FallbackConfidence: 0.70,
		}
	default:
		return nil
	}
}

// universalRawPatternSet covers agents with no registered pattern set.
func universalRawPatternSet() *RawPatternSet {
	activity := strings.Join(activityWords, "|")
	return &RawPatternSet{
		Primary: []string{
			"ctrl+c to interrupt",
			"esc to interrupt",
		},
		Fallback: []string{
			"re:" + spinnerCharClass + `\s*(?i:` + activity + `)`,
			"re:" + spinnerCharClass + `\s*.+…`,
		},
		FallbackConfidence: 0.70,
	}
}

// MergeRawPatternSets merges defaults with overrides and extras.
//   - If overrides has a field set (non-nil slice, even if empty), it replaces
//     the default.
//   - extras fields are appended after defaults or overrides.
//   - A zero override confidence keeps the default.
func MergeRawPatternSets(defaults, overrides, extras *RawPatternSet) *RawPatternSet {
	result := &RawPatternSet{}

	if defaults != nil {
		result.Primary = copySlice(defaults.Primary)
		result.Fallback = copySlice(defaults.Fallback)
		result.FallbackConfidence = defaults.FallbackConfidence
	}

	if overrides != nil {
		if overrides.Primary != nil {
			result.Primary = copySlice(overrides.Primary)
		}
		if overrides.Fallback != nil {
			result.Fallback = copySlice(overrides.Fallback)
		}
		if overrides.FallbackConfidence > 0 {
			result.FallbackConfidence = overrides.FallbackConfidence
		}
	}

	if extras != nil {
		result.Primary = append(result.Primary, extras.Primary...)
		result.Fallback = append(result.Fallback, extras.Fallback...)
	}

	return result
}

// compile splits patterns into plain strings vs regexps. Invalid regex
// patterns are logged and skipped, never fatal.
func compile(raw *RawPatternSet) (*compiledSet, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil RawPatternSet")
	}

	cs := &compiledSet{fallbackConfidence: raw.FallbackConfidence}
	if cs.fallbackConfidence <= 0 {
		cs.fallbackConfidence = 0.70
	}

	for _, p := range raw.Primary {
		if strings.HasPrefix(p, "re:") {
			re, err := regexp.Compile(p[3:])
			if err != nil {
				patternLog.Warn("invalid_primary_regex",
					slog.String("pattern", p),
					slog.String("error", err.Error()))
				continue
			}
			cs.primaryRegexps = append(cs.primaryRegexps, re)
			cs.primaryRaw = append(cs.primaryRaw, p)
		} else {
			cs.primaryStrings = append(cs.primaryStrings, strings.ToLower(p))
		}
	}

	for _, p := range raw.Fallback {
		if strings.HasPrefix(p, "re:") {
			re, err := regexp.Compile(p[3:])
			if err != nil {
				patternLog.Warn("invalid_fallback_regex",
					slog.String("pattern", p),
					slog.String("error", err.Error()))
				continue
			}
			cs.fallbackRegexps = append(cs.fallbackRegexps, re)
			cs.fallbackRaw = append(cs.fallbackRaw, p)
		} else {
			cs.fallbackStrings = append(cs.fallbackStrings, strings.ToLower(p))
		}
	}

	return cs, nil
}

// Detector classifies recent scrollback for known and unknown agents.
// It is pure, synchronous, and stateless after construction, so it is safe to
// run on every silence check.
type Detector struct {
	window    int
	sets      map[string]*compiledSet
	universal *compiledSet
}

// NewDetector builds a detector with the built-in pattern sets.
// overrides maps agentID to a replacement/extension set from config; pass nil
// for defaults only. window <= 0 uses DefaultScanWindow.
func NewDetector(window int, overrides map[string]*RawPatternSet) *Detector {
	if window <= 0 {
		window = DefaultScanWindow
	}

	d := &Detector{
		window: window,
		sets:   make(map[string]*compiledSet),
	}

	known := []string{"claude", "gemini", "codex", "opencode"}
	for _, id := range known {
		raw := MergeRawPatternSets(DefaultRawPatternSet(id), overrides[id], nil)
		cs, err := compile(raw)
		if err != nil {
			continue
		}
		d.sets[id] = cs
	}

	// Overrides may register agents with no built-in defaults.
	for id, raw := range overrides {
		if _, ok := d.sets[strings.ToLower(id)]; ok {
			continue
		}
		cs, err := compile(raw)
		if err != nil {
			continue
		}
		d.sets[strings.ToLower(id)] = cs
	}

	universal, _ := compile(universalRawPatternSet())
	d.universal = universal

	return d
}

// Match scans the last window lines of scrollback for the agent's patterns.
// Primary patterns are checked before fallback; the first hit wins. Returns
// false when nothing matched.
func (d *Detector) Match(agentID, scrollback string) (MatchResult, bool) {
	set, ok := d.sets[strings.ToLower(agentID)]
	if !ok {
		set = d.universal
	}

	window := lastLines(StripANSI(scrollback), d.window)
	lower := strings.ToLower(window)

	for _, p := range set.primaryStrings {
		if strings.Contains(lower, p) {
			return MatchResult{Pattern: p, Confidence: PrimaryConfidence}, true
		}
	}
	for i, re := range set.primaryRegexps {
		if re.MatchString(window) {
			return MatchResult{Pattern: set.primaryRaw[i], Confidence: PrimaryConfidence}, true
		}
	}

	for _, p := range set.fallbackStrings {
		if strings.Contains(lower, p) {
			return MatchResult{Pattern: p, Confidence: set.fallbackConfidence}, true
		}
	}
	for i, re := range set.fallbackRegexps {
		if re.MatchString(window) {
			return MatchResult{Pattern: set.fallbackRaw[i], Confidence: set.fallbackConfidence}, true
		}
	}

	return MatchResult{}, false
}

// lastLines returns the trailing n lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

func copySlice(s []string) []string {
	if s == nil {
		return nil
	}
	c := make([]string, len(s))
	copy(c, s)
	return c
}
