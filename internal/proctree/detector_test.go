package proctree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runDetector(t *testing.T, snap Snapshot, rootPID int) []Result {
	t.Helper()
	cache := NewCache()

	var results []Result
	d := NewDetector(cache, "test-session", rootPID, func(res Result) {
		results = append(results, res)
	})
	t.Cleanup(d.Stop)

	cache.Replace(snap)
	return results
}

func TestDetectorFindsAgentThroughShell(t *testing.T) {
	snap := Snapshot{
		{PID: 100, PPID: 1, Comm: "zsh"},
		{PID: 200, PPID: 100, Comm: "claude", Command: "claude --continue"},
	}
	results := runDetector(t, snap, 100)

	require.Len(t, results, 1)
	res := results[0]
	assert.True(t, res.Detected)
	assert.Equal(t, "claude", res.AgentType)
	assert.True(t, res.IsBusy)
	assert.Equal(t, "claude --continue", res.CurrentCommand)
}

// An agent beats a package manager regardless of which the scan encounters
// first.
func TestDetectorAgentOutranksPackageManager(t *testing.T) {
	orders := []Snapshot{
		{
			{PID: 100, PPID: 1, Comm: "zsh"},
			{PID: 200, PPID: 100, Comm: "npm", Command: "npm run dev"},
			{PID: 201, PPID: 100, Comm: "claude", Command: "claude"},
		},
		{
			{PID: 100, PPID: 1, Comm: "zsh"},
			{PID: 200, PPID: 100, Comm: "claude", Command: "claude"},
			{PID: 201, PPID: 100, Comm: "npm", Command: "npm run dev"},
		},
	}
	for i, snap := range orders {
		results := runDetector(t, snap, 100)
		require.Len(t, results, 1, "order %d", i)
		assert.Equal(t, "claude", results[0].AgentType, "order %d", i)
	}
}

func TestDetectorPackageManagerOutranksTool(t *testing.T) {
	snap := Snapshot{
		{PID: 100, PPID: 1, Comm: "bash"},
		{PID: 200, PPID: 100, Comm: "git", Command: "git status"},
		{PID: 201, PPID: 100, Comm: "npm", Command: "npm install"},
	}
	results := runDetector(t, snap, 100)

	require.Len(t, results, 1)
	res := results[0]
	assert.False(t, res.Detected)
	assert.Equal(t, "package", res.ProcessIconID)
	assert.Equal(t, "npm install", res.CurrentCommand)
}

// Equal ranks keep the first candidate encountered.
func TestDetectorEncounterOrderBreaksTies(t *testing.T) {
	snap := Snapshot{
		{PID: 100, PPID: 1, Comm: "bash"},
		{PID: 200, PPID: 100, Comm: "git", Command: "git diff"},
		{PID: 201, PPID: 100, Comm: "docker", Command: "docker build ."},
	}
	results := runDetector(t, snap, 100)

	require.Len(t, results, 1)
	assert.Equal(t, "git diff", results[0].CurrentCommand)
}

func TestDetectorRawCommandFallback(t *testing.T) {
	snap := Snapshot{
		{PID: 100, PPID: 1, Comm: "sh"},
		{PID: 200, PPID: 100, Comm: "my-script", Command: "./my-script --fast"},
	}
	results := runDetector(t, snap, 100)

	require.Len(t, results, 1)
	res := results[0]
	assert.False(t, res.Detected)
	assert.Empty(t, res.ProcessIconID)
	assert.True(t, res.IsBusy)
	assert.Equal(t, "my-script", res.ProcessName)
}

func TestDetectorIdleWhenNoChildren(t *testing.T) {
	snap := Snapshot{
		{PID: 100, PPID: 1, Comm: "zsh"},
	}
	// Detector only emits on change; the first inspection of an idle tree
	// still reports the initial (not busy) result.
	results := runDetector(t, snap, 100)

	require.Len(t, results, 1)
	assert.False(t, results[0].IsBusy)
	assert.False(t, results[0].Detected)
}

// Agents re-exec'd behind a runner appear as grandchildren of the direct
// child; one extra level is scanned.
func TestDetectorScansGrandchildren(t *testing.T) {
	snap := Snapshot{
		{PID: 100, PPID: 1, Comm: "zsh"},
		{PID: 200, PPID: 100, Comm: "npm", Command: "npm exec claude"},
		{PID: 300, PPID: 200, Comm: "claude", Command: "claude"},
	}
	results := runDetector(t, snap, 100)

	require.Len(t, results, 1)
	assert.Equal(t, "claude", results[0].AgentType)
}

func TestDetectorDedupsUnchangedResults(t *testing.T) {
	cache := NewCache()
	snap := Snapshot{
		{PID: 100, PPID: 1, Comm: "zsh"},
		{PID: 200, PPID: 100, Comm: "claude", Command: "claude"},
	}

	var results []Result
	d := NewDetector(cache, "s", 100, func(res Result) { results = append(results, res) })
	defer d.Stop()

	cache.Replace(snap)
	cache.Replace(snap)
	cache.Replace(snap)
	assert.Len(t, results, 1)

	// A changed command line is a visible change and re-emits.
	snap2 := Snapshot{
		{PID: 100, PPID: 1, Comm: "zsh"},
		{PID: 200, PPID: 100, Comm: "claude", Command: "claude --resume"},
	}
	cache.Replace(snap2)
	assert.Len(t, results, 2)
}

func TestDetectorStopsEmitting(t *testing.T) {
	cache := NewCache()

	var results []Result
	d := NewDetector(cache, "s", 100, func(res Result) { results = append(results, res) })

	cache.Replace(Snapshot{
		{PID: 100, PPID: 1, Comm: "zsh"},
		{PID: 200, PPID: 100, Comm: "claude"},
	})
	require.Len(t, results, 1)

	d.Stop()
	d.Stop() // idempotent
	cache.Replace(Snapshot{
		{PID: 100, PPID: 1, Comm: "zsh"},
		{PID: 200, PPID: 100, Comm: "gemini"},
	})
	assert.Len(t, results, 1)
}

func TestKnownAgent(t *testing.T) {
	id, ok := KnownAgent("Claude")
	require.True(t, ok)
	assert.Equal(t, "claude", id)

	id, ok = KnownAgent("cursor-agent")
	require.True(t, ok)
	assert.Equal(t, "cursor", id)

	_, ok = KnownAgent("vim")
	assert.False(t, ok)
}
