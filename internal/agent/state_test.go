package agent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Exhaustive: every state against every event type, with exit split by
// code. Pairs absent from the moves table are no-ops returning the
// unchanged state.
func TestNextStateTable(t *testing.T) {
	states := []State{StateIdle, StateWorking, StateWaiting, StateCompleted, StateFailed}
	events := []Event{
		{Type: EventStart},
		{Type: EventInput},
		{Type: EventBusy},
		{Type: EventPrompt},
		{Type: EventExit, ExitCode: 0},
		{Type: EventExit, ExitCode: 137},
		{Type: EventError},
		{Type: EventFailed},
	}

	type pair struct {
		state State
		ev    EventType
		code  int
	}
	moves := map[pair]State{
		{StateIdle, EventStart, 0}: StateWorking,
		{StateIdle, EventInput, 0}: StateWorking,
		{StateIdle, EventBusy, 0}:  StateWorking,
		{StateIdle, EventError, 0}: StateFailed,

		{StateWorking, EventBusy, 0}:   StateWorking,
		{StateWorking, EventPrompt, 0}: StateWaiting,
		{StateWorking, EventExit, 0}:   StateCompleted,
		{StateWorking, EventExit, 137}: StateFailed,
		{StateWorking, EventError, 0}:  StateFailed,

		{StateWaiting, EventBusy, 0}:   StateWorking,
		{StateWaiting, EventInput, 0}:  StateWorking,
		{StateWaiting, EventExit, 0}:   StateCompleted,
		{StateWaiting, EventExit, 137}: StateFailed,
		{StateWaiting, EventError, 0}:  StateFailed,

		{StateCompleted, EventError, 0}: StateFailed,

		{StateFailed, EventError, 0}:  StateFailed,
		{StateFailed, EventFailed, 0}: StateFailed,
	}

	for _, state := range states {
		for _, ev := range events {
			want, moved := moves[pair{state, ev.Type, ev.ExitCode}]
			if !moved {
				want = state
			}
			name := fmt.Sprintf("%s %s", state, ev.Type)
			if ev.Type == EventExit {
				name = fmt.Sprintf("%s exit %d", state, ev.ExitCode)
			}
			t.Run(name, func(t *testing.T) {
				assert.Equal(t, want, NextState(state, ev))
			})
		}
	}
}

func TestNextStateErrorOverridesEverything(t *testing.T) {
	states := []State{StateIdle, StateWorking, StateWaiting, StateCompleted, StateFailed}
	for _, s := range states {
		assert.Equal(t, StateFailed, NextState(s, Event{Type: EventError}),
			"error from %s", s)
	}
}

func TestIsValidTransition(t *testing.T) {
	states := []State{StateIdle, StateWorking, StateWaiting, StateCompleted, StateFailed}

	valid := map[State]map[State]bool{
		StateIdle:    {StateWorking: true},
		StateWorking: {StateWorking: true, StateWaiting: true, StateCompleted: true},
		StateWaiting: {StateWorking: true, StateCompleted: true},
	}

	for _, from := range states {
		for _, to := range states {
			want := valid[from][to]
			// any state may fail
			if to == StateFailed {
				want = true
			}
			assert.Equal(t, want, IsValidTransition(from, to), "%s -> %s", from, to)
		}
	}
}

// A slower tier reporting prompt after the process already exited must not
// produce a transition the table forbids.
func TestStaleTierEventsRejected(t *testing.T) {
	state := StateCompleted
	next := NextState(state, Event{Type: EventPrompt})
	assert.Equal(t, StateCompleted, next)
	assert.False(t, IsValidTransition(state, StateWaiting))
}
