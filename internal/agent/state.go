package agent

// State is the detected lifecycle state of an agent session.
type State string

const (
	StateIdle      State = "idle"      // spawned, no task started yet
	StateWorking   State = "working"   // actively producing output
	StateWaiting   State = "waiting"   // needs user input
	StateCompleted State = "completed" // task finished cleanly
	StateFailed    State = "failed"    // task failed or process errored
)

// EventType identifies a discrete lifecycle event fed to the state machine.
type EventType string

const (
	EventStart  EventType = "start"  // user or tool kicked off a task
	EventInput  EventType = "input"  // user typed into the session
	EventBusy   EventType = "busy"   // activity observed (output, busy process)
	EventPrompt EventType = "prompt" // agent is asking for input
	EventExit   EventType = "exit"   // child process exited (carries code)
	EventError  EventType = "error"  // unconditional failure
	EventFailed EventType = "failed" // failure detail update
)

// Event is a lifecycle event with optional exit code and message detail.
type Event struct {
	Type     EventType
	ExitCode int
	Message  string
}

// NextState returns the state reached from state via ev. Pairs not covered by
// the transition table are no-ops returning the unchanged state, so callers
// can feed every event through without pre-filtering.
//
// Table:
//
//	idle      --start/input/busy--> working
//	working   --busy-->             working
//	working   --prompt-->           waiting
//	working   --exit(0)-->          completed
//	working   --exit(!=0)-->        failed
//	waiting   --busy/input-->       working
//	waiting   --exit(0)-->          completed
//	waiting   --exit(!=0)-->        failed
//	completed --error-->            failed
//	failed    --error/failed-->     failed (message update only)
//	any       --error-->            failed
func NextState(state State, ev Event) State {
	// Errors override every state, including completed.
	if ev.Type == EventError {
		return StateFailed
	}

	switch state {
	case StateIdle:
		switch ev.Type {
		case EventStart, EventInput, EventBusy:
			return StateWorking
		}
	case StateWorking:
		switch ev.Type {
		case EventBusy:
			return StateWorking
		case EventPrompt:
			return StateWaiting
		case EventExit:
			if ev.ExitCode == 0 {
				return StateCompleted
			}
			return StateFailed
		}
	case StateWaiting:
		switch ev.Type {
		case EventBusy, EventInput:
			return StateWorking
		case EventExit:
			if ev.ExitCode == 0 {
				return StateCompleted
			}
			return StateFailed
		}
	case StateFailed:
		if ev.Type == EventFailed {
			return StateFailed
		}
	}

	return state
}

// IsValidTransition reports whether from -> to appears in the transition
// table. Used to reject stale or duplicate updates arriving from slower
// detection tiers after a faster tier already moved the state.
func IsValidTransition(from, to State) bool {
	// any --error--> failed
	if to == StateFailed {
		return true
	}

	switch from {
	case StateIdle:
		return to == StateWorking
	case StateWorking:
		return to == StateWorking || to == StateWaiting || to == StateCompleted
	case StateWaiting:
		return to == StateWorking || to == StateCompleted
	}

	return false
}
