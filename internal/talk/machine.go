// Package talk drives the press-to-talk gesture: a pure state machine plus a
// controller that connects the call session and flags the friend's documents.
package talk

// State is the talk button state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnectedUnlocked
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnectedUnlocked:
		return "connected-unlocked"
	case StateLocked:
		return "locked"
	}
	return "unknown"
}

// Event is a discrete input to the state machine.
type Event int

const (
	EventPressBegan Event = iota
	EventThresholdCrossed
	EventPressEnded
	EventTimeout
	EventConnected
	EventFailed
)

func (e Event) String() string {
	switch e {
	case EventPressBegan:
		return "press-began"
	case EventThresholdCrossed:
		return "threshold-crossed"
	case EventPressEnded:
		return "press-ended"
	case EventTimeout:
		return "timeout"
	case EventConnected:
		return "connected"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// Action is a side effect requested by a transition.
type Action int

const (
	// ActionConnect fetches a token and joins the room.
	ActionConnect Action = iota
	// ActionCancelConnect abandons an in-flight connect.
	ActionCancelConnect
	// ActionBeginTalk publishes audio and flags the friend.
	ActionBeginTalk
	// ActionEndTalk reverses ActionBeginTalk and leaves the room.
	ActionEndTalk
	// ActionStartTimer arms the hard cap on the session length.
	ActionStartTimer
	// ActionStopTimer disarms it.
	ActionStopTimer
)

// Transition returns the next state and the actions to run. Events that do not
// apply to the current state leave it unchanged with no actions.
func Transition(s State, e Event) (State, []Action) {
	switch s {
	case StateIdle:
		if e == EventPressBegan {
			return StateConnecting, []Action{ActionStartTimer, ActionConnect}
		}

	case StateConnecting:
		switch e {
		case EventConnected:
			return StateConnectedUnlocked, []Action{ActionBeginTalk}
		case EventPressEnded, EventTimeout:
			return StateIdle, []Action{ActionStopTimer, ActionCancelConnect}
		case EventFailed:
			return StateIdle, []Action{ActionStopTimer}
		}

	case StateConnectedUnlocked:
		switch e {
		case EventThresholdCrossed:
			return StateLocked, nil
		case EventPressEnded, EventTimeout, EventFailed:
			return StateIdle, []Action{ActionStopTimer, ActionEndTalk}
		}

	case StateLocked:
		switch e {
		// A locked session survives the release; the next press ends it.
		case EventPressBegan, EventTimeout, EventFailed:
			return StateIdle, []Action{ActionStopTimer, ActionEndTalk}
		}
	}
	return s, nil
}
