package talk

import (
	"slices"
	"testing"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		event   Event
		want    State
		actions []Action
	}{
		{"press starts connecting", StateIdle, EventPressBegan, StateConnecting, []Action{ActionStartTimer, ActionConnect}},
		{"release while idle is ignored", StateIdle, EventPressEnded, StateIdle, nil},
		{"connected begins talking", StateConnecting, EventConnected, StateConnectedUnlocked, []Action{ActionBeginTalk}},
		{"release while connecting cancels", StateConnecting, EventPressEnded, StateIdle, []Action{ActionStopTimer, ActionCancelConnect}},
		{"timeout while connecting cancels", StateConnecting, EventTimeout, StateIdle, []Action{ActionStopTimer, ActionCancelConnect}},
		{"failure while connecting", StateConnecting, EventFailed, StateIdle, []Action{ActionStopTimer}},
		{"threshold before connected is ignored", StateConnecting, EventThresholdCrossed, StateConnecting, nil},
		{"threshold locks", StateConnectedUnlocked, EventThresholdCrossed, StateLocked, nil},
		{"release ends unlocked talk", StateConnectedUnlocked, EventPressEnded, StateIdle, []Action{ActionStopTimer, ActionEndTalk}},
		{"timeout ends unlocked talk", StateConnectedUnlocked, EventTimeout, StateIdle, []Action{ActionStopTimer, ActionEndTalk}},
		{"release keeps locked talk", StateLocked, EventPressEnded, StateLocked, nil},
		{"press ends locked talk", StateLocked, EventPressBegan, StateIdle, []Action{ActionStopTimer, ActionEndTalk}},
		{"timeout ends locked talk", StateLocked, EventTimeout, StateIdle, []Action{ActionStopTimer, ActionEndTalk}},
		{"failure ends locked talk", StateLocked, EventFailed, StateIdle, []Action{ActionStopTimer, ActionEndTalk}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, actions := Transition(tt.state, tt.event)
			if got != tt.want {
				t.Fatalf("expected %s got %s", tt.want, got)
			}
			if !slices.Equal(actions, tt.actions) {
				t.Fatalf("expected actions %v got %v", tt.actions, actions)
			}
		})
	}
}
