package reconciler

import (
	"slices"

	"github.com/talkie/backend/internal/models"
)

// Effect is a side effect requested by the reducer and executed by the runner.
type Effect interface {
	isEffect()
}

// StartCall joins the incoming call for Room.
type StartCall struct{ Room string }

// StopCall leaves the incoming call.
type StopCall struct{}

// ProcessInvitations materializes the received invitation ids.
type ProcessInvitations struct{ IDs []string }

// FetchFriends starts tracking friends that appeared in the user document.
type FetchFriends struct{ IDs []string }

// PublishUser replaces the in-memory user and writes it through to the local store.
type PublishUser struct{ User models.UserState }

// SignOut ends the session because the user document is gone.
type SignOut struct{}

func (StartCall) isEffect()          {}
func (StopCall) isEffect()           {}
func (ProcessInvitations) isEffect() {}
func (FetchFriends) isEffect()       {}
func (PublishUser) isEffect()        {}
func (SignOut) isEffect()            {}

// ReduceUser folds a remote user snapshot into the previous state. prev is nil
// before any state is known. exists is false when the remote document is gone.
//
// Call requests are edge triggered on hasIncomingCallRequest. Friend ids are
// only ever added from a snapshot; removal needs an explicit action.
func ReduceUser(prev *models.UserState, next models.UserState, exists bool) (models.UserState, []Effect) {
	if !exists {
		if prev != nil {
			return *prev, []Effect{SignOut{}}
		}
		return models.UserState{}, []Effect{SignOut{}}
	}

	var effects []Effect
	if prev == nil || !prev.Equal(next) {
		effects = append(effects, PublishUser{User: next})
	}

	wasCalling := prev != nil && prev.HasIncomingCallRequest
	switch {
	case next.HasIncomingCallRequest && !wasCalling:
		effects = append(effects, StartCall{Room: next.RoomName})
	case !next.HasIncomingCallRequest && wasCalling:
		effects = append(effects, StopCall{})
	}

	if prev == nil || !slices.Equal(prev.ReceivedInvitations, next.ReceivedInvitations) {
		effects = append(effects, ProcessInvitations{IDs: slices.Clone(next.ReceivedInvitations)})
	}

	var known []string
	if prev != nil {
		known = prev.FriendIDs
	}
	var added []string
	for _, id := range next.FriendIDs {
		if !slices.Contains(known, id) && !slices.Contains(added, id) {
			added = append(added, id)
		}
	}
	if len(added) > 0 {
		effects = append(effects, FetchFriends{IDs: added})
	}

	return next, effects
}
