package reconciler

import (
	"log/slog"
	"sync"

	"github.com/talkie/backend/internal/models"
)

// Observer receives published state changes. Callbacks run on the reconciler's
// main loop and must not call back into methods that mutate state.
type Observer interface {
	UserChanged(user models.UserState)
	FriendsChanged(friends []models.FriendRecord)
	SelectionChanged(friend *models.FriendRecord)
	SpeakerChanged(speakerID string)
	InvitationsChanged(invitations []models.Invitation)
	// CenterOnFirst asks the surface to scroll to the first friend.
	CenterOnFirst()
	// ReturnToOnboarding asks the surface to show the add-friend step.
	ReturnToOnboarding()
}

// NopObserver ignores every change. Embed it to implement a subset of Observer.
type NopObserver struct{}

func (NopObserver) UserChanged(models.UserState)           {}
func (NopObserver) FriendsChanged([]models.FriendRecord)   {}
func (NopObserver) SelectionChanged(*models.FriendRecord)  {}
func (NopObserver) SpeakerChanged(string)                  {}
func (NopObserver) InvitationsChanged([]models.Invitation) {}
func (NopObserver) CenterOnFirst()                         {}
func (NopObserver) ReturnToOnboarding()                    {}

// LogObserver logs every published change.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) UserChanged(user models.UserState) {
	o.Logger.Info("user changed",
		slog.String("userId", user.ID),
		slog.String("status", string(user.Status)),
		slog.Int("friends", len(user.FriendIDs)),
		slog.Int("receivedInvitations", len(user.ReceivedInvitations)),
		slog.Bool("hasIncomingCallRequest", user.HasIncomingCallRequest),
	)
}

func (o LogObserver) FriendsChanged(friends []models.FriendRecord) {
	ids := make([]string, 0, len(friends))
	for _, f := range friends {
		ids = append(ids, f.ID)
	}
	o.Logger.Info("friends changed", slog.Any("friendIds", ids))
}

func (o LogObserver) SelectionChanged(friend *models.FriendRecord) {
	if friend == nil {
		o.Logger.Info("selection cleared")
		return
	}
	o.Logger.Info("selection changed", slog.String("friendId", friend.ID))
}

func (o LogObserver) SpeakerChanged(speakerID string) {
	o.Logger.Info("speaker changed", slog.String("speakerId", speakerID))
}

func (o LogObserver) InvitationsChanged(invitations []models.Invitation) {
	o.Logger.Info("invitations changed", slog.Int("count", len(invitations)))
}

func (o LogObserver) CenterOnFirst() {
	o.Logger.Debug("center on first friend")
}

func (o LogObserver) ReturnToOnboarding() {
	o.Logger.Info("no friends left, returning to onboarding")
}

// view is the published copy of the loop state. It can be read from any goroutine.
type view struct {
	mu          sync.RWMutex
	user        *models.UserState
	friends     []models.FriendRecord
	selected    *models.FriendRecord
	speaker     string
	invitations []models.Invitation
}

// CurrentState returns the published user, or false before one is known.
func (r *Reconciler) CurrentState() (models.UserState, bool) {
	r.view.mu.RLock()
	defer r.view.mu.RUnlock()
	if r.view.user == nil {
		return models.UserState{}, false
	}
	return r.view.user.Clone(), true
}

// Friends returns the published friend collection in display order.
func (r *Reconciler) Friends() []models.FriendRecord {
	r.view.mu.RLock()
	defer r.view.mu.RUnlock()
	out := make([]models.FriendRecord, len(r.view.friends))
	for i, f := range r.view.friends {
		out[i] = f.Clone()
	}
	return out
}

// SelectedFriend returns the selected friend, or false when none is selected.
func (r *Reconciler) SelectedFriend() (models.FriendRecord, bool) {
	r.view.mu.RLock()
	defer r.view.mu.RUnlock()
	if r.view.selected == nil {
		return models.FriendRecord{}, false
	}
	return r.view.selected.Clone(), true
}

// CurrentSpeaker returns the id of the friend currently talking, or "".
func (r *Reconciler) CurrentSpeaker() string {
	r.view.mu.RLock()
	defer r.view.mu.RUnlock()
	return r.view.speaker
}

// PendingInvitations returns the last published invitation batch.
func (r *Reconciler) PendingInvitations() []models.Invitation {
	r.view.mu.RLock()
	defer r.view.mu.RUnlock()
	out := make([]models.Invitation, len(r.view.invitations))
	copy(out, r.view.invitations)
	return out
}
