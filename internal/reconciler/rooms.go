package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/talkie/backend/internal/logging"
	"github.com/talkie/backend/internal/models"
)

// OnRemoteRoomUpdate derives the current speaker and the friend's last
// interaction from a room snapshot.
func (r *Reconciler) OnRemoteRoomUpdate(ctx context.Context, roomID string, doc models.RoomDocument, exists bool) error {
	ctx, span := logging.StartSpan(ctx, "reconciler.room_update", slog.String("roomId", roomID))
	defer span.End()
	logger := logging.FromContext(ctx)

	if !exists {
		logger.Info("room document missing")
		return nil
	}

	room := doc.Room()
	if room.ID == "" {
		room.ID = roomID
	}
	other := room.Other(r.cfg.UserID)
	if other == "" {
		logger.Warn("room does not include the user")
		return nil
	}
	if err := r.deps.Local.SaveRoom(ctx, room); err != nil {
		logger.Warn("cache room failed", slog.Any("error", err))
	}

	if err := r.speaker.Observe(room.ID, other, room.IsActive == 1); err != nil {
		logger.Warn("speaker update dropped", slog.Any("error", err))
	}

	if room.LastInteraction.IsZero() {
		return nil
	}
	bg := context.WithoutCancel(ctx)
	return r.tasks.Enqueue(interactionKey, func(complete func()) {
		defer complete()
		r.propagateInteraction(bg, other, room.LastInteraction)
	})
}

// propagateInteraction moves a friend with a new interaction to the front and selects them.
func (r *Reconciler) propagateInteraction(ctx context.Context, friendID string, at time.Time) {
	err := r.apply(func() {
		idx := models.IndexOfFriend(r.st.friends, friendID)
		if idx < 0 {
			return
		}
		rec := r.st.friends[idx]
		if rec.LastInteraction != nil && rec.LastInteraction.Equal(at) {
			return
		}
		t := at
		rec.LastInteraction = &t
		r.st.friends[idx] = rec
		models.SortFriends(r.st.friends)

		if err := r.deps.Local.SaveFriend(ctx, rec); err != nil {
			logging.FromContext(ctx).Error("cache friend failed", slog.Any("error", err))
		}
		r.notifyFriendsLocked()
		r.deps.Observer.CenterOnFirst()
		r.st.selectedID = r.st.friends[0].ID
		r.notifySelectionLocked()
	})
	if err != nil {
		logging.FromContext(ctx).Debug("interaction dropped", slog.Any("error", err))
	}
}
