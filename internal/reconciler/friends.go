package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/talkie/backend/internal/directory"
	"github.com/talkie/backend/internal/localstore"
	"github.com/talkie/backend/internal/logging"
	"github.com/talkie/backend/internal/models"
)

// OnRemoteFriendUpdate reconciles a snapshot of a friend's document. A friend
// whose document lists us neither as a friend nor as an inviter has removed us
// and is dropped locally.
func (r *Reconciler) OnRemoteFriendUpdate(ctx context.Context, friendID string, doc models.UserDocument, exists bool) error {
	ctx, span := logging.StartSpan(ctx, "reconciler.friend_update", slog.String("friendId", friendID))
	defer span.End()
	logger := logging.FromContext(ctx)

	if !exists {
		logger.Info("friend document missing")
		return nil
	}

	self := r.cfg.UserID
	if !slices.Contains(doc.FriendIDs, self) && !slices.Contains(doc.ReceivedInvitations, self) {
		logger.Info("friend removed us")
		return r.removeFriend(ctx, friendID, false)
	}

	existing, found := r.friendRecord(friendID)
	image, err := r.resolveImage(ctx, doc.ProfileImageRef, existing.ProfileImageRef, existing.ProfileImage)
	if err != nil {
		span.Fail(err)
		logger.Error("friend update abandoned", slog.Any("error", err))
		return err
	}

	var last *time.Time
	if found && existing.LastInteraction != nil {
		last = existing.LastInteraction
	} else {
		last = r.lookupInteraction(ctx, friendID)
	}
	record := doc.FriendRecord(self, image, last)
	if record.ID == "" {
		record.ID = friendID
	}

	return r.apply(func() {
		if _, gone := r.st.removed[friendID]; gone {
			return
		}
		if status, ok := r.st.presence[friendID]; ok {
			record.Status = status
		}

		if idx := models.IndexOfFriend(r.st.friends, friendID); idx >= 0 {
			if current := r.st.friends[idx].LastInteraction; current != nil {
				record.LastInteraction = current
			}
			r.st.friends[idx] = record
		} else {
			r.st.friends = append(r.st.friends, record)
		}

		if err := r.deps.Local.SaveFriend(ctx, record); err != nil {
			logger.Error("cache friend failed", slog.Any("error", err))
		}
		r.notifyFriendsLocked()

		switch r.st.selectedID {
		case friendID:
			r.notifySelectionLocked()
		case "":
			r.st.selectedID = r.st.friends[0].ID
			r.notifySelectionLocked()
		}
	})
}

// lookupInteraction reads the shared room's last interaction, preferring the
// local cache. It returns nil when the room is unknown.
func (r *Reconciler) lookupInteraction(ctx context.Context, friendID string) *time.Time {
	roomID := models.RoomID(r.cfg.UserID, friendID)
	if room, err := r.deps.Local.FetchRoom(ctx, roomID); err == nil {
		return interactionOf(room)
	}

	doc, err := r.deps.Directory.Get(ctx, models.CollectionRooms, roomID)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			logging.FromContext(ctx).Warn("room lookup failed", slog.String("roomId", roomID), slog.Any("error", err))
		}
		return nil
	}
	var roomDoc models.RoomDocument
	if err := doc.Decode(&roomDoc); err != nil {
		return nil
	}
	room := roomDoc.Room()
	if room.ID == "" {
		room.ID = roomID
	}
	if err := r.deps.Local.SaveRoom(ctx, room); err != nil {
		logging.FromContext(ctx).Warn("cache room failed", slog.Any("error", err))
	}
	return interactionOf(room)
}

func interactionOf(room models.RoomDto) *time.Time {
	if room.LastInteraction.IsZero() {
		return nil
	}
	t := room.LastInteraction
	return &t
}

// OnPresence records a friend's presence reported by the presence channel.
func (r *Reconciler) OnPresence(ctx context.Context, friendID string, status models.Status) {
	err := r.apply(func() {
		r.st.presence[friendID] = status
		idx := models.IndexOfFriend(r.st.friends, friendID)
		if idx < 0 || r.st.friends[idx].Status == status {
			return
		}
		r.st.friends[idx].Status = status
		if err := r.deps.Local.SaveFriend(ctx, r.st.friends[idx]); err != nil {
			logging.FromContext(ctx).Error("cache friend failed", slog.Any("error", err))
		}
		r.notifyFriendsLocked()
		if r.st.selectedID == friendID {
			r.notifySelectionLocked()
		}
	})
	if err != nil {
		logging.FromContext(ctx).Debug("presence dropped", slog.String("friendId", friendID), slog.Any("error", err))
	}
}

// SelectFriend makes friendID the talk target and re-derives the room name.
func (r *Reconciler) SelectFriend(ctx context.Context, friendID string) error {
	var (
		notFound bool
		roomName string
		changed  bool
	)
	if err := r.apply(func() {
		idx := models.IndexOfFriend(r.st.friends, friendID)
		if idx < 0 {
			notFound = true
			return
		}
		r.st.selectedID = friendID
		r.notifySelectionLocked()

		if r.st.user == nil {
			return
		}
		name := models.RoomName(r.st.user.DeviceToken, r.st.friends[idx].DeviceToken)
		if name == r.st.user.RoomName {
			return
		}
		u := r.st.user.Clone()
		u.RoomName = name
		r.publishUserLocked(ctx, u)
		roomName, changed = name, true
	}); err != nil {
		return err
	}
	if notFound {
		return ErrNoSuchFriend
	}
	if !changed {
		return nil
	}
	if err := r.deps.Directory.Update(ctx, models.CollectionUsers, r.cfg.UserID, directory.Fields{
		models.FieldRoomName: roomName,
	}); err != nil {
		return fmt.Errorf("update room name: %w", err)
	}
	return nil
}

func (r *Reconciler) alreadyAdded(ctx context.Context, friendID string) bool {
	user, ok := r.CurrentState()
	if !ok || !user.HasFriend(friendID) {
		return false
	}
	_, err := r.deps.Local.FetchFriend(ctx, r.cfg.UserID, friendID)
	return err == nil
}

// AddFriend adds the user whose pin matches. The friend receives an invitation
// and a friendRequest push.
func (r *Reconciler) AddFriend(ctx context.Context, pin string) error {
	ctx, span := logging.StartSpan(ctx, "reconciler.add_friend")
	defer span.End()
	logger := logging.FromContext(ctx)

	user, ok := r.CurrentState()
	if !ok {
		return ErrNotStarted
	}
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return ErrNoSuchFriend
	}
	if pin == user.Pin {
		return ErrSelfAdd
	}

	docs, err := r.deps.Directory.Query(ctx, models.CollectionUsers, models.FieldPin, pin)
	if err != nil {
		span.Fail(err)
		return fmt.Errorf("find user by pin: %w", err)
	}
	if len(docs) == 0 {
		return ErrNoSuchFriend
	}
	if len(docs) > 1 {
		logger.Warn("pin matches several users, using the first", slog.Int("matches", len(docs)))
	}

	var friend models.UserDocument
	if err := docs[0].Decode(&friend); err != nil {
		span.Fail(err)
		return err
	}
	friendID := docs[0].ID
	if friendID == r.cfg.UserID {
		return ErrSelfAdd
	}
	if r.alreadyAdded(ctx, friendID) {
		logger.Info("friend already added", slog.String("friendId", friendID))
		return nil
	}

	if err := r.deps.Directory.ArrayUnion(ctx, models.CollectionUsers, friendID, models.FieldReceivedInvitations, r.cfg.UserID); err != nil {
		span.Fail(err)
		return fmt.Errorf("invite %s: %w", friendID, err)
	}
	if err := r.deps.Directory.ArrayUnion(ctx, models.CollectionUsers, r.cfg.UserID, models.FieldSentInvitations, friendID); err != nil {
		span.Fail(err)
		return fmt.Errorf("record sent invitation: %w", err)
	}
	if friend.DeviceToken != "" {
		if err := r.deps.Notifier.SendPush(ctx, friend.DeviceToken, models.PushFriendRequest, r.cfg.UserID); err != nil {
			logger.Warn("friend request push failed", slog.Any("error", err))
		}
	}

	return r.addFriendByID(ctx, friendID, false)
}

// AddFriendByID adds friendID to the friend list, creates the shared room and
// starts listening to both. Adding a friend that is already listed and cached
// is a no-op.
func (r *Reconciler) AddFriendByID(ctx context.Context, friendID string) error {
	return r.addFriendByID(ctx, friendID, false)
}

func (r *Reconciler) addFriendByID(ctx context.Context, friendID string, force bool) error {
	ctx, span := logging.StartSpan(ctx, "reconciler.add_friend_by_id", slog.String("friendId", friendID))
	defer span.End()
	logger := logging.FromContext(ctx)

	self := r.cfg.UserID
	if friendID == self {
		return ErrSelfAdd
	}
	if _, ok := r.CurrentState(); !ok {
		return ErrNotStarted
	}
	if !force && r.alreadyAdded(ctx, friendID) {
		logger.Info("friend already added")
		return nil
	}

	doc, err := r.deps.Directory.Get(ctx, models.CollectionUsers, friendID)
	if errors.Is(err, directory.ErrNotFound) {
		return ErrNoSuchFriend
	}
	if err != nil {
		span.Fail(err)
		return fmt.Errorf("get friend %s: %w", friendID, err)
	}
	var friend models.UserDocument
	if err := doc.Decode(&friend); err != nil {
		span.Fail(err)
		return err
	}

	if err := r.deps.Directory.ArrayUnion(ctx, models.CollectionUsers, self, models.FieldFriendIDs, friendID); err != nil {
		span.Fail(err)
		return fmt.Errorf("add %s to friend list: %w", friendID, err)
	}

	// The room is rewritten in full even when it already exists.
	room := models.NewRoom(self, friendID, r.deps.Clock())
	fields, err := directory.ToFields(models.NewRoomDocument(room))
	if err != nil {
		return err
	}
	if err := r.deps.Directory.Set(ctx, models.CollectionRooms, room.ID, fields); err != nil {
		span.Fail(err)
		return fmt.Errorf("create room %s: %w", room.ID, err)
	}
	if err := r.deps.Local.SaveRoom(ctx, room); err != nil {
		logger.Warn("cache room failed", slog.Any("error", err))
	}

	image, err := r.resolveImage(ctx, friend.ProfileImageRef, "", nil)
	if err != nil {
		logger.Warn("friend image unavailable", slog.Any("error", err))
	}
	last := room.LastInteraction
	record := friend.FriendRecord(self, image, &last)
	record.ID = friendID

	if err := r.apply(func() {
		delete(r.st.removed, friendID)
		if r.st.user != nil && !r.st.user.HasFriend(friendID) {
			u := r.st.user.Clone()
			u.FriendIDs = append(u.FriendIDs, friendID)
			r.publishUserLocked(ctx, u)
		}
		if status, ok := r.st.presence[friendID]; ok {
			record.Status = status
		}
		if idx := models.IndexOfFriend(r.st.friends, friendID); idx >= 0 {
			r.st.friends[idx] = record
		} else {
			r.st.friends = append(r.st.friends, record)
		}
		if err := r.deps.Local.SaveFriend(ctx, record); err != nil {
			logger.Error("cache friend failed", slog.Any("error", err))
		}
		r.notifyFriendsLocked()
		if len(r.st.friends) == 1 || r.st.selectedID == "" {
			r.st.selectedID = friendID
			r.notifySelectionLocked()
		}
	}); err != nil {
		return err
	}

	r.watchFriend(ctx, friendID)
	logger.Info("friend added")
	return nil
}

// DeleteFriend unfriends friendID on both sides and stops listening to them.
func (r *Reconciler) DeleteFriend(ctx context.Context, friendID string) error {
	ctx, span := logging.StartSpan(ctx, "reconciler.delete_friend", slog.String("friendId", friendID))
	defer span.End()

	user, ok := r.CurrentState()
	if !ok {
		return ErrNotStarted
	}
	if _, found := r.friendRecord(friendID); !found && !user.HasFriend(friendID) {
		return ErrNoSuchFriend
	}
	if err := r.removeFriend(ctx, friendID, true); err != nil {
		span.Fail(err)
		return err
	}
	return nil
}

// removeFriend drops a friend from memory, the cache, the subscriptions and our
// own friend list. With remote set it also removes us from the friend's document.
func (r *Reconciler) removeFriend(ctx context.Context, friendID string, remote bool) error {
	logger := logging.FromContext(ctx)
	self := r.cfg.UserID

	r.unwatchFriend(friendID)

	if err := r.apply(func() {
		r.st.removed[friendID] = struct{}{}
		if err := r.deps.Local.DeleteFriend(ctx, self, friendID); err != nil && !errors.Is(err, localstore.ErrNotFound) {
			logger.Error("uncache friend failed", slog.Any("error", err))
		}
		if r.st.user != nil && r.st.user.HasFriend(friendID) {
			u := r.st.user.Clone()
			u.FriendIDs = slices.DeleteFunc(u.FriendIDs, func(id string) bool { return id == friendID })
			r.publishUserLocked(ctx, u)
		}

		idx := models.IndexOfFriend(r.st.friends, friendID)
		if idx < 0 {
			return
		}
		r.st.friends = slices.Delete(r.st.friends, idx, idx+1)
		r.notifyFriendsLocked()

		if len(r.st.friends) == 0 {
			r.st.selectedID = ""
			r.notifySelectionLocked()
			r.deps.Observer.ReturnToOnboarding()
			return
		}
		r.st.selectedID = r.st.friends[0].ID
		r.notifySelectionLocked()
	}); err != nil {
		return err
	}

	roomID := models.RoomID(self, friendID)
	if err := r.deps.Local.DeleteRoom(ctx, roomID); err != nil && !errors.Is(err, localstore.ErrNotFound) {
		logger.Warn("uncache room failed", slog.Any("error", err))
	}

	if err := r.deps.Directory.ArrayRemove(ctx, models.CollectionUsers, self, models.FieldFriendIDs, friendID); err != nil {
		return fmt.Errorf("remove %s from friend list: %w", friendID, err)
	}
	if !remote {
		return nil
	}

	r.handlers.Add(1)
	go func() {
		defer r.handlers.Done()
		bg := context.WithoutCancel(ctx)
		if err := r.deps.Directory.ArrayRemove(bg, models.CollectionUsers, friendID, models.FieldFriendIDs, self); err != nil {
			logger.Warn("remove reciprocal friendship failed", slog.Any("error", err))
		}
	}()
	return nil
}
