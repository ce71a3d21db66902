package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/talkie/backend/internal/directory"
	"github.com/talkie/backend/internal/logging"
	"github.com/talkie/backend/internal/models"
)

// resolveImage fetches the bytes behind ref, reusing current when the reference
// has not changed.
func (r *Reconciler) resolveImage(ctx context.Context, ref, currentRef string, current []byte) ([]byte, error) {
	if ref == "" {
		return nil, nil
	}
	if ref == currentRef && current != nil {
		return current, nil
	}
	image, err := r.deps.Blobs.Fetch(ctx, ref, r.cfg.ImageMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch image %s: %w", ref, err)
	}
	return image, nil
}

// OnRemoteUserUpdate reconciles a snapshot of the user's own document. exists
// is false when the document is gone, which ends the session.
func (r *Reconciler) OnRemoteUserUpdate(ctx context.Context, doc models.UserDocument, exists bool) error {
	ctx, span := logging.StartSpan(ctx, "reconciler.user_update", slog.String("userId", r.cfg.UserID))
	defer span.End()
	logger := logging.FromContext(ctx)

	var next models.UserState
	if exists {
		current, _ := r.CurrentState()
		image, err := r.resolveImage(ctx, doc.ProfileImageRef, current.ProfileImageRef, current.ProfileImage)
		next = doc.UserState(image)
		if err != nil {
			// The rest of the document still applies; the image is retried on the next snapshot.
			logger.Warn("profile image unavailable, keeping previous", slog.Any("error", err))
			next.ProfileImageRef = current.ProfileImageRef
			next.ProfileImage = current.ProfileImage
		}
	} else {
		logger.Warn("user document missing")
	}

	var effects []Effect
	if err := r.apply(func() {
		_, effects = ReduceUser(r.st.user, next, exists)
		for _, e := range effects {
			if p, ok := e.(PublishUser); ok {
				r.publishUserLocked(ctx, p.User.Clone())
			}
		}
	}); err != nil {
		return err
	}

	r.runEffects(ctx, effects)
	return nil
}

// runEffects executes reducer effects other than PublishUser, which the loop
// has already applied.
func (r *Reconciler) runEffects(ctx context.Context, effects []Effect) {
	logger := logging.FromContext(ctx)
	for _, effect := range effects {
		switch e := effect.(type) {
		case PublishUser:
		case StartCall:
			if err := r.deps.Calls.JoinIncoming(ctx, e.Room); err != nil {
				logger.Error("join incoming call failed", slog.String("room", e.Room), slog.Any("error", err))
			}
		case StopCall:
			r.deps.Calls.LeaveIncoming(ctx)
		case ProcessInvitations:
			if err := r.invitations.Process(ctx, e.IDs); err != nil {
				logger.Error("queue invitations failed", slog.Any("error", err))
			}
		case FetchFriends:
			for _, id := range e.IDs {
				r.trackFriend(ctx, id)
			}
		case SignOut:
			if err := r.SignOut(ctx); err != nil {
				logger.Error("forced sign out failed", slog.Any("error", err))
			}
		}
	}
}

// trackFriend starts listening to a friend that appeared in the user document.
// The first snapshot of the subscription adds the friend record. A friend removed
// in this session is only revived by an explicit add, since the snapshot listing
// them may predate the removal.
func (r *Reconciler) trackFriend(ctx context.Context, friendID string) {
	if friendID == r.cfg.UserID {
		return
	}
	var removed bool
	if err := r.apply(func() { _, removed = r.st.removed[friendID] }); err != nil || removed {
		return
	}
	r.watchFriend(ctx, friendID)
}

// mutateUser applies a local change to the user: memory and the local store are
// updated together on the loop, then the returned fields are written remotely.
func (r *Reconciler) mutateUser(ctx context.Context, mutate func(u *models.UserState, selected *models.FriendRecord) directory.Fields) error {
	var (
		fields  directory.Fields
		missing bool
	)
	if err := r.apply(func() {
		if r.st.user == nil {
			missing = true
			return
		}
		u := r.st.user.Clone()
		fields = mutate(&u, r.selectedLocked())
		if u.Equal(*r.st.user) {
			fields = nil
			return
		}
		r.publishUserLocked(ctx, u)
	}); err != nil {
		return err
	}
	if missing {
		return ErrNotStarted
	}
	if len(fields) == 0 {
		return nil
	}
	if err := r.deps.Directory.Update(ctx, models.CollectionUsers, r.cfg.UserID, fields); err != nil {
		return fmt.Errorf("update user %s: %w", r.cfg.UserID, err)
	}
	return nil
}

// SetStatus records whether the app is in the foreground or background.
func (r *Reconciler) SetStatus(ctx context.Context, status models.Status) error {
	if status != models.StatusForeground && status != models.StatusBackground {
		return fmt.Errorf("invalid status %q", status)
	}
	now := r.deps.Clock().UTC()
	return r.mutateUser(ctx, func(u *models.UserState, _ *models.FriendRecord) directory.Fields {
		u.Status = status
		u.LastActive = now
		return directory.Fields{
			models.FieldStatus:     status,
			models.FieldLastActive: now,
		}
	})
}

// SetDeviceToken records the push token of this device and re-derives the room name.
func (r *Reconciler) SetDeviceToken(ctx context.Context, token string) error {
	return r.mutateUser(ctx, func(u *models.UserState, selected *models.FriendRecord) directory.Fields {
		u.DeviceToken = token
		fields := directory.Fields{models.FieldDeviceToken: token}
		if selected != nil {
			u.RoomName = models.RoomName(token, selected.DeviceToken)
			fields[models.FieldRoomName] = u.RoomName
		}
		return fields
	})
}

// SetBusy records whether the user can take calls.
func (r *Reconciler) SetBusy(ctx context.Context, busy bool) error {
	return r.mutateUser(ctx, func(u *models.UserState, _ *models.FriendRecord) directory.Fields {
		u.IsBusy = busy
		return directory.Fields{models.FieldIsBusy: busy}
	})
}

// SignOut clears the local cache, drops every subscription and ends the session.
func (r *Reconciler) SignOut(ctx context.Context) error {
	ctx, span := logging.StartSpan(ctx, "reconciler.sign_out", slog.String("userId", r.cfg.UserID))
	defer span.End()
	logger := logging.FromContext(ctx)

	r.unwatchAll()
	if err := r.deps.Local.DeleteAll(ctx); err != nil {
		logger.Error("clear local cache failed", slog.Any("error", err))
	}
	if err := r.apply(func() {
		r.st = state{
			presence: make(map[string]models.Status),
			removed:  make(map[string]struct{}),
		}
	}); err != nil && !errors.Is(err, ErrClosed) {
		logger.Warn("reset state failed", slog.Any("error", err))
	}
	r.deps.Calls.LeaveIncoming(ctx)

	if err := r.deps.Session.SignOut(ctx); err != nil {
		span.Fail(err)
		return fmt.Errorf("sign out: %w", err)
	}
	logger.Info("signed out")
	return nil
}
