package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/talkie/backend/internal/localstore"
	"github.com/talkie/backend/internal/logging"
	"github.com/talkie/backend/internal/models"
)

// InvitationPipeline turns received invitation ids into displayable invitations.
// Each list is processed to completion before the next one starts, so the last
// published batch always reflects the last list.
type InvitationPipeline struct {
	r *Reconciler
}

// Process queues ids for resolution. An empty list clears the invitations.
func (p *InvitationPipeline) Process(ctx context.Context, ids []string) error {
	ids = slices.Clone(ids)
	ctx = context.WithoutCancel(ctx)
	return p.r.tasks.Enqueue(invitationsKey, func(complete func()) {
		defer complete()
		p.resolveAndPublish(ctx, ids)
	})
}

func (p *InvitationPipeline) resolveAndPublish(ctx context.Context, ids []string) {
	ctx, span := logging.StartSpan(ctx, "reconciler.invitations", slog.Int("count", len(ids)))
	defer span.End()
	logger := logging.FromContext(ctx)

	batch := make([]models.Invitation, 0, len(ids))
	for _, id := range ids {
		invitation, err := p.resolve(ctx, id)
		if err != nil {
			logger.Warn("skip invitation", slog.String("friendId", id), slog.Any("error", err))
			continue
		}
		batch = append(batch, invitation)
	}

	err := p.r.apply(func() {
		p.r.st.invitations = batch
		p.r.deps.Observer.InvitationsChanged(slices.Clone(batch))
	})
	if err != nil {
		logger.Debug("invitations dropped", slog.Any("error", err))
	}
}

// resolve reads the inviter from the local cache, falling back to the directory
// and caching the result.
func (p *InvitationPipeline) resolve(ctx context.Context, id string) (models.Invitation, error) {
	r := p.r
	record, err := r.deps.Local.FetchFriend(ctx, r.cfg.UserID, id)
	if err == nil {
		return record.Invitation(), nil
	}
	if !errors.Is(err, localstore.ErrNotFound) {
		logging.FromContext(ctx).Warn("cached inviter unreadable", slog.String("friendId", id), slog.Any("error", err))
	}

	doc, err := r.deps.Directory.Get(ctx, models.CollectionUsers, id)
	if err != nil {
		return models.Invitation{}, fmt.Errorf("get inviter: %w", err)
	}
	var inviter models.UserDocument
	if err := doc.Decode(&inviter); err != nil {
		return models.Invitation{}, err
	}
	image, err := r.resolveImage(ctx, inviter.ProfileImageRef, "", nil)
	if err != nil {
		return models.Invitation{}, err
	}
	record = inviter.FriendRecord(r.cfg.UserID, image, nil)
	record.ID = id
	if err := r.deps.Local.SaveFriend(ctx, record); err != nil {
		logging.FromContext(ctx).Warn("cache inviter failed", slog.Any("error", err))
	}
	return record.Invitation(), nil
}

// Accept makes the inviter a friend on both sides and clears the invitation.
func (p *InvitationPipeline) Accept(ctx context.Context, friendID string) error {
	r := p.r
	ctx, span := logging.StartSpan(ctx, "reconciler.accept_invitation", slog.String("friendId", friendID))
	defer span.End()

	self := r.cfg.UserID
	if friendID == self {
		return ErrSelfAdd
	}
	// Friend lists are joined before the invitations are removed so the inviter
	// never observes a document that lists us as neither.
	steps := []struct {
		id, field, value string
		remove           bool
	}{
		{self, models.FieldFriendIDs, friendID, false},
		{friendID, models.FieldFriendIDs, self, false},
		{self, models.FieldReceivedInvitations, friendID, true},
		{friendID, models.FieldSentInvitations, self, true},
	}
	for _, s := range steps {
		var err error
		if s.remove {
			err = r.deps.Directory.ArrayRemove(ctx, models.CollectionUsers, s.id, s.field, s.value)
		} else {
			err = r.deps.Directory.ArrayUnion(ctx, models.CollectionUsers, s.id, s.field, s.value)
		}
		if err != nil {
			span.Fail(err)
			return fmt.Errorf("accept invitation from %s: update %s.%s: %w", friendID, s.id, s.field, err)
		}
	}

	if err := r.addFriendByID(ctx, friendID, true); err != nil {
		span.Fail(err)
		return err
	}

	if friend, ok := r.friendRecord(friendID); ok && friend.DeviceToken != "" {
		if err := r.deps.Notifier.SendPush(ctx, friend.DeviceToken, models.PushFriendAccepted, self); err != nil {
			logging.FromContext(ctx).Warn("friend accepted push failed", slog.Any("error", err))
		}
	}
	return nil
}

// Decline clears the invitation on both sides and forgets the cached inviter.
func (p *InvitationPipeline) Decline(ctx context.Context, friendID string) error {
	r := p.r
	ctx, span := logging.StartSpan(ctx, "reconciler.decline_invitation", slog.String("friendId", friendID))
	defer span.End()

	self := r.cfg.UserID
	if err := r.deps.Directory.ArrayRemove(ctx, models.CollectionUsers, self, models.FieldReceivedInvitations, friendID); err != nil {
		span.Fail(err)
		return fmt.Errorf("decline invitation from %s: %w", friendID, err)
	}
	if err := r.deps.Directory.ArrayRemove(ctx, models.CollectionUsers, friendID, models.FieldSentInvitations, self); err != nil {
		span.Fail(err)
		return fmt.Errorf("clear sent invitation on %s: %w", friendID, err)
	}
	if err := r.deps.Local.DeleteFriend(ctx, self, friendID); err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return fmt.Errorf("uncache inviter %s: %w", friendID, err)
	}
	return nil
}

// AcceptInvitation accepts the invitation from friendID.
func (r *Reconciler) AcceptInvitation(ctx context.Context, friendID string) error {
	return r.invitations.Accept(ctx, friendID)
}

// DeclineInvitation declines the invitation from friendID.
func (r *Reconciler) DeclineInvitation(ctx context.Context, friendID string) error {
	return r.invitations.Decline(ctx, friendID)
}
