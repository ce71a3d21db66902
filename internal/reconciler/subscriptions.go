package reconciler

import (
	"context"
	"log/slog"

	"github.com/talkie/backend/internal/directory"
	"github.com/talkie/backend/internal/logging"
	"github.com/talkie/backend/internal/models"
)

func subscriptionKey(collection, id string) string {
	return collection + "/" + id
}

// watch subscribes to a document and feeds every snapshot to handle, in order,
// on a dedicated goroutine. Watching an already watched document is a no-op.
func (r *Reconciler) watch(collection, id string, handle func(context.Context, directory.Snapshot)) error {
	key := subscriptionKey(collection, id)

	r.subsMu.Lock()
	_, exists := r.subs[key]
	closing := r.closing
	r.subsMu.Unlock()
	if exists || closing {
		return nil
	}

	sub, err := r.deps.Directory.Subscribe(r.runCtx, collection, id)
	if err != nil {
		return err
	}

	r.subsMu.Lock()
	if _, exists := r.subs[key]; exists || r.closing {
		r.subsMu.Unlock()
		sub.Close()
		return nil
	}
	r.subs[key] = sub
	r.handlers.Add(1)
	r.subsMu.Unlock()

	go func() {
		defer r.handlers.Done()
		for snap := range sub.Events() {
			handle(r.runCtx, snap)
		}
	}()
	return nil
}

func (r *Reconciler) unwatch(collection, id string) {
	key := subscriptionKey(collection, id)
	r.subsMu.Lock()
	sub, ok := r.subs[key]
	delete(r.subs, key)
	r.subsMu.Unlock()
	if ok {
		sub.Close()
	}
}

// unwatchAll closes every subscription and refuses new ones.
func (r *Reconciler) unwatchAll() {
	r.subsMu.Lock()
	r.closing = true
	subs := r.subs
	r.subs = make(map[string]directory.Subscription)
	r.subsMu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (r *Reconciler) watchFriend(ctx context.Context, friendID string) {
	logger := logging.FromContext(ctx)
	if err := r.watch(models.CollectionUsers, friendID, func(ctx context.Context, snap directory.Snapshot) {
		r.handleFriendSnapshot(ctx, friendID, snap)
	}); err != nil {
		logger.Error("subscribe friend failed", slog.String("friendId", friendID), slog.Any("error", err))
	}

	roomID := models.RoomID(r.cfg.UserID, friendID)
	if err := r.watch(models.CollectionRooms, roomID, func(ctx context.Context, snap directory.Snapshot) {
		r.handleRoomSnapshot(ctx, roomID, snap)
	}); err != nil {
		logger.Error("subscribe room failed", slog.String("roomId", roomID), slog.Any("error", err))
	}
}

func (r *Reconciler) unwatchFriend(friendID string) {
	r.unwatch(models.CollectionUsers, friendID)
	r.unwatch(models.CollectionRooms, models.RoomID(r.cfg.UserID, friendID))
}

func (r *Reconciler) handleUserSnapshot(ctx context.Context, snap directory.Snapshot) {
	if snap.Err != nil {
		logging.FromContext(ctx).Warn("user listener failed", slog.Any("error", snap.Err))
		return
	}
	var doc models.UserDocument
	if snap.Exists {
		if err := snap.Document.Decode(&doc); err != nil {
			logging.FromContext(ctx).Error("decode user failed", slog.Any("error", err))
			return
		}
	}
	// Failures are logged by the handler; the next snapshot retries naturally.
	_ = r.OnRemoteUserUpdate(ctx, doc, snap.Exists)
}

func (r *Reconciler) handleFriendSnapshot(ctx context.Context, friendID string, snap directory.Snapshot) {
	if snap.Err != nil {
		logging.FromContext(ctx).Warn("friend listener failed", slog.String("friendId", friendID), slog.Any("error", snap.Err))
		return
	}
	var doc models.UserDocument
	if snap.Exists {
		if err := snap.Document.Decode(&doc); err != nil {
			logging.FromContext(ctx).Error("decode friend failed", slog.String("friendId", friendID), slog.Any("error", err))
			return
		}
	}
	_ = r.OnRemoteFriendUpdate(ctx, friendID, doc, snap.Exists)
}

func (r *Reconciler) handleRoomSnapshot(ctx context.Context, roomID string, snap directory.Snapshot) {
	if snap.Err != nil {
		logging.FromContext(ctx).Warn("room listener failed", slog.String("roomId", roomID), slog.Any("error", snap.Err))
		return
	}
	var doc models.RoomDocument
	if snap.Exists {
		if err := snap.Document.Decode(&doc); err != nil {
			logging.FromContext(ctx).Error("decode room failed", slog.String("roomId", roomID), slog.Any("error", err))
			return
		}
	}
	_ = r.OnRemoteRoomUpdate(ctx, roomID, doc, snap.Exists)
}
