// Package localstore persists the on-device cache of the signed-in user, their
// friends and the shared rooms.
package localstore

import (
	"context"
	"errors"

	"github.com/talkie/backend/internal/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNotConfigured indicates the store was used without a backing handle.
	ErrNotConfigured = errors.New("local store is not configured")
)

// Store is keyed record persistence. Each call is atomic for a single record;
// no cross-record transactions are offered.
type Store interface {
	SaveUser(ctx context.Context, user models.UserState) error
	FetchUser(ctx context.Context, id string) (models.UserState, error)

	SaveFriend(ctx context.Context, friend models.FriendRecord) error
	FetchFriend(ctx context.Context, ownerID, id string) (models.FriendRecord, error)
	// FetchFriendsByOwner returns the owner's friends in first-saved order.
	FetchFriendsByOwner(ctx context.Context, ownerID string) ([]models.FriendRecord, error)
	DeleteFriend(ctx context.Context, ownerID, id string) error

	SaveRoom(ctx context.Context, room models.RoomDto) error
	FetchRoom(ctx context.Context, id string) (models.RoomDto, error)
	DeleteRoom(ctx context.Context, id string) error

	// DeleteAll erases every cached record.
	DeleteAll(ctx context.Context) error
}
