package localstore

import (
	"context"
	"slices"
	"sync"

	"github.com/talkie/backend/internal/models"
)

// Memory is an in-process Store used by tests and ephemeral sessions.
type Memory struct {
	mu      sync.RWMutex
	users   map[string]models.UserState
	friends map[string][]models.FriendRecord
	rooms   map[string]models.RoomDto
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]models.UserState),
		friends: make(map[string][]models.FriendRecord),
		rooms:   make(map[string]models.RoomDto),
	}
}

func (m *Memory) SaveUser(ctx context.Context, user models.UserState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user.Clone()
	return nil
}

func (m *Memory) FetchUser(ctx context.Context, id string) (models.UserState, error) {
	if err := ctx.Err(); err != nil {
		return models.UserState{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return models.UserState{}, ErrNotFound
	}
	return user.Clone(), nil
}

func (m *Memory) SaveFriend(ctx context.Context, friend models.FriendRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.friends[friend.UserID]
	if i := models.IndexOfFriend(list, friend.ID); i >= 0 {
		list[i] = friend.Clone()
		return nil
	}
	m.friends[friend.UserID] = append(list, friend.Clone())
	return nil
}

func (m *Memory) FetchFriend(ctx context.Context, ownerID, id string) (models.FriendRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.FriendRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.friends[ownerID]
	i := models.IndexOfFriend(list, id)
	if i < 0 {
		return models.FriendRecord{}, ErrNotFound
	}
	return list[i].Clone(), nil
}

func (m *Memory) FetchFriendsByOwner(ctx context.Context, ownerID string) ([]models.FriendRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.friends[ownerID]
	out := make([]models.FriendRecord, 0, len(list))
	for _, f := range list {
		out = append(out, f.Clone())
	}
	return out, nil
}

func (m *Memory) DeleteFriend(ctx context.Context, ownerID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.friends[ownerID]
	if i := models.IndexOfFriend(list, id); i >= 0 {
		m.friends[ownerID] = slices.Delete(list, i, i+1)
	}
	return nil
}

func (m *Memory) SaveRoom(ctx context.Context, room models.RoomDto) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = room
	return nil
}

func (m *Memory) FetchRoom(ctx context.Context, id string) (models.RoomDto, error) {
	if err := ctx.Err(); err != nil {
		return models.RoomDto{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return models.RoomDto{}, ErrNotFound
	}
	return room, nil
}

func (m *Memory) DeleteRoom(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, id)
	return nil
}

func (m *Memory) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[string]models.UserState)
	m.friends = make(map[string][]models.FriendRecord)
	m.rooms = make(map[string]models.RoomDto)
	return nil
}

var _ Store = (*Memory)(nil)
