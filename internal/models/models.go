package models

import (
	"bytes"
	"slices"
	"time"
)

// Status describes the coarse presence of a user.
type Status string

const (
	StatusForeground Status = "foreground"
	StatusBackground Status = "background"
	StatusOffline    Status = "offline"
)

// Valid reports whether the status is one of the known values.
func (s Status) Valid() bool {
	switch s {
	case StatusForeground, StatusBackground, StatusOffline:
		return true
	}
	return false
}

// UserState is the canonical record of the signed-in user.
type UserState struct {
	ID              string
	Pin             string
	Email           string
	Name            string
	ProfileImage    []byte
	ProfileImageRef string
	ImageOffset     float64
	DeviceToken     string

	FriendIDs           []string
	ReceivedInvitations []string
	SentInvitations     []string

	RoomName               string
	HasIncomingCallRequest bool
	IsBusy                 bool

	Status     Status
	LastActive time.Time
}

// Equal reports structural equality between two user states.
func (u UserState) Equal(other UserState) bool {
	return u.ID == other.ID &&
		u.Pin == other.Pin &&
		u.Email == other.Email &&
		u.Name == other.Name &&
		bytes.Equal(u.ProfileImage, other.ProfileImage) &&
		u.ProfileImageRef == other.ProfileImageRef &&
		u.ImageOffset == other.ImageOffset &&
		u.DeviceToken == other.DeviceToken &&
		slices.Equal(u.FriendIDs, other.FriendIDs) &&
		slices.Equal(u.ReceivedInvitations, other.ReceivedInvitations) &&
		slices.Equal(u.SentInvitations, other.SentInvitations) &&
		u.RoomName == other.RoomName &&
		u.HasIncomingCallRequest == other.HasIncomingCallRequest &&
		u.IsBusy == other.IsBusy &&
		u.Status == other.Status &&
		u.LastActive.Equal(other.LastActive)
}

// Clone returns a deep copy so callers cannot alias the published slices.
func (u UserState) Clone() UserState {
	u.ProfileImage = bytes.Clone(u.ProfileImage)
	u.FriendIDs = slices.Clone(u.FriendIDs)
	u.ReceivedInvitations = slices.Clone(u.ReceivedInvitations)
	u.SentInvitations = slices.Clone(u.SentInvitations)
	return u
}

// HasFriend reports whether id is part of the friend list.
func (u UserState) HasFriend(id string) bool {
	return slices.Contains(u.FriendIDs, id)
}

// FriendRecord mirrors the public profile of a friend, cached for one owning user.
type FriendRecord struct {
	ID              string
	UserID          string
	Username        string
	Pin             string
	ProfileImage    []byte
	ProfileImageRef string
	DeviceToken     string
	IsBusy          bool
	Status          Status
	LastInteraction *time.Time
}

// Clone returns a deep copy of the record.
func (f FriendRecord) Clone() FriendRecord {
	f.ProfileImage = bytes.Clone(f.ProfileImage)
	if f.LastInteraction != nil {
		t := *f.LastInteraction
		f.LastInteraction = &t
	}
	return f
}

// Invitation projects a friend record for the incoming friend request surface.
func (f FriendRecord) Invitation() Invitation {
	return Invitation{
		ID:           f.ID,
		Username:     f.Username,
		ProfileImage: bytes.Clone(f.ProfileImage),
	}
}

// RoomDto is the shared document between two friends.
type RoomDto struct {
	ID              string
	Participants    [2]string
	LastInteraction time.Time
	IsActive        int
	Nickname        string
}

// Other returns the participant that is not self. It returns an empty string when
// self is not part of the room.
func (r RoomDto) Other(self string) string {
	switch self {
	case r.Participants[0]:
		return r.Participants[1]
	case r.Participants[1]:
		return r.Participants[0]
	}
	return ""
}

// Invitation is an incoming friend request ready for display.
type Invitation struct {
	ID           string
	Username     string
	ProfileImage []byte
}

// Push notification types delivered through the notifier.
const (
	PushFriendRequest  = "friendRequest"
	PushFriendAccepted = "friendAccepted"
	PushIncomingTalk   = "incomingTalk"
)
