package models

import "time"

// Directory collections.
const (
	CollectionUsers = "users"
	CollectionRooms = "rooms"
)

// Document field names shared by directory queries and partial updates.
const (
	FieldPin                    = "pin"
	FieldDeviceToken            = "deviceToken"
	FieldFriendIDs              = "friendIds"
	FieldReceivedInvitations    = "receivedInvitations"
	FieldSentInvitations        = "sentInvitations"
	FieldRoomName               = "roomName"
	FieldHasIncomingCallRequest = "hasIncomingCallRequest"
	FieldIsBusy                 = "isBusy"
	FieldStatus                 = "status"
	FieldLastActive             = "lastActive"
	FieldIsActive               = "isActive"
	FieldLastInteraction        = "lastInteraction"
)

// UserDocument is the remote representation of a user.
type UserDocument struct {
	ID                     string    `json:"id"`
	Pin                    string    `json:"pin"`
	Email                  string    `json:"email"`
	Name                   string    `json:"name"`
	ProfileImageRef        string    `json:"profileImageRef,omitempty"`
	ImageOffset            float64   `json:"imageOffset"`
	DeviceToken            string    `json:"deviceToken,omitempty"`
	FriendIDs              []string  `json:"friendIds"`
	ReceivedInvitations    []string  `json:"receivedInvitations"`
	SentInvitations        []string  `json:"sentInvitations"`
	RoomName               string    `json:"roomName"`
	HasIncomingCallRequest bool      `json:"hasIncomingCallRequest"`
	IsBusy                 bool      `json:"isBusy"`
	Status                 Status    `json:"status"`
	LastActive             time.Time `json:"lastActive"`
}

// UserState converts the document into a user state carrying the resolved image bytes.
func (d UserDocument) UserState(image []byte) UserState {
	return UserState{
		ID:                     d.ID,
		Pin:                    d.Pin,
		Email:                  d.Email,
		Name:                   d.Name,
		ProfileImage:           image,
		ProfileImageRef:        d.ProfileImageRef,
		ImageOffset:            d.ImageOffset,
		DeviceToken:            d.DeviceToken,
		FriendIDs:              nonNil(d.FriendIDs),
		ReceivedInvitations:    nonNil(d.ReceivedInvitations),
		SentInvitations:        nonNil(d.SentInvitations),
		RoomName:               d.RoomName,
		HasIncomingCallRequest: d.HasIncomingCallRequest,
		IsBusy:                 d.IsBusy,
		Status:                 d.Status,
		LastActive:             d.LastActive.UTC(),
	}
}

// FriendRecord converts the document into a friend record owned by ownerID.
func (d UserDocument) FriendRecord(ownerID string, image []byte, lastInteraction *time.Time) FriendRecord {
	return FriendRecord{
		ID:              d.ID,
		UserID:          ownerID,
		Username:        d.Name,
		Pin:             d.Pin,
		ProfileImage:    image,
		ProfileImageRef: d.ProfileImageRef,
		DeviceToken:     d.DeviceToken,
		IsBusy:          d.IsBusy,
		Status:          d.Status,
		LastInteraction: lastInteraction,
	}
}

// NewUserDocument builds the remote representation of a user state.
func NewUserDocument(u UserState) UserDocument {
	return UserDocument{
		ID:                     u.ID,
		Pin:                    u.Pin,
		Email:                  u.Email,
		Name:                   u.Name,
		ProfileImageRef:        u.ProfileImageRef,
		ImageOffset:            u.ImageOffset,
		DeviceToken:            u.DeviceToken,
		FriendIDs:              nonNil(u.FriendIDs),
		ReceivedInvitations:    nonNil(u.ReceivedInvitations),
		SentInvitations:        nonNil(u.SentInvitations),
		RoomName:               u.RoomName,
		HasIncomingCallRequest: u.HasIncomingCallRequest,
		IsBusy:                 u.IsBusy,
		Status:                 u.Status,
		LastActive:             u.LastActive,
	}
}

// RoomDocument is the remote representation of a room.
type RoomDocument struct {
	ID              string    `json:"id"`
	Participants    []string  `json:"participants"`
	LastInteraction time.Time `json:"lastInteraction"`
	IsActive        int       `json:"isActive"`
	Nickname        string    `json:"nickname"`
}

// Room converts the document into a RoomDto.
func (d RoomDocument) Room() RoomDto {
	room := RoomDto{
		ID:              d.ID,
		LastInteraction: d.LastInteraction.UTC(),
		IsActive:        d.IsActive,
		Nickname:        d.Nickname,
	}
	copy(room.Participants[:], d.Participants)
	return room
}

// NewRoomDocument builds the remote representation of a room.
func NewRoomDocument(r RoomDto) RoomDocument {
	return RoomDocument{
		ID:              r.ID,
		Participants:    []string{r.Participants[0], r.Participants[1]},
		LastInteraction: r.LastInteraction,
		IsActive:        r.IsActive,
		Nickname:        r.Nickname,
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
