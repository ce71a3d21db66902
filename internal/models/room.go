package models

import (
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// RoomID derives the shared room identifier for two users. The result does not
// depend on argument order.
func RoomID(a, b string) string {
	pair := []string{a, b}
	slices.Sort(pair)

	h, err := blake2b.New(16, nil)
	if err != nil {
		// Only reachable with an invalid size or key.
		panic(err)
	}
	h.Write([]byte(strings.Join(pair, "|")))
	return hex.EncodeToString(h.Sum(nil))
}

// RoomName derives the call-session room name from two device tokens. It is empty
// unless both tokens are known.
func RoomName(ownToken, friendToken string) string {
	if ownToken == "" || friendToken == "" {
		return ""
	}
	pair := []string{ownToken, friendToken}
	slices.Sort(pair)
	return pair[0] + "-" + pair[1]
}

// NewRoom builds a fresh room for two participants.
func NewRoom(a, b string, now time.Time) RoomDto {
	pair := [2]string{a, b}
	slices.Sort(pair[:])
	return RoomDto{
		ID:              RoomID(a, b),
		Participants:    pair,
		LastInteraction: now.UTC(),
		IsActive:        0,
	}
}

// SortFriends orders friends by most recent interaction first. Friends that never
// interacted go last and keep their relative order.
func SortFriends(friends []FriendRecord) {
	slices.SortStableFunc(friends, func(a, b FriendRecord) int {
		switch {
		case a.LastInteraction == nil && b.LastInteraction == nil:
			return 0
		case a.LastInteraction == nil:
			return 1
		case b.LastInteraction == nil:
			return -1
		}
		return b.LastInteraction.Compare(*a.LastInteraction)
	})
}

// IndexOfFriend returns the position of id in friends or -1.
func IndexOfFriend(friends []FriendRecord, id string) int {
	return slices.IndexFunc(friends, func(f FriendRecord) bool { return f.ID == id })
}
