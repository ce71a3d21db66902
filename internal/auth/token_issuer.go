// Package auth mints access tokens for the call transport.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	lkauth "github.com/livekit/protocol/auth"
)

var (
	// ErrNotConfigured indicates the issuer has no API credentials.
	ErrNotConfigured = errors.New("token issuer is not configured")
	// ErrMissingRoom indicates a token was requested without a room name.
	ErrMissingRoom = errors.New("room name must be provided")
)

// TokenSource mints a token that lets identity join room.
type TokenSource interface {
	RoomToken(ctx context.Context, room, identity string) (string, error)
}

// TokenIssuer signs LiveKit room-join tokens with an API key pair.
type TokenIssuer struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
}

// NewTokenIssuer constructs an issuer whose tokens stay valid for ttl.
func NewTokenIssuer(apiKey, apiSecret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		ttl:       ttl,
	}
}

// RoomToken returns a signed token granting identity permission to join and
// publish audio in room.
func (i *TokenIssuer) RoomToken(ctx context.Context, room, identity string) (string, error) {
	if i == nil || i.apiKey == "" || i.apiSecret == "" {
		return "", ErrNotConfigured
	}
	if room == "" {
		return "", ErrMissingRoom
	}
	if identity == "" {
		return "", errors.New("identity must be provided")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	canPublish := true
	token, err := lkauth.NewAccessToken(i.apiKey, i.apiSecret).
		SetVideoGrant(&lkauth.VideoGrant{
			RoomJoin:   true,
			Room:       room,
			CanPublish: &canPublish,
		}).
		SetIdentity(identity).
		SetValidFor(i.ttl).
		ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign room token: %w", err)
	}
	return token, nil
}

var _ TokenSource = (*TokenIssuer)(nil)
