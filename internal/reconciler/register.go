package reconciler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talkie/backend/internal/directory"
	"github.com/talkie/backend/internal/logging"
	"github.com/talkie/backend/internal/models"
)

const (
	pinLength   = 7
	pinAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	pinAttempts = 5
)

var (
	// ErrPinExhausted indicates no unused pin was found.
	ErrPinExhausted = errors.New("could not allocate a unique pin")
	// ErrInvalidRegistration indicates required registration fields are missing.
	ErrInvalidRegistration = errors.New("email and name are required")
)

// Registration describes a new user.
type Registration struct {
	ID              string
	Email           string
	Name            string
	DeviceToken     string
	ProfileImageRef string
}

// Registrar creates user documents with unique pins.
type Registrar struct {
	dir    directory.Directory
	newPin func() (string, error)
	newID  func() string
	clock  func() time.Time
}

// NewRegistrar constructs a Registrar writing to dir.
func NewRegistrar(dir directory.Directory) *Registrar {
	if dir == nil {
		panic("reconciler: directory must not be nil")
	}
	return &Registrar{
		dir:    dir,
		newPin: randomPin,
		newID:  uuid.NewString,
		clock:  time.Now,
	}
}

// Register writes the user document and returns the stored state. Pins are
// checked against existing users before the write and regenerated on collision.
func (g *Registrar) Register(ctx context.Context, reg Registration) (models.UserState, error) {
	reg.Email = strings.TrimSpace(strings.ToLower(reg.Email))
	reg.Name = strings.TrimSpace(reg.Name)
	if reg.Email == "" || reg.Name == "" {
		return models.UserState{}, ErrInvalidRegistration
	}
	if reg.ID == "" {
		reg.ID = g.newID()
	}

	ctx, span := logging.StartSpan(ctx, "reconciler.register", slog.String("userId", reg.ID))
	defer span.End()

	pin, err := g.allocatePin(ctx)
	if err != nil {
		span.Fail(err)
		return models.UserState{}, err
	}

	user := models.UserState{
		ID:                  reg.ID,
		Pin:                 pin,
		Email:               reg.Email,
		Name:                reg.Name,
		ProfileImageRef:     reg.ProfileImageRef,
		DeviceToken:         reg.DeviceToken,
		FriendIDs:           []string{},
		ReceivedInvitations: []string{},
		SentInvitations:     []string{},
		Status:              models.StatusForeground,
		LastActive:          g.clock().UTC(),
	}
	fields, err := directory.ToFields(models.NewUserDocument(user))
	if err != nil {
		return models.UserState{}, err
	}
	if err := g.dir.Set(ctx, models.CollectionUsers, user.ID, fields); err != nil {
		span.Fail(err)
		return models.UserState{}, fmt.Errorf("create user %s: %w", user.ID, err)
	}

	logging.FromContext(ctx).Info("user registered", slog.String("pin", pin))
	return user, nil
}

func (g *Registrar) allocatePin(ctx context.Context) (string, error) {
	for attempt := 0; attempt < pinAttempts; attempt++ {
		pin, err := g.newPin()
		if err != nil {
			return "", fmt.Errorf("generate pin: %w", err)
		}
		docs, err := g.dir.Query(ctx, models.CollectionUsers, models.FieldPin, pin)
		if err != nil {
			return "", fmt.Errorf("check pin: %w", err)
		}
		if len(docs) == 0 {
			return pin, nil
		}
		logging.FromContext(ctx).Debug("pin taken, regenerating", slog.Int("attempt", attempt+1))
	}
	return "", ErrPinExhausted
}

func randomPin() (string, error) {
	buf := make([]byte, pinLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = pinAlphabet[int(b)%len(pinAlphabet)]
	}
	return string(buf), nil
}
