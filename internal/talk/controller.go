package talk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/talkie/backend/internal/auth"
	"github.com/talkie/backend/internal/call"
	"github.com/talkie/backend/internal/directory"
	"github.com/talkie/backend/internal/logging"
	"github.com/talkie/backend/internal/models"
	"github.com/talkie/backend/internal/notify"
	"github.com/talkie/backend/internal/serializer"
)

// ErrBusy indicates a talk or incoming call is already in progress.
var ErrBusy = errors.New("talk session already in progress")

// DefaultMaxHold caps how long one press may keep a session open.
const DefaultMaxHold = 10 * time.Second

// Connect checkpoints. A connect abandoned at one of these never reaches the next step.
const (
	CheckpointPreFetchToken  = "pre-fetch-token"
	CheckpointPostFetchToken = "post-fetch-token"
	CheckpointPreConnect     = "pre-connect"
)

const effectsKey = "talk"

// Target identifies the friend a press talks to.
type Target struct {
	FriendID     string
	FriendToken  string
	FriendStatus models.Status
	RoomID       string
	RoomName     string
}

// NewTarget builds the target for talking to friend as user.
func NewTarget(user models.UserState, friend models.FriendRecord) Target {
	return Target{
		FriendID:     friend.ID,
		FriendToken:  friend.DeviceToken,
		FriendStatus: friend.Status,
		RoomID:       models.RoomID(user.ID, friend.ID),
		RoomName:     models.RoomName(user.DeviceToken, friend.DeviceToken),
	}
}

// Dependencies are the collaborators a Controller drives.
type Dependencies struct {
	Tokens    auth.TokenSource
	Session   call.Session
	Directory directory.Directory
	Notifier  notify.Notifier
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Controller runs the talk state machine for one user.
type Controller struct {
	userID  string
	maxHold time.Duration
	deps    Dependencies
	effects *serializer.Serializer

	// checkpoint is called at each connect checkpoint. Tests use it to observe progress.
	checkpoint func(name string)

	mu       sync.Mutex
	state    State
	gen      uint64
	target   Target
	cancel   context.CancelFunc
	timer    *time.Timer
	incoming string
}

// NewController constructs a controller. A zero maxHold uses DefaultMaxHold.
func NewController(userID string, maxHold time.Duration, deps Dependencies) *Controller {
	if deps.Tokens == nil || deps.Session == nil || deps.Directory == nil {
		panic("talk: tokens, session and directory must not be nil")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Disabled{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if maxHold <= 0 {
		maxHold = DefaultMaxHold
	}
	return &Controller{
		userID:     userID,
		maxHold:    maxHold,
		deps:       deps,
		effects:    serializer.New(serializer.WithLogger(deps.Logger)),
		checkpoint: func(string) {},
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PressBegan starts talking to target, or ends a locked session.
func (c *Controller) PressBegan(ctx context.Context, target Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateLocked {
		c.fireLocked(ctx, EventPressBegan)
		return nil
	}
	if c.state != StateIdle || c.incoming != "" {
		return ErrBusy
	}
	if target.FriendID == "" || target.RoomName == "" {
		return errors.New("talk target needs a friend and a room name")
	}

	c.gen++
	c.target = target
	c.fireLocked(ctx, EventPressBegan)
	return nil
}

// CrossThreshold locks a connected session so releasing does not end it.
func (c *Controller) CrossThreshold(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fireLocked(ctx, EventThresholdCrossed)
}

// PressEnded releases the button.
func (c *Controller) PressEnded(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fireLocked(ctx, EventPressEnded)
}

// dispatch delivers an asynchronous event. Events from an earlier press are dropped.
func (c *Controller) dispatch(ctx context.Context, gen uint64, e Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	before := c.state
	c.fireLocked(ctx, e)
	return before != c.state
}

func (c *Controller) fireLocked(ctx context.Context, e Event) {
	next, actions := Transition(c.state, e)
	if next == c.state && len(actions) == 0 {
		return
	}
	c.deps.Logger.Debug("talk transition",
		slog.String("from", c.state.String()),
		slog.String("event", e.String()),
		slog.String("to", next.String()),
	)
	c.state = next

	gen := c.gen
	target := c.target
	for _, action := range actions {
		switch action {
		case ActionStartTimer:
			c.timer = time.AfterFunc(c.maxHold, func() {
				c.dispatch(context.WithoutCancel(ctx), gen, EventTimeout)
			})
		case ActionStopTimer:
			if c.timer != nil {
				c.timer.Stop()
				c.timer = nil
			}
		case ActionConnect:
			connectCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			c.cancel = cancel
			go c.connect(connectCtx, gen, target)
		case ActionCancelConnect:
			if c.cancel != nil {
				c.cancel()
				c.cancel = nil
			}
		case ActionBeginTalk:
			c.enqueue(ctx, func(ctx context.Context) { c.beginTalk(ctx, target) })
		case ActionEndTalk:
			if c.cancel != nil {
				c.cancel()
				c.cancel = nil
			}
			c.enqueue(ctx, func(ctx context.Context) { c.endTalk(ctx, target) })
		}
	}
}

func (c *Controller) enqueue(ctx context.Context, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	err := c.effects.Enqueue(effectsKey, func(complete func()) {
		defer complete()
		fn(ctx)
	})
	if err != nil {
		c.deps.Logger.Warn("talk effect dropped", slog.Any("error", err))
	}
}

func (c *Controller) connect(ctx context.Context, gen uint64, target Target) {
	ctx, span := logging.StartSpan(ctx, "talk.connect",
		slog.String("friendId", target.FriendID),
		slog.String("room", target.RoomName),
	)
	defer span.End()
	logger := logging.FromContext(ctx)

	cancelled := func(name string) bool {
		c.checkpoint(name)
		if ctx.Err() != nil {
			logger.Debug("talk connect abandoned", slog.String("checkpoint", name))
			return true
		}
		return false
	}

	if cancelled(CheckpointPreFetchToken) {
		return
	}
	token, err := c.deps.Tokens.RoomToken(ctx, target.RoomName, c.userID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.Fail(err)
		logger.Error("fetch room token failed", slog.Any("error", err))
		c.dispatch(ctx, gen, EventFailed)
		return
	}
	if cancelled(CheckpointPostFetchToken) {
		return
	}
	if cancelled(CheckpointPreConnect) {
		return
	}
	if err := c.deps.Session.Connect(ctx, token); err != nil {
		if ctx.Err() != nil {
			return
		}
		span.Fail(err)
		logger.Error("connect call session failed", slog.Any("error", err))
		c.dispatch(ctx, gen, EventFailed)
		return
	}

	if !c.dispatch(ctx, gen, EventConnected) {
		// The press ended between the join and this event.
		c.deps.Session.Disconnect()
	}
}

func (c *Controller) beginTalk(ctx context.Context, target Target) {
	ctx, span := logging.StartSpan(ctx, "talk.begin", slog.String("friendId", target.FriendID))
	defer span.End()
	logger := logging.FromContext(ctx)

	if err := c.deps.Session.Publish(ctx); err != nil {
		span.Fail(err)
		logger.Error("publish audio failed", slog.Any("error", err))
	}
	if err := c.deps.Directory.Update(ctx, models.CollectionUsers, target.FriendID, directory.Fields{
		models.FieldHasIncomingCallRequest: true,
		models.FieldRoomName:               target.RoomName,
	}); err != nil {
		logger.Error("flag incoming call failed", slog.Any("error", err))
	}
	if err := c.deps.Directory.Update(ctx, models.CollectionRooms, target.RoomID, directory.Fields{
		models.FieldIsActive:        1,
		models.FieldLastInteraction: c.deps.Clock().UTC(),
	}); err != nil {
		logger.Error("activate room failed", slog.Any("error", err))
	}
	if target.FriendStatus == models.StatusBackground && target.FriendToken != "" {
		if err := c.deps.Notifier.SendPush(ctx, target.FriendToken, models.PushIncomingTalk, c.userID); err != nil {
			logger.Warn("incoming talk push failed", slog.Any("error", err))
		}
	}
}

func (c *Controller) endTalk(ctx context.Context, target Target) {
	ctx, span := logging.StartSpan(ctx, "talk.end", slog.String("friendId", target.FriendID))
	defer span.End()
	logger := logging.FromContext(ctx)

	c.deps.Session.Unpublish()
	c.deps.Session.Disconnect()

	if err := c.deps.Directory.Update(ctx, models.CollectionUsers, target.FriendID, directory.Fields{
		models.FieldHasIncomingCallRequest: false,
	}); err != nil {
		logger.Error("clear incoming call failed", slog.Any("error", err))
	}
	if err := c.deps.Directory.Update(ctx, models.CollectionRooms, target.RoomID, directory.Fields{
		models.FieldIsActive:        0,
		models.FieldLastInteraction: c.deps.Clock().UTC(),
	}); err != nil {
		logger.Error("deactivate room failed", slog.Any("error", err))
	}
}

// JoinIncoming joins room to listen to a friend who is talking to us.
func (c *Controller) JoinIncoming(ctx context.Context, room string) error {
	c.mu.Lock()
	if c.state != StateIdle || c.incoming != "" {
		c.mu.Unlock()
		return ErrBusy
	}
	c.incoming = room
	c.mu.Unlock()

	ctx, span := logging.StartSpan(ctx, "talk.join_incoming", slog.String("room", room))
	defer span.End()

	token, err := c.deps.Tokens.RoomToken(ctx, room, c.userID)
	if err == nil {
		err = c.deps.Session.Connect(ctx, token)
	}
	if err != nil {
		span.Fail(err)
		c.mu.Lock()
		if c.incoming == room {
			c.incoming = ""
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// LeaveIncoming leaves the room joined by JoinIncoming.
func (c *Controller) LeaveIncoming(ctx context.Context) {
	c.mu.Lock()
	room := c.incoming
	c.incoming = ""
	c.mu.Unlock()

	if room == "" {
		return
	}
	c.deps.Session.Disconnect()
	logging.FromContext(ctx).Info("left incoming call", slog.String("room", room))
}

// Shutdown ends any session and waits for pending document updates.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.fireLocked(ctx, EventPressEnded)
	case StateConnectedUnlocked, StateLocked:
		c.fireLocked(ctx, EventFailed)
	}
	c.mu.Unlock()

	c.LeaveIncoming(ctx)
	return c.effects.Shutdown(ctx)
}
