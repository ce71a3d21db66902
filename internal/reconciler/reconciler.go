// Package reconciler keeps the signed-in user's view of themselves, their friends
// and their shared rooms consistent across memory, the local cache and the remote
// directory.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talkie/backend/internal/directory"
	"github.com/talkie/backend/internal/localstore"
	"github.com/talkie/backend/internal/logging"
	"github.com/talkie/backend/internal/models"
	"github.com/talkie/backend/internal/notify"
	"github.com/talkie/backend/internal/serializer"
	"github.com/talkie/backend/internal/storage"
)

var (
	// ErrSelfAdd indicates an attempt to add the signed-in user as their own friend.
	ErrSelfAdd = errors.New("cannot add yourself as a friend")
	// ErrNoSuchFriend indicates the pin or id does not resolve to a user.
	ErrNoSuchFriend = errors.New("no such friend")
	// ErrNotStarted indicates the reconciler has no user state yet.
	ErrNotStarted = errors.New("reconciler not started")
	// ErrClosed indicates the reconciler has been shut down.
	ErrClosed = errors.New("reconciler closed")
)

// Serializer keys.
const (
	invitationsKey = "invitations"
	interactionKey = "interaction"
)

// CallController joins and leaves calls started by a friend.
type CallController interface {
	JoinIncoming(ctx context.Context, room string) error
	LeaveIncoming(ctx context.Context)
}

// Session ends the signed-in session.
type Session interface {
	SignOut(ctx context.Context) error
}

// Dependencies are the collaborators a Reconciler drives. Directory and Local
// are required; the rest default to no-ops.
type Dependencies struct {
	Directory directory.Directory
	Local     localstore.Store
	Blobs     storage.BlobResolver
	Calls     CallController
	Notifier  notify.Notifier
	Session   Session
	Observer  Observer
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Config tunes a Reconciler.
type Config struct {
	UserID                 string
	SpeakerClearDelay      time.Duration
	ImageMaxBytes          int64
	SerializerStallTimeout time.Duration
}

// state is owned by the main loop.
type state struct {
	user        *models.UserState
	friends     []models.FriendRecord
	selectedID  string
	speaker     string
	invitations []models.Invitation
	presence    map[string]models.Status
	removed     map[string]struct{}
}

type op struct {
	fn   func()
	done chan struct{}
}

// Reconciler owns the in-memory user state. All mutations run on a single loop
// goroutine; handlers do their I/O first and then hand the mutation to the loop.
type Reconciler struct {
	cfg  Config
	deps Dependencies

	tasks       *serializer.Serializer
	speaker     *SpeakerTracker
	invitations *InvitationPipeline

	started  atomic.Bool
	ops      chan op
	quit     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}

	st   state
	view view

	runCtx    context.Context
	cancelRun context.CancelFunc

	subsMu   sync.Mutex
	subs     map[string]directory.Subscription
	closing  bool
	handlers sync.WaitGroup
}

// New constructs a Reconciler for cfg.UserID.
func New(cfg Config, deps Dependencies) *Reconciler {
	if cfg.UserID == "" {
		panic("reconciler: user id must not be empty")
	}
	if deps.Directory == nil || deps.Local == nil {
		panic("reconciler: directory and local store must not be nil")
	}
	if deps.Blobs == nil {
		deps.Blobs = storage.Unavailable{}
	}
	if deps.Calls == nil {
		deps.Calls = noCalls{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Disabled{}
	}
	if deps.Session == nil {
		deps.Session = noSession{}
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.ImageMaxBytes <= 0 {
		cfg.ImageMaxBytes = 5 << 20
	}
	if cfg.SpeakerClearDelay <= 0 {
		cfg.SpeakerClearDelay = DefaultSpeakerClearDelay
	}

	opts := []serializer.Option{
		serializer.WithLogger(deps.Logger),
		serializer.WithStallTimeout(cfg.SerializerStallTimeout),
	}
	r := &Reconciler{
		cfg:      cfg,
		deps:     deps,
		tasks:    serializer.New(opts...),
		ops:      make(chan op),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		st: state{
			presence: make(map[string]models.Status),
			removed:  make(map[string]struct{}),
		},
		subs: make(map[string]directory.Subscription),
	}
	r.speaker = NewSpeakerTracker(cfg.SpeakerClearDelay, r.publishSpeaker, opts...)
	r.invitations = &InvitationPipeline{r: r}
	return r
}

// Invitations returns the invitation pipeline.
func (r *Reconciler) Invitations() *InvitationPipeline {
	return r.invitations
}

// Start loads the cached view, publishes it and subscribes to the user's
// document and every known friend and room.
func (r *Reconciler) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("reconciler already started")
	}
	r.runCtx, r.cancelRun = context.WithCancel(logging.WithLogger(context.WithoutCancel(ctx), r.deps.Logger))
	go r.loop()

	ctx, span := logging.StartSpan(ctx, "reconciler.start", slog.String("userId", r.cfg.UserID))
	defer span.End()
	logger := logging.FromContext(ctx)

	self := r.cfg.UserID
	var cachedUser *models.UserState
	user, err := r.deps.Local.FetchUser(ctx, self)
	switch {
	case err == nil:
		cachedUser = &user
	case !errors.Is(err, localstore.ErrNotFound):
		logger.Warn("load cached user failed", slog.Any("error", err))
	}

	var cachedFriends []models.FriendRecord
	if cachedUser != nil {
		records, err := r.deps.Local.FetchFriendsByOwner(ctx, self)
		if err != nil {
			logger.Warn("load cached friends failed", slog.Any("error", err))
		}
		// Invitation senders are cached as records too; only friends belong in the list.
		for _, rec := range records {
			if cachedUser.HasFriend(rec.ID) {
				cachedFriends = append(cachedFriends, rec)
			}
		}
		models.SortFriends(cachedFriends)
	}

	if err := r.apply(func() {
		if cachedUser == nil {
			return
		}
		r.st.user = cachedUser
		r.st.friends = cachedFriends
		if len(cachedFriends) > 0 {
			r.st.selectedID = cachedFriends[0].ID
		}
		r.deps.Observer.UserChanged(cachedUser.Clone())
		r.notifyFriendsLocked()
		r.notifySelectionLocked()
	}); err != nil {
		return err
	}

	if err := r.watch(models.CollectionUsers, self, r.handleUserSnapshot); err != nil {
		span.Fail(err)
		return fmt.Errorf("subscribe user %s: %w", self, err)
	}

	tracked := make(map[string]struct{}, len(cachedFriends))
	for _, rec := range cachedFriends {
		tracked[rec.ID] = struct{}{}
		r.watchFriend(ctx, rec.ID)
	}
	if cachedUser != nil {
		for _, id := range cachedUser.FriendIDs {
			if _, ok := tracked[id]; !ok {
				r.watchFriend(ctx, id)
			}
		}
	}

	logger.Info("reconciler started", slog.Int("cachedFriends", len(cachedFriends)))
	return nil
}

// Shutdown stops every subscription, drains pending work and stops the loop.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	if !r.started.Load() {
		return nil
	}
	r.cancelRun()
	r.unwatchAll()

	waited := make(chan struct{})
	go func() {
		r.handlers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	if err := r.speaker.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown speaker tracker: %w", err))
	}
	if err := r.tasks.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tasks: %w", err))
	}

	r.stopOnce.Do(func() { close(r.quit) })
	<-r.loopDone
	return errors.Join(errs...)
}

func (r *Reconciler) loop() {
	defer close(r.loopDone)
	for {
		select {
		case o := <-r.ops:
			o.fn()
			r.publishView()
			close(o.done)
		case <-r.quit:
			return
		}
	}
}

// apply runs fn on the main loop and waits for it. fn must not call apply.
func (r *Reconciler) apply(fn func()) error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case r.ops <- o:
	case <-r.quit:
		return ErrClosed
	}
	<-o.done
	return nil
}

func (r *Reconciler) publishView() {
	r.view.mu.Lock()
	defer r.view.mu.Unlock()

	if r.st.user != nil {
		u := r.st.user.Clone()
		r.view.user = &u
	} else {
		r.view.user = nil
	}
	r.view.friends = slices.Clone(r.st.friends)
	r.view.selected = r.selectedLocked()
	r.view.speaker = r.st.speaker
	r.view.invitations = slices.Clone(r.st.invitations)
}

func (r *Reconciler) selectedLocked() *models.FriendRecord {
	if r.st.selectedID == "" {
		return nil
	}
	idx := models.IndexOfFriend(r.st.friends, r.st.selectedID)
	if idx < 0 {
		return nil
	}
	rec := r.st.friends[idx].Clone()
	return &rec
}

func (r *Reconciler) notifyFriendsLocked() {
	out := make([]models.FriendRecord, len(r.st.friends))
	for i, f := range r.st.friends {
		out[i] = f.Clone()
	}
	r.deps.Observer.FriendsChanged(out)
}

func (r *Reconciler) notifySelectionLocked() {
	r.deps.Observer.SelectionChanged(r.selectedLocked())
}

func (r *Reconciler) publishUserLocked(ctx context.Context, u models.UserState) {
	r.st.user = &u
	if err := r.deps.Local.SaveUser(ctx, u); err != nil {
		logging.FromContext(ctx).Error("cache user failed", slog.Any("error", err))
	}
	r.deps.Observer.UserChanged(u.Clone())
}

func (r *Reconciler) publishSpeaker(id string) {
	err := r.apply(func() {
		if r.st.speaker == id {
			return
		}
		r.st.speaker = id
		r.deps.Observer.SpeakerChanged(id)
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		r.deps.Logger.Warn("publish speaker failed", slog.Any("error", err))
	}
}

func (r *Reconciler) friendRecord(id string) (models.FriendRecord, bool) {
	r.view.mu.RLock()
	defer r.view.mu.RUnlock()
	idx := models.IndexOfFriend(r.view.friends, id)
	if idx < 0 {
		return models.FriendRecord{}, false
	}
	return r.view.friends[idx].Clone(), true
}

type noCalls struct{}

func (noCalls) JoinIncoming(context.Context, string) error { return nil }
func (noCalls) LeaveIncoming(context.Context)              {}

type noSession struct{}

func (noSession) SignOut(context.Context) error { return nil }
