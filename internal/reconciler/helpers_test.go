package reconciler

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/talkie/backend/internal/directory"
	"github.com/talkie/backend/internal/localstore"
	"github.com/talkie/backend/internal/models"
	"github.com/talkie/backend/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// countingStore counts user writes on top of the in-memory store.
type countingStore struct {
	*localstore.Memory

	mu        sync.Mutex
	userSaves int
	wipes     int
}

func newCountingStore() *countingStore {
	return &countingStore{Memory: localstore.NewMemory()}
}

func (s *countingStore) SaveUser(ctx context.Context, user models.UserState) error {
	s.mu.Lock()
	s.userSaves++
	s.mu.Unlock()
	return s.Memory.SaveUser(ctx, user)
}

func (s *countingStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	s.wipes++
	s.mu.Unlock()
	return s.Memory.DeleteAll(ctx)
}

func (s *countingStore) saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userSaves
}

// stubBlobs serves images from memory. A ref with a gate blocks until the gate closes.
type stubBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
	gates map[string]chan struct{}
	calls map[string]int
}

func newStubBlobs() *stubBlobs {
	return &stubBlobs{
		blobs: make(map[string][]byte),
		gates: make(map[string]chan struct{}),
		calls: make(map[string]int),
	}
}

func (b *stubBlobs) fetches(ref string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[ref]
}

func (b *stubBlobs) put(ref string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[ref] = data
}

func (b *stubBlobs) gate(ref string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{})
	b.gates[ref] = ch
	return ch
}

func (b *stubBlobs) Fetch(ctx context.Context, ref string, _ int64) ([]byte, error) {
	b.mu.Lock()
	gate := b.gates[ref]
	data, ok := b.blobs[ref]
	b.calls[ref]++
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, storage.ErrBlobNotFound
	}
	return data, nil
}

type stubCalls struct {
	mu     sync.Mutex
	joins  []string
	leaves int
}

func (c *stubCalls) JoinIncoming(_ context.Context, room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins = append(c.joins, room)
	return nil
}

func (c *stubCalls) LeaveIncoming(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves++
}

func (c *stubCalls) counts() (joins, leaves int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.joins), c.leaves
}

type sentPush struct {
	token, pushType, sender string
}

type stubNotifier struct {
	mu   sync.Mutex
	sent []sentPush
}

func (n *stubNotifier) SendPush(_ context.Context, token, pushType, sender string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentPush{token, pushType, sender})
	return nil
}

func (n *stubNotifier) pushes() []sentPush {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.sent)
}

type stubSession struct {
	mu       sync.Mutex
	signOuts int
}

func (s *stubSession) SignOut(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signOuts++
	return nil
}

func (s *stubSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signOuts
}

// recordingObserver keeps what the reconciler published.
type recordingObserver struct {
	NopObserver

	mu          sync.Mutex
	centers     int
	onboardings int
	invitations [][]string
	speakers    []string
}

func (o *recordingObserver) CenterOnFirst() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.centers++
}

func (o *recordingObserver) ReturnToOnboarding() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onboardings++
}

func (o *recordingObserver) InvitationsChanged(invitations []models.Invitation) {
	ids := make([]string, 0, len(invitations))
	for _, inv := range invitations {
		ids = append(ids, inv.ID)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invitations = append(o.invitations, ids)
}

func (o *recordingObserver) SpeakerChanged(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.speakers = append(o.speakers, id)
}

func (o *recordingObserver) counts() (centers, onboardings int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.centers, o.onboardings
}

func (o *recordingObserver) invitationBatches() [][]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.invitations)
}

type harness struct {
	r        *Reconciler
	dir      *directory.Memory
	local    *countingStore
	blobs    *stubBlobs
	calls    *stubCalls
	notifier *stubNotifier
	session  *stubSession
	observer *recordingObserver
}

func newHarness(t *testing.T, dir *directory.Memory, userID string) *harness {
	t.Helper()
	h := &harness{
		dir:      dir,
		local:    newCountingStore(),
		blobs:    newStubBlobs(),
		calls:    &stubCalls{},
		notifier: &stubNotifier{},
		session:  &stubSession{},
		observer: &recordingObserver{},
	}
	h.r = New(Config{UserID: userID, SpeakerClearDelay: 20 * time.Millisecond}, Dependencies{
		Directory: dir,
		Local:     h.local,
		Blobs:     h.blobs,
		Calls:     h.calls,
		Notifier:  h.notifier,
		Session:   h.session,
		Observer:  h.observer,
		Logger:    discardLogger(),
		Clock:     func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := h.r.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func (h *harness) friendIDs() []string {
	var ids []string
	for _, f := range h.r.Friends() {
		ids = append(ids, f.ID)
	}
	return ids
}

func putUser(t *testing.T, dir directory.Directory, doc models.UserDocument) {
	t.Helper()
	if doc.FriendIDs == nil {
		doc.FriendIDs = []string{}
	}
	if doc.ReceivedInvitations == nil {
		doc.ReceivedInvitations = []string{}
	}
	if doc.SentInvitations == nil {
		doc.SentInvitations = []string{}
	}
	if doc.Status == "" {
		doc.Status = models.StatusForeground
	}
	fields, err := directory.ToFields(doc)
	if err != nil {
		t.Fatalf("encode user: %v", err)
	}
	if err := dir.Set(context.Background(), models.CollectionUsers, doc.ID, fields); err != nil {
		t.Fatalf("put user: %v", err)
	}
}

func putRoom(t *testing.T, dir directory.Directory, room models.RoomDto) {
	t.Helper()
	fields, err := directory.ToFields(models.NewRoomDocument(room))
	if err != nil {
		t.Fatalf("encode room: %v", err)
	}
	if err := dir.Set(context.Background(), models.CollectionRooms, room.ID, fields); err != nil {
		t.Fatalf("put room: %v", err)
	}
}

func getUser(t *testing.T, dir directory.Directory, id string) models.UserDocument {
	t.Helper()
	doc, err := dir.Get(context.Background(), models.CollectionUsers, id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	var out models.UserDocument
	if err := doc.Decode(&out); err != nil {
		t.Fatalf("decode user %s: %v", id, err)
	}
	return out
}

func (s *countingStore) wipeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wipes
}
