package reconciler

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/talkie/backend/internal/directory"
	"github.com/talkie/backend/internal/localstore"
	"github.com/talkie/backend/internal/models"
)

func TestRepeatedUserSnapshotIsNotRepublished(t *testing.T) {
	dir := directory.NewMemory()
	doc := models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana"}
	putUser(t, dir, doc)

	h := newHarness(t, dir, "u1")
	h.start(t)
	eventually(t, func() bool {
		_, ok := h.r.CurrentState()
		return ok
	})

	putUser(t, dir, doc)
	doc.Name = "Ana B"
	putUser(t, dir, doc)
	eventually(t, func() bool {
		u, _ := h.r.CurrentState()
		return u.Name == "Ana B"
	})

	if got := h.local.saves(); got != 2 {
		t.Fatalf("expected 2 user writes got %d", got)
	}
	cached, err := h.local.FetchUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("fetch cached user: %v", err)
	}
	if cached.Name != "Ana B" {
		t.Fatalf("expected cache to follow memory got %q", cached.Name)
	}
}

func TestIncomingCallRequestIsEdgeTriggered(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana"})

	h := newHarness(t, dir, "u1")
	h.start(t)
	eventually(t, func() bool {
		_, ok := h.r.CurrentState()
		return ok
	})

	updates := []directory.Fields{
		{models.FieldHasIncomingCallRequest: true, models.FieldRoomName: "tok-a-tok-b"},
		{models.FieldHasIncomingCallRequest: true},
		{models.FieldHasIncomingCallRequest: false},
	}
	for _, fields := range updates {
		if err := dir.Update(ctx, models.CollectionUsers, "u1", fields); err != nil {
			t.Fatalf("update user: %v", err)
		}
	}

	eventually(t, func() bool {
		_, leaves := h.calls.counts()
		return leaves == 1
	})
	h.calls.mu.Lock()
	joins := slices.Clone(h.calls.joins)
	h.calls.mu.Unlock()
	if !slices.Equal(joins, []string{"tok-a-tok-b"}) {
		t.Fatalf("expected one join of tok-a-tok-b got %v", joins)
	}
}

func TestFriendsLoadAndNewFriendIsAppended(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana", FriendIDs: []string{"f1"}})
	putUser(t, dir, models.UserDocument{ID: "f1", Pin: "pin0002", Name: "Bo", FriendIDs: []string{"u1"}})
	putUser(t, dir, models.UserDocument{ID: "f2", Pin: "pin0003", Name: "Cy", FriendIDs: []string{"u1"}})

	h := newHarness(t, dir, "u1")
	h.start(t)
	eventually(t, func() bool { return len(h.r.Friends()) == 1 })

	selected, ok := h.r.SelectedFriend()
	if !ok || selected.ID != "f1" {
		t.Fatalf("expected f1 to be selected got %+v", selected)
	}

	if err := h.r.AddFriendByID(ctx, "f2"); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	if got := h.friendIDs(); !slices.Equal(got, []string{"f1", "f2"}) {
		t.Fatalf("expected f2 appended got %v", got)
	}
	if selected, _ := h.r.SelectedFriend(); selected.ID != "f1" {
		t.Fatalf("expected selection to stay on f1 got %s", selected.ID)
	}

	remote := getUser(t, dir, "u1")
	if !slices.Contains(remote.FriendIDs, "f2") {
		t.Fatalf("expected f2 in remote friend list got %v", remote.FriendIDs)
	}
	if _, err := dir.Get(ctx, models.CollectionRooms, models.RoomID("u1", "f2")); err != nil {
		t.Fatalf("expected shared room: %v", err)
	}
	if _, err := h.local.FetchFriend(ctx, "u1", "f2"); err != nil {
		t.Fatalf("expected cached friend: %v", err)
	}
}

func TestStartPublishesCachedFriendsSorted(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana", FriendIDs: []string{"f1", "f2"}})

	h := newHarness(t, dir, "u1")
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	seed := []models.FriendRecord{
		{ID: "f1", UserID: "u1", Username: "Bo", LastInteraction: &older},
		{ID: "f2", UserID: "u1", Username: "Cy", LastInteraction: &newer},
		{ID: "i9", UserID: "u1", Username: "Inviter"},
	}
	if err := h.local.SaveUser(ctx, models.UserState{ID: "u1", FriendIDs: []string{"f1", "f2"}}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	for _, rec := range seed {
		if err := h.local.SaveFriend(ctx, rec); err != nil {
			t.Fatalf("seed friend: %v", err)
		}
	}

	h.start(t)
	if got := h.friendIDs(); !slices.Equal(got, []string{"f2", "f1"}) {
		t.Fatalf("expected cached friends sorted without inviter got %v", got)
	}
	if selected, _ := h.r.SelectedFriend(); selected.ID != "f2" {
		t.Fatalf("expected first cached friend selected got %s", selected.ID)
	}
}

func TestFriendWhoRemovedUsIsDropped(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana", FriendIDs: []string{"f1"}})
	putUser(t, dir, models.UserDocument{ID: "f1", Pin: "pin0002", Name: "Bo", FriendIDs: []string{"u1"}})

	h := newHarness(t, dir, "u1")
	h.start(t)
	eventually(t, func() bool { return len(h.r.Friends()) == 1 })

	if err := dir.Update(ctx, models.CollectionUsers, "f1", directory.Fields{models.FieldFriendIDs: []string{}}); err != nil {
		t.Fatalf("update friend: %v", err)
	}

	eventually(t, func() bool {
		_, onboardings := h.observer.counts()
		return onboardings == 1
	})
	if len(h.r.Friends()) != 0 {
		t.Fatalf("expected no friends got %v", h.friendIDs())
	}
	if _, ok := h.r.SelectedFriend(); ok {
		t.Fatal("expected no selection")
	}
	if _, err := h.local.FetchFriend(ctx, "u1", "f1"); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected cached friend removed got %v", err)
	}
	eventually(t, func() bool { return !slices.Contains(getUser(t, dir, "u1").FriendIDs, "f1") })
	if u, _ := h.r.CurrentState(); u.HasFriend("f1") {
		t.Fatalf("expected f1 gone from own friend list got %v", u.FriendIDs)
	}
	cached, err := h.local.FetchUser(ctx, "u1")
	if err != nil || cached.HasFriend("f1") {
		t.Fatalf("expected cached user without f1 got %v (%v)", cached.FriendIDs, err)
	}
}

func TestUnreachableProfileImageKeepsUserSnapshotFlowing(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana"})
	putUser(t, dir, models.UserDocument{ID: "f1", Pin: "pin0002", Name: "Bo", FriendIDs: []string{"u1"}})
	putUser(t, dir, models.UserDocument{ID: "i1", Pin: "pin0003", Name: "Cy"})

	h := newHarness(t, dir, "u1")
	h.start(t)
	eventually(t, func() bool {
		_, ok := h.r.CurrentState()
		return ok
	})

	err := dir.Update(ctx, models.CollectionUsers, "u1", directory.Fields{
		"profileImageRef":                  "missing.png",
		models.FieldFriendIDs:              []string{"f1"},
		models.FieldReceivedInvitations:    []string{"i1"},
		models.FieldHasIncomingCallRequest: true,
		models.FieldRoomName:               "a-b",
	})
	if err != nil {
		t.Fatalf("update user: %v", err)
	}

	eventually(t, func() bool {
		joins, _ := h.calls.counts()
		return joins == 1
	})
	eventually(t, func() bool { return len(h.r.Friends()) == 1 })
	eventually(t, func() bool { return len(h.r.PendingInvitations()) == 1 })

	u, _ := h.r.CurrentState()
	if !u.HasIncomingCallRequest || u.RoomName != "a-b" {
		t.Fatalf("expected call request applied got %+v", u)
	}
	if u.ProfileImageRef != "" || u.ProfileImage != nil {
		t.Fatalf("expected previous image kept got ref %q", u.ProfileImageRef)
	}
	if h.blobs.fetches("missing.png") == 0 {
		t.Fatal("expected image fetch attempt")
	}

	h.blobs.put("missing.png", []byte("png"))
	if err := dir.Update(ctx, models.CollectionUsers, "u1", directory.Fields{models.FieldIsBusy: true}); err != nil {
		t.Fatalf("update user: %v", err)
	}
	eventually(t, func() bool {
		u, _ := h.r.CurrentState()
		return string(u.ProfileImage) == "png" && u.ProfileImageRef == "missing.png"
	})
}

func TestFailingFriendImageLeavesOtherFriendsUpdating(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana", FriendIDs: []string{"f1", "f2"}})
	putUser(t, dir, models.UserDocument{ID: "f1", Pin: "pin0002", Name: "Bo", FriendIDs: []string{"u1"}})
	putUser(t, dir, models.UserDocument{ID: "f2", Pin: "pin0003", Name: "Cy", FriendIDs: []string{"u1"}})

	h := newHarness(t, dir, "u1")
	h.start(t)
	eventually(t, func() bool { return len(h.r.Friends()) == 2 })

	if err := dir.Update(ctx, models.CollectionUsers, "f1", directory.Fields{"profileImageRef": "gone.png", "name": "Bo B"}); err != nil {
		t.Fatalf("update f1: %v", err)
	}
	if err := dir.Update(ctx, models.CollectionUsers, "f2", directory.Fields{"name": "Cy B"}); err != nil {
		t.Fatalf("update f2: %v", err)
	}

	nameOf := func(id string) string {
		for _, f := range h.r.Friends() {
			if f.ID == id {
				return f.Username
			}
		}
		return ""
	}
	eventually(t, func() bool { return nameOf("f2") == "Cy B" })
	eventually(t, func() bool { return h.blobs.fetches("gone.png") > 0 })

	if got := len(h.r.Friends()); got != 2 {
		t.Fatalf("expected both friends kept got %d", got)
	}
	if got := nameOf("f1"); got != "Bo" {
		t.Fatalf("expected f1 update abandoned got %q", got)
	}
}

func TestRoomInteractionMovesFriendToFront(t *testing.T) {
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana", FriendIDs: []string{"f1", "f2"}})
	putUser(t, dir, models.UserDocument{ID: "f1", Pin: "pin0002", Name: "Bo", FriendIDs: []string{"u1"}})
	putUser(t, dir, models.UserDocument{ID: "f2", Pin: "pin0003", Name: "Cy", FriendIDs: []string{"u1"}})

	h := newHarness(t, dir, "u1")
	h.start(t)
	eventually(t, func() bool { return len(h.r.Friends()) == 2 })

	last := h.r.Friends()[1].ID
	putRoom(t, dir, models.NewRoom("u1", last, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))

	eventually(t, func() bool { return h.r.Friends()[0].ID == last })
	eventually(t, func() bool {
		centers, _ := h.observer.counts()
		return centers == 1
	})
	if selected, _ := h.r.SelectedFriend(); selected.ID != last {
		t.Fatalf("expected %s selected got %s", last, selected.ID)
	}
}

func TestActiveRoomSetsSpeaker(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana", FriendIDs: []string{"f1"}})
	putUser(t, dir, models.UserDocument{ID: "f1", Pin: "pin0002", Name: "Bo", FriendIDs: []string{"u1"}})
	room := models.NewRoom("u1", "f1", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	putRoom(t, dir, room)

	h := newHarness(t, dir, "u1")
	h.start(t)
	eventually(t, func() bool { return len(h.r.Friends()) == 1 })

	if err := dir.Update(ctx, models.CollectionRooms, room.ID, directory.Fields{models.FieldIsActive: 1}); err != nil {
		t.Fatalf("activate room: %v", err)
	}
	eventually(t, func() bool { return h.r.CurrentSpeaker() == "f1" })

	if err := dir.Update(ctx, models.CollectionRooms, room.ID, directory.Fields{models.FieldIsActive: 0}); err != nil {
		t.Fatalf("deactivate room: %v", err)
	}
	eventually(t, func() bool { return h.r.CurrentSpeaker() == "" })
}

func TestInvitationsResolveInOrderAndSkipFailures(t *testing.T) {
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana", ReceivedInvitations: []string{"i1", "ghost", "i2"}})
	putUser(t, dir, models.UserDocument{ID: "i1", Pin: "pin0002", Name: "Bo", ProfileImageRef: "img-i1"})
	putUser(t, dir, models.UserDocument{ID: "i2", Pin: "pin0003", Name: "Cy"})

	h := newHarness(t, dir, "u1")
	h.blobs.put("img-i1", []byte("png"))
	h.start(t)

	eventually(t, func() bool { return len(h.r.PendingInvitations()) == 2 })
	got := h.r.PendingInvitations()
	if got[0].ID != "i1" || got[1].ID != "i2" {
		t.Fatalf("expected [i1 i2] got %+v", got)
	}
	if string(got[0].ProfileImage) != "png" {
		t.Fatalf("expected resolved image got %q", got[0].ProfileImage)
	}
	if _, err := h.local.FetchFriend(context.Background(), "u1", "i2"); err != nil {
		t.Fatalf("expected inviter cached: %v", err)
	}
}

func TestInvitationBatchesAreSerialized(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana", ReceivedInvitations: []string{"i1"}})
	putUser(t, dir, models.UserDocument{ID: "i1", Pin: "pin0002", Name: "Bo", ProfileImageRef: "img-i1"})
	putUser(t, dir, models.UserDocument{ID: "i2", Pin: "pin0003", Name: "Cy"})

	h := newHarness(t, dir, "u1")
	h.blobs.put("img-i1", []byte("png"))
	gate := h.blobs.gate("img-i1")
	h.start(t)

	eventually(t, func() bool { return h.r.tasks.Pending(invitationsKey) == 1 })
	if err := dir.Update(ctx, models.CollectionUsers, "u1", directory.Fields{models.FieldReceivedInvitations: []string{"i2"}}); err != nil {
		t.Fatalf("update invitations: %v", err)
	}
	eventually(t, func() bool { return h.r.tasks.Pending(invitationsKey) == 2 })
	close(gate)

	eventually(t, func() bool { return len(h.observer.invitationBatches()) == 2 })
	batches := h.observer.invitationBatches()
	if !slices.Equal(batches[0], []string{"i1"}) || !slices.Equal(batches[1], []string{"i2"}) {
		t.Fatalf("expected [[i1] [i2]] got %v", batches)
	}
	if got := h.r.PendingInvitations(); len(got) != 1 || got[0].ID != "i2" {
		t.Fatalf("expected last list to win got %+v", got)
	}
}

func TestAddFriendGuards(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "abc1234", Name: "Ana"})

	h := newHarness(t, dir, "u1")
	if err := h.r.AddFriend(ctx, "abc1234"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted before start got %v", err)
	}

	h.start(t)
	eventually(t, func() bool {
		_, ok := h.r.CurrentState()
		return ok
	})

	if err := h.r.AddFriend(ctx, "abc1234"); !errors.Is(err, ErrSelfAdd) {
		t.Fatalf("expected ErrSelfAdd got %v", err)
	}
	if err := h.r.AddFriend(ctx, "zzzzzzz"); !errors.Is(err, ErrNoSuchFriend) {
		t.Fatalf("expected ErrNoSuchFriend got %v", err)
	}
	if err := h.r.AddFriendByID(ctx, "u1"); !errors.Is(err, ErrSelfAdd) {
		t.Fatalf("expected ErrSelfAdd by id got %v", err)
	}
	if err := h.r.AddFriendByID(ctx, "nobody"); !errors.Is(err, ErrNoSuchFriend) {
		t.Fatalf("expected ErrNoSuchFriend by id got %v", err)
	}
	if err := h.r.SelectFriend(ctx, "nobody"); !errors.Is(err, ErrNoSuchFriend) {
		t.Fatalf("expected ErrNoSuchFriend on select got %v", err)
	}
}

func TestDeleteFriendSelectsFirstThenOnboards(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana", FriendIDs: []string{"f1", "f2"}})
	putUser(t, dir, models.UserDocument{ID: "f1", Pin: "pin0002", Name: "Bo", FriendIDs: []string{"u1"}})
	putUser(t, dir, models.UserDocument{ID: "f2", Pin: "pin0003", Name: "Cy", FriendIDs: []string{"u1"}})

	h := newHarness(t, dir, "u1")
	h.start(t)
	eventually(t, func() bool { return len(h.r.Friends()) == 2 })

	first, second := h.r.Friends()[0].ID, h.r.Friends()[1].ID
	if err := h.r.SelectFriend(ctx, second); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := h.r.DeleteFriend(ctx, second); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if selected, _ := h.r.SelectedFriend(); selected.ID != first {
		t.Fatalf("expected %s selected got %s", first, selected.ID)
	}
	eventually(t, func() bool { return !slices.Contains(getUser(t, dir, second).FriendIDs, "u1") })
	if slices.Contains(getUser(t, dir, "u1").FriendIDs, second) {
		t.Fatal("expected friendship removed from own document")
	}

	if err := h.r.DeleteFriend(ctx, first); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, onboardings := h.observer.counts(); onboardings != 1 {
		t.Fatalf("expected onboarding once got %d", onboardings)
	}
	if err := h.r.DeleteFriend(ctx, "stranger"); !errors.Is(err, ErrNoSuchFriend) {
		t.Fatalf("expected ErrNoSuchFriend got %v", err)
	}
}

func TestMissingUserDocumentSignsOut(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana"})

	h := newHarness(t, dir, "u1")
	h.start(t)
	eventually(t, func() bool {
		_, ok := h.r.CurrentState()
		return ok
	})

	if err := dir.Delete(ctx, models.CollectionUsers, "u1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	eventually(t, func() bool { return h.session.count() == 1 })
	eventually(t, func() bool {
		_, ok := h.r.CurrentState()
		return !ok
	})
	if h.local.wipeCount() != 1 {
		t.Fatalf("expected local cache wiped once got %d", h.local.wipeCount())
	}
	if _, err := h.local.FetchUser(ctx, "u1"); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected cached user gone got %v", err)
	}
}

func TestPresenceOverridesFriendStatus(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana", FriendIDs: []string{"f1"}})
	putUser(t, dir, models.UserDocument{ID: "f1", Pin: "pin0002", Name: "Bo", FriendIDs: []string{"u1"}})

	h := newHarness(t, dir, "u1")
	h.start(t)
	eventually(t, func() bool { return len(h.r.Friends()) == 1 })

	h.r.OnPresence(ctx, "f1", models.StatusOffline)
	if got := h.r.Friends()[0].Status; got != models.StatusOffline {
		t.Fatalf("expected offline got %s", got)
	}

	if err := dir.Update(ctx, models.CollectionUsers, "f1", directory.Fields{"name": "Bo B"}); err != nil {
		t.Fatalf("update friend: %v", err)
	}
	eventually(t, func() bool { return h.r.Friends()[0].Username == "Bo B" })
	if got := h.r.Friends()[0].Status; got != models.StatusOffline {
		t.Fatalf("expected presence to survive document update got %s", got)
	}
}

func TestSelectFriendDerivesRoomName(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana", DeviceToken: "tok-u", FriendIDs: []string{"f1", "f2"}})
	putUser(t, dir, models.UserDocument{ID: "f1", Pin: "pin0002", Name: "Bo", DeviceToken: "tok-f", FriendIDs: []string{"u1"}})
	putUser(t, dir, models.UserDocument{ID: "f2", Pin: "pin0003", Name: "Cy", DeviceToken: "tok-g", FriendIDs: []string{"u1"}})

	h := newHarness(t, dir, "u1")
	h.start(t)
	eventually(t, func() bool { return len(h.r.Friends()) == 2 })

	if err := h.r.SelectFriend(ctx, "f2"); err != nil {
		t.Fatalf("select: %v", err)
	}
	want := models.RoomName("tok-u", "tok-g")
	if u, _ := h.r.CurrentState(); u.RoomName != want {
		t.Fatalf("expected room name %q got %q", want, u.RoomName)
	}
	if got := getUser(t, dir, "u1").RoomName; got != want {
		t.Fatalf("expected remote room name %q got %q", want, got)
	}

	if err := h.r.SetDeviceToken(ctx, "tok-z"); err != nil {
		t.Fatalf("set device token: %v", err)
	}
	want = models.RoomName("tok-z", "tok-g")
	if got := getUser(t, dir, "u1").RoomName; got != want {
		t.Fatalf("expected re-derived room name %q got %q", want, got)
	}
}

func TestSetStatusWritesThrough(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	putUser(t, dir, models.UserDocument{ID: "u1", Pin: "pin0001", Name: "Ana"})

	h := newHarness(t, dir, "u1")
	h.start(t)
	eventually(t, func() bool {
		_, ok := h.r.CurrentState()
		return ok
	})

	if err := h.r.SetStatus(ctx, "asleep"); err == nil {
		t.Fatal("expected invalid status error")
	}
	if err := h.r.SetStatus(ctx, models.StatusBackground); err != nil {
		t.Fatalf("set status: %v", err)
	}
	remote := getUser(t, dir, "u1")
	if remote.Status != models.StatusBackground {
		t.Fatalf("expected background got %s", remote.Status)
	}
	if !remote.LastActive.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected lastActive from clock got %v", remote.LastActive)
	}
	cached, err := h.local.FetchUser(ctx, "u1")
	if err != nil || cached.Status != models.StatusBackground {
		t.Fatalf("expected cached background status got %+v (%v)", cached, err)
	}

	if err := h.r.SetBusy(ctx, true); err != nil {
		t.Fatalf("set busy: %v", err)
	}
	if !getUser(t, dir, "u1").IsBusy {
		t.Fatal("expected busy flag written")
	}
}
