package directory

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

type testUser struct {
	ID                  string   `json:"id"`
	Pin                 string   `json:"pin"`
	Name                string   `json:"name"`
	FriendIDs           []string `json:"friendIds"`
	ReceivedInvitations []string `json:"receivedInvitations"`
}

// runDirectoryContract exercises the behavior every backend must share.
func runDirectoryContract(t *testing.T, newDir func(t *testing.T) Directory) {
	t.Run("get missing", func(t *testing.T) {
		dir := newDir(t)
		if _, err := dir.Get(context.Background(), "users", "nobody"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound got %v", err)
		}
	})

	t.Run("set get update", func(t *testing.T) {
		ctx := context.Background()
		dir := newDir(t)

		if err := dir.Set(ctx, "users", "u1", Fields{"pin": "abc1234", "name": "Una", "friendIds": []string{}}); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := dir.Update(ctx, "users", "u1", Fields{"name": "Una B"}); err != nil {
			t.Fatalf("update: %v", err)
		}

		doc, err := dir.Get(ctx, "users", "u1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var user testUser
		if err := doc.Decode(&user); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if user.ID != "u1" || user.Pin != "abc1234" || user.Name != "Una B" {
			t.Fatalf("unexpected document %+v", user)
		}

		if err := dir.Update(ctx, "users", "missing", Fields{"name": "x"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound updating missing doc got %v", err)
		}
	})

	t.Run("set overwrites", func(t *testing.T) {
		ctx := context.Background()
		dir := newDir(t)

		_ = dir.Set(ctx, "rooms", "r1", Fields{"isActive": 1, "nickname": "old"})
		if err := dir.Set(ctx, "rooms", "r1", Fields{"isActive": 0}); err != nil {
			t.Fatalf("set: %v", err)
		}
		doc, err := dir.Get(ctx, "rooms", "r1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var body map[string]any
		if err := doc.Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if _, ok := body["nickname"]; ok {
			t.Fatalf("expected full overwrite got %v", body)
		}
	})

	t.Run("query by field", func(t *testing.T) {
		ctx := context.Background()
		dir := newDir(t)

		_ = dir.Set(ctx, "users", "b", Fields{"pin": "same"})
		_ = dir.Set(ctx, "users", "a", Fields{"pin": "same"})
		_ = dir.Set(ctx, "users", "c", Fields{"pin": "other"})
		_ = dir.Set(ctx, "rooms", "d", Fields{"pin": "same"})

		docs, err := dir.Query(ctx, "users", "pin", "same")
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(docs) != 2 || docs[0].ID != "a" || docs[1].ID != "b" {
			t.Fatalf("unexpected query result %+v", docs)
		}

		none, err := dir.Query(ctx, "users", "pin", "zzz")
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(none) != 0 {
			t.Fatalf("expected no matches got %d", len(none))
		}
	})

	t.Run("array union and remove", func(t *testing.T) {
		ctx := context.Background()
		dir := newDir(t)

		_ = dir.Set(ctx, "users", "u1", Fields{"friendIds": []string{"a"}})
		if err := dir.ArrayUnion(ctx, "users", "u1", "friendIds", "b", "a", "c"); err != nil {
			t.Fatalf("union: %v", err)
		}
		if err := dir.ArrayRemove(ctx, "users", "u1", "friendIds", "a"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if err := dir.ArrayUnion(ctx, "users", "u1", "receivedInvitations", "x"); err != nil {
			t.Fatalf("union new field: %v", err)
		}

		doc, _ := dir.Get(ctx, "users", "u1")
		var user testUser
		if err := doc.Decode(&user); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !slices.Equal(user.FriendIDs, []string{"b", "c"}) {
			t.Fatalf("unexpected friend ids %v", user.FriendIDs)
		}
		if !slices.Equal(user.ReceivedInvitations, []string{"x"}) {
			t.Fatalf("unexpected invitations %v", user.ReceivedInvitations)
		}

		if err := dir.ArrayUnion(ctx, "users", "missing", "friendIds", "a"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound got %v", err)
		}
	})

	t.Run("subscribe delivers current then changes in order", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		dir := newDir(t)

		_ = dir.Set(ctx, "users", "u1", Fields{"name": "v1"})
		sub, err := dir.Subscribe(ctx, "users", "u1")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer sub.Close()

		first := nextSnapshot(t, sub)
		if !first.Exists || decodeName(t, first) != "v1" {
			t.Fatalf("unexpected first snapshot %+v", first)
		}

		if err := dir.Update(ctx, "users", "u1", Fields{"name": "v2"}); err != nil {
			t.Fatalf("update: %v", err)
		}
		if got := decodeName(t, nextSnapshot(t, sub)); got != "v2" {
			t.Fatalf("expected v2 got %q", got)
		}

		if err := dir.Delete(ctx, "users", "u1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if gone := nextSnapshot(t, sub); gone.Exists {
			t.Fatalf("expected missing snapshot got %+v", gone)
		}
	})

	t.Run("subscribe to missing document", func(t *testing.T) {
		ctx := context.Background()
		dir := newDir(t)

		sub, err := dir.Subscribe(ctx, "users", "ghost")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer sub.Close()

		if snap := nextSnapshot(t, sub); snap.Exists || snap.Err != nil {
			t.Fatalf("expected not-exists snapshot got %+v", snap)
		}
	})
}

func nextSnapshot(t *testing.T, sub Subscription) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func decodeName(t *testing.T, snap Snapshot) string {
	t.Helper()
	var user testUser
	if err := snap.Document.Decode(&user); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return user.Name
}
