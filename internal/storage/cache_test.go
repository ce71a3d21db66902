package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubResolver struct {
	data  []byte
	err   error
	calls int
}

func (s *stubResolver) Fetch(context.Context, string, int64) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

func TestCachingResolverFetch(t *testing.T) {
	base := &stubResolver{data: []byte("img")}
	cache := NewCachingResolver(base, time.Minute)
	ctx := context.Background()

	data, err := cache.Fetch(ctx, "avatars/u1.jpg", 1024)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "img" {
		t.Fatalf("unexpected data %q", data)
	}

	if _, err := cache.Fetch(ctx, "avatars/u1.jpg", 1024); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected cached result got %d calls", base.calls)
	}

	if _, err := cache.Fetch(ctx, "avatars/u1.jpg", 2); err != nil {
		t.Fatalf("fetch with smaller cap: %v", err)
	}
	if base.calls != 2 {
		t.Fatalf("expected smaller cap to bypass cache got %d calls", base.calls)
	}
}

func TestCachingResolverErrors(t *testing.T) {
	cache := NewCachingResolver(nil, time.Minute)
	if _, err := cache.Fetch(context.Background(), "x", 1); !errors.Is(err, ErrBlobStorageUnavailable) {
		t.Fatalf("expected storage unavailable got %v", err)
	}

	base := &stubResolver{err: ErrBlobTooLarge}
	cache = NewCachingResolver(base, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := cache.Fetch(context.Background(), "x", 1); !errors.Is(err, ErrBlobTooLarge) {
			t.Fatalf("expected too large got %v", err)
		}
	}
	if base.calls != 2 {
		t.Fatalf("expected failures not cached got %d calls", base.calls)
	}
}

func TestCachingResolverExpiry(t *testing.T) {
	base := &stubResolver{data: []byte("img")}
	cache := NewCachingResolver(base, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	if _, err := cache.Fetch(context.Background(), "x", 0); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := cache.Fetch(context.Background(), "x", 0); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if base.calls != 2 {
		t.Fatalf("expected cache miss after expiry got %d calls", base.calls)
	}
}

func TestCachingResolverDefaultTTL(t *testing.T) {
	cache := NewCachingResolver(&stubResolver{}, 0)
	if cache.ttl <= 0 {
		t.Fatalf("expected ttl to default positive got %v", cache.ttl)
	}
}

func TestUnavailableResolver(t *testing.T) {
	if _, err := (Unavailable{}).Fetch(context.Background(), "x", 1); !errors.Is(err, ErrBlobStorageUnavailable) {
		t.Fatalf("expected storage unavailable got %v", err)
	}
}
