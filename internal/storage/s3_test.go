package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/talkie/backend/internal/config"
)

// fakeObjectStore answers path-style HEAD and GET requests for one bucket.
func fakeObjectStore(t *testing.T, objects map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/avatars/")
		body, ok := objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			}
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestS3(t *testing.T, endpoint string) *S3Storage {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	store, err := NewS3Storage(context.Background(), config.ObjectStoreConfig{
		Bucket:        "avatars",
		Region:        "us-east-1",
		Endpoint:      endpoint,
		PublicBaseURL: "https://cdn.example.com/",
	})
	if err != nil {
		t.Fatalf("new s3 storage: %v", err)
	}
	return store
}

func TestS3StorageFetch(t *testing.T) {
	srv := fakeObjectStore(t, map[string][]byte{
		"u1.jpg":  []byte("small"),
		"big.jpg": []byte(strings.Repeat("x", 64)),
	})
	store := newTestS3(t, srv.URL)
	ctx := context.Background()

	data, err := store.Fetch(ctx, "u1.jpg", 16)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "small" {
		t.Fatalf("unexpected body %q", data)
	}

	data, err = store.Fetch(ctx, "https://cdn.example.com/u1.jpg", 16)
	if err != nil || string(data) != "small" {
		t.Fatalf("expected public url ref to resolve got %q (%v)", data, err)
	}

	if _, err := store.Fetch(ctx, "big.jpg", 16); !errors.Is(err, ErrBlobTooLarge) {
		t.Fatalf("expected ErrBlobTooLarge got %v", err)
	}

	if _, err := store.Fetch(ctx, "missing.jpg", 16); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound got %v", err)
	}
}

func TestNewS3StorageRequiresBucket(t *testing.T) {
	if _, err := NewS3Storage(context.Background(), config.ObjectStoreConfig{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
