// Package storage resolves and stores profile image blobs.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrBlobTooLarge indicates the stored object exceeds the caller's size cap.
	ErrBlobTooLarge = errors.New("blob exceeds size limit")
	// ErrBlobNotFound indicates no object exists for the reference.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrBlobStorageUnavailable indicates no object store has been configured.
	ErrBlobStorageUnavailable = errors.New("blob storage unavailable")
)

// BlobResolver turns a stored reference into bytes, refusing objects larger
// than maxBytes.
type BlobResolver interface {
	Fetch(ctx context.Context, ref string, maxBytes int64) ([]byte, error)
}

// Unavailable is the resolver used when no object store is configured.
type Unavailable struct{}

// Fetch always fails with ErrBlobStorageUnavailable.
func (Unavailable) Fetch(context.Context, string, int64) ([]byte, error) {
	return nil, ErrBlobStorageUnavailable
}
