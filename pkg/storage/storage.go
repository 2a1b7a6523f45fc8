// Package storage provides the object stores that hold partitioned output,
// dead letters and (optionally) cursors. Keys are slash-separated and
// relative to the store's root or bucket prefix.
package storage

import (
	"context"
	stderrors "errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = stderrors.New("object not found")

	// ErrExists is returned by Put with IfNotExists when the key is taken.
	ErrExists = stderrors.New("object already exists")
)

// ObjectStore is a flat key/value object store.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error

	// Scheme returns the storage scheme (e.g., "file", "s3", "mem").
	Scheme() string
}

// PutOptions configures write operations.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	// If set, the write fails with ErrExists if the object already exists.
	IfNotExists bool
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}
