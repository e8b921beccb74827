// Package blob stores document content. Metadata lives in Postgres; the bytes
// live here under opaque keys.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a storage backend.
type Driver string

const (
	DriverMemory Driver = "memory" // in-process (dev, tests)
	DriverS3     Driver = "s3"     // S3 / MinIO compatible
)

var (
	ErrNotFound = errors.New("blob: not found")
	ErrExists   = errors.New("blob: already exists")
)

// PutOptions carries optional attributes for Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is a create-only key/value store for document content.
type Store interface {
	// Put writes a new blob. It fails with ErrExists when key is taken.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	// Delete removes a blob, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	Driver() Driver
}
