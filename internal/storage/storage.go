// Package storage provides read access to the remote object store the catalog
// is published to.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrDownloadFailed = errors.New("download failed")
)

// ObjectStorage abstracts the remote object store.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Open streams an object. The caller closes the reader.
	Open(ctx context.Context, objectPath string) (io.ReadCloser, error)

	// Download copies an object to a local file.
	// objectPath is the source path in object storage.
	// localPath is the destination path on the local filesystem.
	Download(ctx context.Context, objectPath, localPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)
}

// Prefixed scopes every object path under a fixed key prefix.
type Prefixed struct {
	inner  ObjectStorage
	prefix string
}

// WithPrefix wraps inner so that callers address objects relative to prefix.
// An empty prefix returns inner unchanged.
func WithPrefix(inner ObjectStorage, prefix string) ObjectStorage {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return inner
	}
	return &Prefixed{inner: inner, prefix: prefix + "/"}
}

func (p *Prefixed) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	return p.inner.Open(ctx, p.prefix+objectPath)
}

func (p *Prefixed) Download(ctx context.Context, objectPath, localPath string) error {
	return p.inner.Download(ctx, p.prefix+objectPath, localPath)
}

func (p *Prefixed) Exists(ctx context.Context, objectPath string) (bool, error) {
	return p.inner.Exists(ctx, p.prefix+objectPath)
}
