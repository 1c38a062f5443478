// Package export ships case artifacts (assessments, timelines) to the
// report-generation side as JSON objects. Object storage is an explicit
// collaborator with its own timeout, never part of the store's
// transactional boundary.
package export

import (
	"context"
	"errors"
)

// Common errors for artifact storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
)

// ObjectStorage abstracts where exported artifacts land. Implementations
// include S3 and the local filesystem.
type ObjectStorage interface {
	// Put writes an artifact under objectPath, overwriting any previous
	// version.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads an artifact back. Returns ErrObjectNotFound if absent.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Exists reports whether an artifact is present.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all artifact paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
