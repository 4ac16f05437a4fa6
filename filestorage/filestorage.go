// Package filestorage stores run reports, either on the local filesystem or
// in an S3 bucket.
package filestorage

import (
	"context"
	"io"
)

// FileStorage is an interface for implementing file storage backends
// to save reports.
type FileStorage interface {
	// Store saves the contents of r under name. metadata is attached to the
	// stored file when the backend supports it.
	Store(ctx context.Context, name string, r io.Reader, metadata map[string]interface{}) error
	Delete(name string) error
	Exists(name string) bool
}
