// -----------------------------------------------------------------------
// Artifact Store - object storage for catalogs, outputs, and callback bodies
// -----------------------------------------------------------------------

package artifacts

import (
	"context"
	"io"
)

// Store abstracts the artifact bucket. Keys are bucket-relative paths such
// as "<jobID>/<workItemID>/outputs/catalog.json"; writers own their staging
// prefix exclusively and objects are immutable once written.
type Store interface {
	// Put streams body to key and returns the number of bytes written.
	Put(ctx context.Context, key string, body io.Reader) (int64, error)

	// Get opens the object at key. Callers must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Size returns the stored size of the object at key.
	Size(ctx context.Context, key string) (int64, error)

	// PutJSON marshals v and stores it at key.
	PutJSON(ctx context.Context, key string, v interface{}) error

	// GetJSON reads the object at key and unmarshals it into v.
	GetJSON(ctx context.Context, key string, v interface{}) error

	// DeletePrefix removes every object under prefix. Used by job deletion.
	DeletePrefix(ctx context.Context, prefix string) error
}
