package blob

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUploadFailed is returned when the backing storage rejects a put.
	ErrUploadFailed = errors.New("upload failed")
	// ErrNotFound is returned when no object exists under the key.
	ErrNotFound = errors.New("object not found")
)

// Storage holds audio recordings. Put stores the bytes and returns a URL
// the peer can fetch them from; Get reads them back by key.
type Storage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// RecordingKey builds the per-user, per-timestamp object key for a clip.
func RecordingKey(uid string, at time.Time) string {
	return fmt.Sprintf("recordings/%s/%d.3gp", uid, at.UnixMilli())
}
