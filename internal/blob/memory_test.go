package blob

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryStorageRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms := NewMemoryStorage("http://localhost:8080")

	audio := []byte("3gp-audio-bytes")
	key := RecordingKey("alice", time.Now())
	if !strings.HasPrefix(key, "recordings/alice/") || !strings.HasSuffix(key, ".3gp") {
		t.Fatalf("unexpected recording key %q", key)
	}

	url, err := ms.Put(ctx, key, audio, "audio/3gpp")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "http://localhost:8080/"+key {
		t.Fatalf("unexpected url %q", url)
	}

	got, err := ms.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Fatalf("round trip mismatch: got %q", got)
	}

	if _, err := ms.Get(ctx, "recordings/alice/missing.3gp"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
