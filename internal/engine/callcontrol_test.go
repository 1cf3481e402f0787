package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"siren-signal/internal/blob"
	"siren-signal/internal/models"
	"siren-signal/internal/store"
)

var (
	alice = models.Party{ID: "alice", DisplayName: "Alice"}
	bob   = models.Party{ID: "bob", DisplayName: "Bob"}
	carol = models.Party{ID: "carol", DisplayName: "Carol"}
)

func newTestControl(opts Options) (*CallControl, *store.MemoryStore, *blob.MemoryStorage) {
	st := store.NewMemoryStore()
	bs := blob.NewMemoryStorage("http://localhost:8080")
	return NewCallControl(st, bs, opts), st, bs
}

func TestInitiateCreatesRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cc, st, _ := newTestControl(Options{})

	rec, err := cc.Initiate(ctx, alice, bob, true)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if !strings.HasPrefix(rec.RoomID, "room_") ||
		!strings.HasSuffix(rec.RoomID, "_alice_bob") {
		t.Fatalf("unexpected room id %q", rec.RoomID)
	}
	if rec.State != models.StateInitiated {
		t.Fatalf("expected state initiated, got %s", rec.State)
	}
	if !rec.Notify {
		t.Fatal("expected notify flag raised")
	}
	if !rec.ToResponder {
		t.Fatal("expected toResponder flag")
	}

	docs, err := st.List(ctx, "calls/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected exactly one call record, got %d", len(docs))
	}
}

func TestInitiateCleansStaleRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cc, st, _ := newTestControl(Options{})

	stale, err := cc.Initiate(ctx, alice, bob, false)
	if err != nil {
		t.Fatalf("first initiate: %v", err)
	}

	fresh, err := cc.Initiate(ctx, alice, carol, false)
	if err != nil {
		t.Fatalf("second initiate: %v", err)
	}

	if _, err := cc.Get(ctx, stale.RoomID); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected stale record gone, got %v", err)
	}
	if _, err := cc.Get(ctx, fresh.RoomID); err != nil {
		t.Fatalf("fresh record missing: %v", err)
	}

	docs, _ := st.List(ctx, "calls/")
	if len(docs) != 1 {
		t.Fatalf("expected one record after cleanup, got %d", len(docs))
	}
}

func TestMarkRingingKeepsInitiateTime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cc, _, _ := newTestControl(Options{})

	rec, err := cc.Initiate(ctx, alice, bob, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := cc.MarkRinging(ctx, rec.RoomID); err != nil {
		t.Fatalf("mark ringing: %v", err)
	}

	ringing, err := cc.Get(ctx, rec.RoomID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ringing.State != models.StateRinging {
		t.Fatalf("expected ringing, got %s", ringing.State)
	}
	// The ring timeout counts from initiate, not from the ring prompt.
	if !ringing.Timestamp.Equal(rec.Timestamp) {
		t.Fatalf("timestamp moved on ring: %v -> %v", rec.Timestamp, ringing.Timestamp)
	}
}

func TestAcceptTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cc, _, _ := newTestControl(Options{})

	rec, err := cc.Initiate(ctx, alice, bob, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if _, err := cc.Accept(ctx, rec.RoomID, "carol"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	accepted, err := cc.Accept(ctx, rec.RoomID, bob.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.State != models.StateAccepted {
		t.Fatalf("expected accepted, got %s", accepted.State)
	}
	if accepted.Notify {
		t.Fatal("expected notify cleared on accept")
	}

	if _, err := cc.Accept(ctx, rec.RoomID, bob.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double accept, got %v", err)
	}

	if _, err := cc.Accept(ctx, "room_0_x_y", bob.ID); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestDeclineRemovesRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cc, _, _ := newTestControl(Options{})

	rec, err := cc.Initiate(ctx, alice, bob, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := cc.Decline(ctx, rec.RoomID, bob.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if _, err := cc.Get(ctx, rec.RoomID); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected record gone, got %v", err)
	}

	// Declining an already-gone call is a no-op.
	if err := cc.Decline(ctx, rec.RoomID, bob.ID); err != nil {
		t.Fatalf("second decline: %v", err)
	}
}

func TestAppendClip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cc, _, bs := newTestControl(Options{})

	rec, err := cc.Initiate(ctx, alice, bob, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// Clips are only valid once the call was accepted.
	if _, err := cc.AppendClip(ctx, rec.RoomID, alice.ID, []byte("x")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before accept, got %v", err)
	}

	if _, err := cc.Accept(ctx, rec.RoomID, bob.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := cc.AppendClip(ctx, rec.RoomID, "carol", []byte("x")); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	audio := []byte("three-seconds-of-audio")
	clip, err := cc.AppendClip(ctx, rec.RoomID, alice.ID, audio)
	if err != nil {
		t.Fatalf("append clip: %v", err)
	}
	if clip.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", clip.Seq)
	}

	// Round-trip fidelity: the stored bytes match what was sent.
	stored, err := bs.Get(ctx, clip.Key)
	if err != nil {
		t.Fatalf("fetch clip: %v", err)
	}
	if !bytes.Equal(stored, audio) {
		t.Fatal("clip bytes do not match upload")
	}

	current, err := cc.Get(ctx, rec.RoomID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.State != models.StateInSession {
		t.Fatalf("expected in_session after first clip, got %s", current.State)
	}

	second, err := cc.AppendClip(ctx, rec.RoomID, bob.ID, []byte("reply"))
	if err != nil {
		t.Fatalf("second clip: %v", err)
	}
	if second.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", second.Seq)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cc, _, _ := newTestControl(Options{})

	rec, err := cc.Initiate(ctx, alice, bob, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := cc.End(ctx, rec.RoomID); err != nil {
		t.Fatalf("first end: %v", err)
	}
	// Both parties hanging up near-simultaneously must converge quietly.
	if err := cc.End(ctx, rec.RoomID); err != nil {
		t.Fatalf("second end: %v", err)
	}

	if _, err := cc.Get(ctx, rec.RoomID); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected record gone, got %v", err)
	}
}

func TestSweepExpiresRings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cc, _, _ := newTestControl(Options{
		RingTimeout:    10 * time.Millisecond,
		SessionTimeout: time.Hour,
	})

	rec, err := cc.Initiate(ctx, alice, bob, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	cc.sweep(ctx)

	if _, err := cc.Get(ctx, rec.RoomID); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ring-timed-out record gone, got %v", err)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cc, _, _ := newTestControl(Options{
		RingTimeout:    time.Hour,
		SessionTimeout: 10 * time.Millisecond,
	})

	rec, err := cc.Initiate(ctx, alice, bob, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := cc.Accept(ctx, rec.RoomID, bob.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// A freshly accepted call must survive the sweep.
	cc.sweep(ctx)
	if _, err := cc.Get(ctx, rec.RoomID); err != nil {
		t.Fatalf("record should survive immediate sweep: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	cc.sweep(ctx)

	if _, err := cc.Get(ctx, rec.RoomID); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected idle session gone, got %v", err)
	}
}
