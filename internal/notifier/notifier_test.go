package notifier_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"siren-signal/internal/blob"
	"siren-signal/internal/engine"
	"siren-signal/internal/models"
	"siren-signal/internal/notifier"
	"siren-signal/internal/store"
)

var (
	alice = models.Party{ID: "alice", DisplayName: "Alice"}
	bob   = models.Party{ID: "bob", DisplayName: "Bob"}
	carol = models.Party{ID: "carol", DisplayName: "Carol"}
)

type fixture struct {
	cc *engine.CallControl
	nt *notifier.Notifier
	bs *blob.MemoryStorage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	bs := blob.NewMemoryStorage("http://localhost:8080")
	cc := engine.NewCallControl(st, bs, engine.Options{})
	nt := notifier.New(st, cc)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := nt.Run(ctx); err != nil {
			t.Errorf("notifier run: %v", err)
		}
	}()

	return &fixture{cc: cc, nt: nt, bs: bs}
}

func nextEvent(t *testing.T, events <-chan notifier.Event) notifier.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notifier event")
		return notifier.Event{}
	}
}

func expectQuiet(t *testing.T, events <-chan notifier.Event) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRingDeliveredOncePerRoom(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	events, detach := f.nt.Attach(bob.ID)
	defer detach()

	rec, err := f.cc.Initiate(ctx, alice, bob, true)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	ring := nextEvent(t, events)
	if ring.Type != notifier.EventRing {
		t.Fatalf("expected ring, got %s", ring.Type)
	}
	if ring.RoomID != rec.RoomID || ring.Peer.ID != alice.ID || !ring.ToResponder {
		t.Fatalf("unexpected ring payload %+v", ring)
	}

	// The MarkRinging write and any repeated record mutation must not
	// re-trigger the prompt for the same room.
	if err := f.cc.MarkRinging(ctx, rec.RoomID); err != nil {
		t.Fatalf("mark ringing: %v", err)
	}
	expectQuiet(t, events)

	// A different room for the same receiver still rings.
	rec2, err := f.cc.Initiate(ctx, carol, bob, false)
	if err != nil {
		t.Fatalf("initiate second: %v", err)
	}
	ring2 := nextEvent(t, events)
	if ring2.Type != notifier.EventRing || ring2.RoomID != rec2.RoomID {
		t.Fatalf("expected ring for %s, got %+v", rec2.RoomID, ring2)
	}
}

func TestAcceptNotifiesCaller(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	callerEvents, detachCaller := f.nt.Attach(alice.ID)
	defer detachCaller()
	receiverEvents, detachReceiver := f.nt.Attach(bob.ID)
	defer detachReceiver()

	rec, err := f.cc.Initiate(ctx, alice, bob, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if ev := nextEvent(t, receiverEvents); ev.Type != notifier.EventRing {
		t.Fatalf("expected ring for receiver, got %s", ev.Type)
	}

	if _, err := f.cc.Accept(ctx, rec.RoomID, bob.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	ev := nextEvent(t, callerEvents)
	if ev.Type != notifier.EventAccepted || ev.RoomID != rec.RoomID || ev.Peer.ID != bob.ID {
		t.Fatalf("expected accepted event for caller, got %+v", ev)
	}
}

func TestAttachReplaysPendingRing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.cc.Initiate(ctx, alice, bob, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// Wait for the notifier to see the call before the receiver connects.
	deadline := time.Now().Add(2 * time.Second)
	for {
		current, err := f.cc.Get(ctx, rec.RoomID)
		if err == nil && current.State == models.StateRinging {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("call never reached ringing state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	events, detach := f.nt.Attach(bob.ID)
	defer detach()

	ring := nextEvent(t, events)
	if ring.Type != notifier.EventRing || ring.RoomID != rec.RoomID {
		t.Fatalf("expected replayed ring, got %+v", ring)
	}
}

func TestClipsDeliveredToPeerExactlyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	callerEvents, detachCaller := f.nt.Attach(alice.ID)
	defer detachCaller()
	receiverEvents, detachReceiver := f.nt.Attach(bob.ID)
	defer detachReceiver()

	rec, err := f.cc.Initiate(ctx, alice, bob, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	nextEvent(t, receiverEvents) // ring
	if _, err := f.cc.Accept(ctx, rec.RoomID, bob.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	nextEvent(t, callerEvents) // accepted

	if _, err := f.cc.AppendClip(ctx, rec.RoomID, alice.ID, []byte("hi bob")); err != nil {
		t.Fatalf("append clip: %v", err)
	}

	ev := nextEvent(t, receiverEvents)
	if ev.Type != notifier.EventClip || ev.Clip == nil || ev.Clip.Seq != 1 {
		t.Fatalf("expected clip 1 for receiver, got %+v", ev)
	}
	// The sender never hears its own clip.
	expectQuiet(t, callerEvents)

	if _, err := f.cc.AppendClip(ctx, rec.RoomID, bob.ID, []byte("hi alice")); err != nil {
		t.Fatalf("reply clip: %v", err)
	}
	ev = nextEvent(t, callerEvents)
	if ev.Type != notifier.EventClip || ev.Clip == nil || ev.Clip.Seq != 2 {
		t.Fatalf("expected clip 2 for caller, got %+v", ev)
	}
	expectQuiet(t, receiverEvents)
}

func TestEndedDeliveredOnAbsence(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	callerEvents, detachCaller := f.nt.Attach(alice.ID)
	defer detachCaller()
	receiverEvents, detachReceiver := f.nt.Attach(bob.ID)
	defer detachReceiver()

	rec, err := f.cc.Initiate(ctx, alice, bob, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	nextEvent(t, receiverEvents) // ring

	if err := f.cc.End(ctx, rec.RoomID); err != nil {
		t.Fatalf("end: %v", err)
	}

	for name, ch := range map[string]<-chan notifier.Event{"caller": callerEvents, "receiver": receiverEvents} {
		ev := nextEvent(t, ch)
		if ev.Type != notifier.EventEnded || ev.RoomID != rec.RoomID {
			t.Fatalf("expected ended for %s, got %+v", name, ev)
		}
	}
}

// TestCallScenario walks the whole exchange: A dials B, B rings and
// accepts, A sends a clip B can fetch byte-for-byte, A hangs up and B
// observes the end.
func TestCallScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	aEvents, detachA := f.nt.Attach(alice.ID)
	defer detachA()
	bEvents, detachB := f.nt.Attach(bob.ID)
	defer detachB()

	rec, err := f.cc.Initiate(ctx, alice, bob, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	ring := nextEvent(t, bEvents)
	if ring.Type != notifier.EventRing || ring.Peer.ID != alice.ID {
		t.Fatalf("expected ring from alice, got %+v", ring)
	}

	if _, err := f.cc.Accept(ctx, rec.RoomID, bob.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if ev := nextEvent(t, aEvents); ev.Type != notifier.EventAccepted {
		t.Fatalf("expected accepted, got %+v", ev)
	}

	both, err := f.cc.Get(ctx, rec.RoomID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if both.State != models.StateAccepted || both.Notify {
		t.Fatalf("expected accepted/quiet record, got %+v", both)
	}

	audio := []byte("three seconds of audio")
	if _, err := f.cc.AppendClip(ctx, rec.RoomID, alice.ID, audio); err != nil {
		t.Fatalf("append clip: %v", err)
	}

	clipEv := nextEvent(t, bEvents)
	if clipEv.Type != notifier.EventClip {
		t.Fatalf("expected clip, got %+v", clipEv)
	}
	fetched, err := f.bs.Get(ctx, clipEv.Clip.Key)
	if err != nil {
		t.Fatalf("fetch clip: %v", err)
	}
	if !bytes.Equal(fetched, audio) {
		t.Fatal("delivered clip differs from recorded audio")
	}

	if err := f.cc.End(ctx, rec.RoomID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if ev := nextEvent(t, bEvents); ev.Type != notifier.EventEnded {
		t.Fatalf("expected ended for B, got %+v", ev)
	}
}
