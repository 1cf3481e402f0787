package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"siren-signal/internal/blob"
	"siren-signal/internal/models"
	"siren-signal/internal/store"
	"siren-signal/pkg/utils"
)

var (
	ErrRecordNotFound = errors.New("call record not found")
	ErrInvalidState   = errors.New("invalid call state")
	ErrNotParticipant = errors.New("not a participant of this call")
)

const callsPrefix = "calls/"

func callPath(roomID string) string { return callsPrefix + roomID }

// NewRoomID synthesizes the storage key for a new call record from the
// current time and both participant ids.
func NewRoomID(callerID, receiverID string) string {
	return fmt.Sprintf("room_%d_%s_%s", time.Now().UnixMilli(), callerID, receiverID)
}

// Options tune the call lifecycle timeouts.
type Options struct {
	// RingTimeout bounds how long an unanswered call keeps ringing.
	RingTimeout time.Duration
	// SessionTimeout bounds inactivity in an accepted call before the
	// sweeper ends it.
	SessionTimeout time.Duration
	// SweepInterval is how often the sweeper scans for expired records.
	SweepInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.RingTimeout == 0 {
		o.RingTimeout = 60 * time.Second
	}
	if o.SessionTimeout == 0 {
		o.SessionTimeout = 5 * time.Minute
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 5 * time.Second
	}
}

// CallControl manages the lifecycle of call records: initiate, ring,
// accept, clip exchange, teardown. All state lives in the store; the
// mutex serializes this node's read-modify-write cycles.
type CallControl struct {
	mu    sync.Mutex
	store store.Store
	blob  blob.Storage
	opts  Options
}

func NewCallControl(st store.Store, bs blob.Storage, opts Options) *CallControl {
	opts.setDefaults()
	return &CallControl{
		store: st,
		blob:  bs,
		opts:  opts,
	}
}

// Initiate begins a new call. Any stale record this caller left behind is
// deleted first, then a fresh record is written with state "initiated"
// and the notify flag raised.
func (cc *CallControl) Initiate(ctx context.Context, caller, receiver models.Party, toResponder bool) (*models.CallRecord, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	existing, err := cc.store.List(ctx, callsPrefix)
	if err != nil {
		return nil, err
	}
	for path, raw := range existing {
		var rec models.CallRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Caller.ID != caller.ID {
			continue
		}
		log.Printf("[CallControl] Removing stale call %s before new dial", rec.RoomID)
		if err := cc.store.Delete(ctx, path); err != nil {
			return nil, err
		}
		utils.ActiveCalls.Dec()
	}

	rec := models.CallRecord{
		RoomID:      NewRoomID(caller.ID, receiver.ID),
		Caller:      caller,
		Receiver:    receiver,
		State:       models.StateInitiated,
		Notify:      true,
		ToResponder: toResponder,
		Timestamp:   time.Now(),
	}
	if err := cc.store.Write(ctx, callPath(rec.RoomID), &rec); err != nil {
		return nil, err
	}

	utils.ActiveCalls.Inc()
	utils.CallEventsTotal.WithLabelValues("initiated").Inc()
	log.Printf("[CallControl] Call %s started: %s -> %s (responder=%v)",
		rec.RoomID, caller.ID, receiver.ID, toResponder)
	return &rec, nil
}

// MarkRinging records that the receiver's client has been prompted.
// Calls that already advanced past ringing are left alone.
func (cc *CallControl) MarkRinging(ctx context.Context, roomID string) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	rec, err := cc.get(ctx, roomID)
	if err != nil {
		return err
	}
	if rec.State != models.StateInitiated {
		return nil
	}
	// The timestamp stays untouched so the ring timeout counts from initiate.
	rec.State = models.StateRinging
	return cc.store.Write(ctx, callPath(roomID), rec)
}

// Accept transitions a ringing call to accepted and clears the notify
// flag, so both subscribed ends observe the change in one round trip.
func (cc *CallControl) Accept(ctx context.Context, roomID, receiverID string) (*models.CallRecord, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	rec, err := cc.get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if rec.Receiver.ID != receiverID {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, receiverID)
	}
	if rec.State != models.StateInitiated && rec.State != models.StateRinging {
		return nil, fmt.Errorf("%w: cannot accept %s call", ErrInvalidState, rec.State)
	}

	rec.State = models.StateAccepted
	rec.Notify = false
	rec.Timestamp = time.Now()
	if err := cc.store.Write(ctx, callPath(roomID), rec); err != nil {
		return nil, err
	}

	utils.CallEventsTotal.WithLabelValues("accepted").Inc()
	log.Printf("[CallControl] Call %s accepted by %s", roomID, receiverID)
	return rec, nil
}

// Decline tears the call down before it was answered. Declining a call
// that is already gone is a no-op.
func (cc *CallControl) Decline(ctx context.Context, roomID, receiverID string) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	rec, err := cc.get(ctx, roomID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if rec.Receiver.ID != receiverID {
		return fmt.Errorf("%w: %s", ErrNotParticipant, receiverID)
	}
	return cc.teardown(ctx, rec, "declined")
}

// AppendClip uploads one audio clip and appends it to the call's clip
// log with the next sequence number. The first clip moves the call from
// accepted to in_session.
func (cc *CallControl) AppendClip(ctx context.Context, roomID, senderID string, audio []byte) (*models.Clip, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	rec, err := cc.get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !rec.Participant(senderID) {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, senderID)
	}
	if rec.State != models.StateAccepted && rec.State != models.StateInSession {
		return nil, fmt.Errorf("%w: cannot send clip on %s call", ErrInvalidState, rec.State)
	}

	now := time.Now()
	key := blob.RecordingKey(senderID, now)
	url, err := cc.blob.Put(ctx, key, audio, "audio/3gpp")
	if err != nil {
		utils.ClipUploadErrors.Inc()
		return nil, err
	}

	clip := models.Clip{
		Seq:        len(rec.Clips) + 1,
		SenderID:   senderID,
		Key:        key,
		URL:        url,
		UploadedAt: now,
	}
	rec.Clips = append(rec.Clips, clip)
	rec.State = models.StateInSession
	rec.Timestamp = now
	if err := cc.store.Write(ctx, callPath(roomID), rec); err != nil {
		return nil, err
	}

	utils.CallEventsTotal.WithLabelValues("clip").Inc()
	log.Printf("[CallControl] Call %s clip %d from %s (%d bytes)", roomID, clip.Seq, senderID, len(audio))
	return &clip, nil
}

// End tears down a call from either side. Ending a call whose record is
// already absent (the peer hung up first) is a no-op, so near-simultaneous
// hangups converge without error.
func (cc *CallControl) End(ctx context.Context, roomID string) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	rec, err := cc.get(ctx, roomID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	return cc.teardown(ctx, rec, "ended")
}

// Get returns the current record for a room.
func (cc *CallControl) Get(ctx context.Context, roomID string) (*models.CallRecord, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.get(ctx, roomID)
}

// Active lists every call record currently in the store.
func (cc *CallControl) Active(ctx context.Context) ([]*models.CallRecord, error) {
	raws, err := cc.store.List(ctx, callsPrefix)
	if err != nil {
		return nil, err
	}
	list := make([]*models.CallRecord, 0, len(raws))
	for path, raw := range raws {
		var rec models.CallRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Printf("[CallControl] skipping bad record %s: %v", path, err)
			continue
		}
		list = append(list, &rec)
	}
	return list, nil
}

func (cc *CallControl) get(ctx context.Context, roomID string) (*models.CallRecord, error) {
	var rec models.CallRecord
	err := cc.store.Read(ctx, callPath(roomID), &rec)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, roomID)
	} else if err != nil {
		return nil, err
	}
	return &rec, nil
}

// teardown writes the terminal "ended" state so live subscribers see it,
// then deletes the record; absence is the durable end-of-call signal.
func (cc *CallControl) teardown(ctx context.Context, rec *models.CallRecord, event string) error {
	rec.State = models.StateEnded
	rec.Notify = false
	rec.Timestamp = time.Now()
	if err := cc.store.Write(ctx, callPath(rec.RoomID), rec); err != nil {
		return err
	}
	if err := cc.store.Delete(ctx, callPath(rec.RoomID)); err != nil {
		return err
	}

	utils.ActiveCalls.Dec()
	utils.CallEventsTotal.WithLabelValues(event).Inc()
	log.Printf("[CallControl] Call %s %s", rec.RoomID, event)
	return nil
}

// RunSweeper expires rings nobody answered and sessions that went idle.
// Blocks until ctx is cancelled.
func (cc *CallControl) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(cc.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cc.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (cc *CallControl) sweep(ctx context.Context) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	raws, err := cc.store.List(ctx, callsPrefix)
	if err != nil {
		log.Printf("[CallControl] sweep list failed: %v", err)
		return
	}

	now := time.Now()
	for path, raw := range raws {
		var rec models.CallRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Printf("[CallControl] sweep: bad record %s: %v", path, err)
			continue
		}

		switch rec.State {
		case models.StateInitiated, models.StateRinging:
			if now.Sub(rec.Timestamp) > cc.opts.RingTimeout {
				log.Printf("[CallControl] Call %s ring timed out", rec.RoomID)
				if err := cc.teardown(ctx, &rec, "ring_timeout"); err != nil {
					log.Printf("[CallControl] sweep teardown %s: %v", rec.RoomID, err)
				}
			}
		case models.StateAccepted, models.StateInSession:
			if now.Sub(rec.Timestamp) > cc.opts.SessionTimeout {
				log.Printf("[CallControl] Call %s session timed out", rec.RoomID)
				if err := cc.teardown(ctx, &rec, "session_timeout"); err != nil {
					log.Printf("[CallControl] sweep teardown %s: %v", rec.RoomID, err)
				}
			}
		case models.StateEnded:
			// Terminal snapshot that outlived its delete.
			if err := cc.store.Delete(ctx, path); err == nil {
				utils.ActiveCalls.Dec()
			}
		}
	}
}
