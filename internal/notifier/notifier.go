package notifier

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"siren-signal/internal/models"
	"siren-signal/internal/store"
	"siren-signal/pkg/utils"
)

// EventType enumerates what a connected client can be told about a call.
type EventType string

const (
	// EventRing prompts the receiver with an incoming call.
	EventRing EventType = "ring"
	// EventAccepted tells the caller the receiver picked up.
	EventAccepted EventType = "accepted"
	// EventClip tells a party the peer posted a new audio clip.
	EventClip EventType = "clip"
	// EventEnded tells both parties the call is over.
	EventEnded EventType = "ended"
)

// Event is one notification delivered to an attached user.
type Event struct {
	Type        EventType    `json:"type"`
	RoomID      string       `json:"roomId"`
	Peer        models.Party `json:"peer"`
	ToResponder bool         `json:"toResponder,omitempty"`
	Clip        *models.Clip `json:"clip,omitempty"`
}

// Marker is the slice of CallControl the notifier needs to record that a
// receiver has been prompted.
type Marker interface {
	MarkRinging(ctx context.Context, roomID string) error
}

// roomState tracks what has already been delivered for one room, so
// repeated store events never re-ring a prompt or replay a clip.
type roomState struct {
	caller       models.Party
	receiver     models.Party
	toResponder  bool
	rung         bool
	acceptedSent bool
	lastSeq      int
	endedSent    bool
}

// Notifier turns store changes under calls/ into per-user event channels.
// Each user gets rung at most once per room id, and each clip is handed
// to the non-sending party exactly once.
type Notifier struct {
	store  store.Store
	marker Marker

	mu        sync.Mutex
	listeners map[string][]chan Event
	rooms     map[string]*roomState
}

func New(st store.Store, marker Marker) *Notifier {
	return &Notifier{
		store:     st,
		marker:    marker,
		listeners: make(map[string][]chan Event),
		rooms:     make(map[string]*roomState),
	}
}

// Attach registers a user for call events. Pending rings for that user
// are replayed immediately so a client connecting mid-ring still gets
// prompted. The returned func detaches the channel.
func (n *Notifier) Attach(userID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	n.mu.Lock()
	n.listeners[userID] = append(n.listeners[userID], ch)
	for roomID, rs := range n.rooms {
		if rs.receiver.ID == userID && rs.rung && !rs.endedSent {
			ch <- Event{
				Type:        EventRing,
				RoomID:      roomID,
				Peer:        rs.caller,
				ToResponder: rs.toResponder,
			}
		}
	}
	n.mu.Unlock()

	detach := func() {
		n.mu.Lock()
		chans := n.listeners[userID]
		for i, c := range chans {
			if c == ch {
				n.listeners[userID] = append(chans[:i], chans[i+1:]...)
				close(c)
				break
			}
		}
		if len(n.listeners[userID]) == 0 {
			delete(n.listeners, userID)
		}
		n.mu.Unlock()
	}
	return ch, detach
}

// Run subscribes to the call-record space and dispatches events until
// ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	events, cancel, err := n.store.Subscribe(ctx, "calls/")
	if err != nil {
		return err
	}
	defer cancel()

	log.Printf("[Notifier] Watching call records")
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.handle(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Notifier) handle(ctx context.Context, ev store.Event) {
	roomID := strings.TrimPrefix(ev.Path, "calls/")

	if ev.Value == nil {
		n.handleAbsence(roomID)
		return
	}

	var rec models.CallRecord
	if err := json.Unmarshal(ev.Value, &rec); err != nil {
		log.Printf("[Notifier] bad record at %s: %v", ev.Path, err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	rs, ok := n.rooms[roomID]
	if !ok {
		rs = &roomState{
			caller:      rec.Caller,
			receiver:    rec.Receiver,
			toResponder: rec.ToResponder,
		}
		n.rooms[roomID] = rs
	}

	switch rec.State {
	case models.StateInitiated, models.StateRinging:
		if rec.Notify && !rs.rung {
			rs.rung = true
			n.deliverLocked(rec.Receiver.ID, Event{
				Type:        EventRing,
				RoomID:      roomID,
				Peer:        rec.Caller,
				ToResponder: rec.ToResponder,
			})
			utils.RingsDeliveredTotal.Inc()
			log.Printf("[Notifier] Ringing %s for call %s from %s",
				rec.Receiver.ID, roomID, rec.Caller.ID)
			if err := n.marker.MarkRinging(ctx, roomID); err != nil {
				log.Printf("[Notifier] mark ringing %s: %v", roomID, err)
			}
		}

	case models.StateAccepted, models.StateInSession:
		if !rs.rung {
			// Accepted before this node saw the ring; suppress it.
			rs.rung = true
		}
		if !rs.acceptedSent {
			rs.acceptedSent = true
			n.deliverLocked(rec.Caller.ID, Event{
				Type:   EventAccepted,
				RoomID: roomID,
				Peer:   rec.Receiver,
			})
		}
		for _, clip := range rec.Clips {
			if clip.Seq <= rs.lastSeq {
				continue
			}
			rs.lastSeq = clip.Seq
			clip := clip
			recipient := rec.Peer(clip.SenderID)
			n.deliverLocked(recipient.ID, Event{
				Type:   EventClip,
				RoomID: roomID,
				Peer:   rec.Peer(recipient.ID),
				Clip:   &clip,
			})
		}

	case models.StateEnded:
		n.sendEndedLocked(roomID, rs)
	}
}

// handleAbsence treats record deletion as the end-of-call signal for
// both parties, matching how a hung-up peer is detected.
func (n *Notifier) handleAbsence(roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	rs, ok := n.rooms[roomID]
	if !ok {
		return
	}
	n.sendEndedLocked(roomID, rs)
	delete(n.rooms, roomID)
}

func (n *Notifier) sendEndedLocked(roomID string, rs *roomState) {
	if rs.endedSent {
		return
	}
	rs.endedSent = true
	n.deliverLocked(rs.caller.ID, Event{Type: EventEnded, RoomID: roomID, Peer: rs.receiver})
	n.deliverLocked(rs.receiver.ID, Event{Type: EventEnded, RoomID: roomID, Peer: rs.caller})
	log.Printf("[Notifier] Call %s ended", roomID)
}

func (n *Notifier) deliverLocked(userID string, ev Event) {
	for _, ch := range n.listeners[userID] {
		select {
		case ch <- ev:
		default:
			log.Printf("[Notifier] dropping %s event for slow listener %s", ev.Type, userID)
		}
	}
}
