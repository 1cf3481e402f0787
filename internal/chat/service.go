package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"siren-signal/internal/models"
	"siren-signal/internal/store"
)

var ErrEmptyMessage = errors.New("empty message")

// Service stores room messages and fans out per-recipient message
// notifications the way the app keeps them: messages under
// rooms/{roomId}/messages/{id}, alerts under notifications/messages/{uid}/{id}.
type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

func messagesPrefix(roomID string) string {
	return fmt.Sprintf("rooms/%s/messages/", roomID)
}

func notificationsPrefix(userID string) string {
	return fmt.Sprintf("notifications/messages/%s/", userID)
}

// Send appends a message to the room and writes a notification for the
// recipient.
func (s *Service) Send(ctx context.Context, roomID string, sender models.Party, recipientID, text string) (*models.ChatMessage, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}

	now := time.Now()
	msg := models.ChatMessage{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		SenderID:  sender.ID,
		Text:      text,
		Timestamp: now,
	}
	if err := s.store.Write(ctx, messagesPrefix(roomID)+msg.ID, &msg); err != nil {
		return nil, err
	}

	preview := text
	if r := []rune(preview); len(r) > 80 {
		preview = string(r[:80])
	}
	notif := models.Notification{
		ID:        uuid.New().String(),
		UserID:    recipientID,
		FromID:    sender.ID,
		FromName:  sender.DisplayName,
		Preview:   preview,
		RoomID:    roomID,
		CreatedAt: now,
	}
	if err := s.store.Write(ctx, notificationsPrefix(recipientID)+notif.ID, &notif); err != nil {
		// The message itself landed; the missed alert is not worth failing the send.
		log.Printf("[Chat] notification write for %s failed: %v", recipientID, err)
	}

	log.Printf("[Chat] Message %s in room %s: %s -> %s", msg.ID, roomID, sender.ID, recipientID)
	return &msg, nil
}

// History returns the room's messages in send order.
func (s *Service) History(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	raws, err := s.store.List(ctx, messagesPrefix(roomID))
	if err != nil {
		return nil, err
	}

	out := make([]models.ChatMessage, 0, len(raws))
	for path, raw := range raws {
		var msg models.ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[Chat] skipping bad message %s: %v", path, err)
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Notifications returns a user's message alerts, newest first.
func (s *Service) Notifications(ctx context.Context, userID string) ([]models.Notification, error) {
	raws, err := s.store.List(ctx, notificationsPrefix(userID))
	if err != nil {
		return nil, err
	}

	out := make([]models.Notification, 0, len(raws))
	for path, raw := range raws {
		var n models.Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			log.Printf("[Chat] skipping bad notification %s: %v", path, err)
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// MarkRead flags one notification as read.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	path := notificationsPrefix(userID) + notificationID
	var n models.Notification
	err := s.store.Read(ctx, path, &n)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	n.Read = true
	return s.store.Write(ctx, path, &n)
}
