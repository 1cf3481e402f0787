package models

import "time"

// CallState represents the current state of a call record
type CallState string

const (
	StateInitiated CallState = "initiated"
	StateRinging   CallState = "ringing"
	StateAccepted  CallState = "accepted"
	StateInSession CallState = "in_session"
	StateEnded     CallState = "ended"
)

// Party identifies one side of a call
type Party struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Clip is one immutable audio clip event in a call's log.
// Sequence numbers are assigned by the engine and strictly increase
// per room, giving both ends a replayable ordering.
type Clip struct {
	Seq        int       `json:"seq"`
	SenderID   string    `json:"senderId"`
	Key        string    `json:"key"`
	URL        string    `json:"url"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// CallRecord is the shared document representing one call attempt/session,
// stored under calls/{roomId}.
type CallRecord struct {
	RoomID      string    `json:"roomId"`
	Caller      Party     `json:"caller"`
	Receiver    Party     `json:"receiver"`
	State       CallState `json:"state"`
	Notify      bool      `json:"notify"`
	ToResponder bool      `json:"toResponder,omitempty"`
	Clips       []Clip    `json:"clips,omitempty"`
	// Timestamp is overwritten on every mutation and doubles as the
	// activity clock for ring/session timeouts.
	Timestamp time.Time `json:"timestamp"`
}

// Participant reports whether uid is the caller or receiver of the record.
func (c *CallRecord) Participant(uid string) bool {
	return c.Caller.ID == uid || c.Receiver.ID == uid
}

// Peer returns the other party of the record relative to uid.
func (c *CallRecord) Peer(uid string) Party {
	if c.Caller.ID == uid {
		return c.Receiver
	}
	return c.Caller
}

// ReportStatus tracks an emergency report through its lifecycle
type ReportStatus string

const (
	ReportFiled    ReportStatus = "reported"
	ReportAccepted ReportStatus = "accepted"
	ReportDeclined ReportStatus = "declined"
	ReportResolved ReportStatus = "resolved"
)

// Location is a WGS84 coordinate pair
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Report is an emergency report filed by a user, stored under reports/{id}
type Report struct {
	ID          string       `json:"reportId"`
	SenderID    string       `json:"senderId"`
	Category    string       `json:"category"`
	Details     string       `json:"details"`
	Location    Location     `json:"location"`
	Assets      []string     `json:"assets,omitempty"`
	Status      ReportStatus `json:"status"`
	ResponderID string       `json:"responderId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Account roles
const (
	RoleUser      = "user"
	RoleResponder = "responder"
	RoleAdmin     = "admin"
)

// Account is a portal account, stored under users/{uid}
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstname"`
	LastName  string    `json:"lastname"`
	Username  string    `json:"username"`
	Number    string    `json:"number"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// DisplayName returns the name shown to call peers and chat partners.
func (a *Account) DisplayName() string {
	if a.Username != "" {
		return a.Username
	}
	return a.FirstName + " " + a.LastName
}

// ChatMessage is one message in a room, stored under rooms/{roomId}/messages/{id}
type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is a per-recipient alert, stored under notifications/messages/{uid}/{id}
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	FromID    string    `json:"fromId"`
	FromName  string    `json:"fromName"`
	Preview   string    `json:"preview"`
	RoomID    string    `json:"roomId"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Responder is a registered responder's presence entry with last known position
type Responder struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Number    string    `json:"number"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updatedAt"`
}
