package chat

import (
	"strings"
	"time"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

// RoomID addresses a broadcast scope. Today every room is an appointment id.
type RoomID string

// AppointmentStatus mirrors the booking service's appointment lifecycle.
type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusScheduled AppointmentStatus = "scheduled"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Qualifies reports whether an appointment in this status makes a conversation visible.
func (s AppointmentStatus) Qualifies() bool {
	return s == StatusScheduled || s == StatusCompleted
}

// Party is one side of an appointment.
type Party struct {
	UserID    int64  `json:"user_id"`
	ProfileID int64  `json:"profile_id"`
	Name      string `json:"name"`
	Image     string `json:"image,omitempty"`
}

// Appointment is owned by the booking service; this package only reads it.
type Appointment struct {
	ID        string            `json:"id"`
	Patient   Party             `json:"patient"`
	Clinician Party             `json:"clinician"`
	Status    AppointmentStatus `json:"status"`
	StartsAt  time.Time         `json:"starts_at"`
}

// Counterpart returns the other side of the appointment as seen by userID.
func (a *Appointment) Counterpart(userID int64) (Party, bool) {
	switch userID {
	case a.Patient.UserID:
		return a.Clinician, true
	case a.Clinician.UserID:
		return a.Patient, true
	}
	return Party{}, false
}

// ConversationKey identifies a chat thread between one patient and one clinician,
// independent of any single appointment.
type ConversationKey struct {
	PatientID   int64 `json:"patient_id"`
	ClinicianID int64 `json:"clinician_id"`
}

// Participants is what the resolver hands back for a room.
type Participants struct {
	Room      RoomID
	Patient   Party
	Clinician Party
}

// Key derives the durable conversation identity from the two profile ids.
func (p Participants) Key() ConversationKey {
	return ConversationKey{PatientID: p.Patient.ProfileID, ClinicianID: p.Clinician.ProfileID}
}

// Includes reports whether userID is one of the two participants.
func (p Participants) Includes(userID int64) bool {
	return userID != 0 && (userID == p.Patient.UserID || userID == p.Clinician.UserID)
}

// Recipient returns the user id on the other side from senderID.
func (p Participants) Recipient(senderID int64) int64 {
	if senderID == p.Patient.UserID {
		return p.Clinician.UserID
	}
	return p.Patient.UserID
}

// Attachment is metadata for a file already uploaded by the media service.
type Attachment struct {
	URL  string `json:"url"`
	Key  string `json:"key"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// Empty reports whether the attachment carries no reference at all.
func (a *Attachment) Empty() bool {
	return a == nil || (strings.TrimSpace(a.URL) == "" && strings.TrimSpace(a.Key) == "")
}

type Message struct {
	ID         string          `json:"id"`
	Key        ConversationKey `json:"conversation"`
	SenderID   int64           `json:"sender_id"`
	Content    string          `json:"content,omitempty"`
	Attachment *Attachment     `json:"attachment,omitempty"`
	Read       bool            `json:"read"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Conversation is the history view returned by GET /api/conversations/{id}.
type Conversation struct {
	Room      RoomID          `json:"room"`
	Key       ConversationKey `json:"conversation"`
	Patient   Party           `json:"patient"`
	Clinician Party           `json:"clinician"`
	Messages  []*Message      `json:"messages"`
}

// Summary is one row of the conversation list.
type Summary struct {
	Room        RoomID          `json:"room"`
	Key         ConversationKey `json:"conversation"`
	Counterpart Party           `json:"counterpart"`
	LastMessage *Message        `json:"last_message,omitempty"`
	UnreadCount int             `json:"unread_count"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ---------------------------------------------
// ⚡ Wire Models
// ---------------------------------------------

const (
	EventJoin        = "join"
	EventLeave       = "leave"
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
	EventSend        = "message:send"
	EventRead        = "message:read"

	EventAck            = "ack"
	EventPresenceUpdate = "presence:update"
	EventTyping         = "typing"
	EventMessageNew     = "message:new"
)

// Inbound is the envelope the frontend SENDS to us.
type Inbound struct {
	Type       string      `json:"type"`
	Room       RoomID      `json:"room"`
	Ack        string      `json:"ack,omitempty"`
	Content    string      `json:"content,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Ack answers a single inbound event. Only the caller ever sees it.
type Ack struct {
	Type    string   `json:"type"`
	Ref     string   `json:"ack"`
	OK      bool     `json:"ok"`
	Message *Message `json:"message,omitempty"`
	Online  []int64  `json:"online_user_ids,omitempty"`
	Error   string   `json:"error,omitempty"`
	Code    string   `json:"code,omitempty"`
}

// PresenceUpdate always carries the full set; clients replace, never merge.
type PresenceUpdate struct {
	Type   string  `json:"type"`
	Room   RoomID  `json:"room"`
	Online []int64 `json:"online_user_ids"`
}

// TypingSignal is ephemeral and at-most-once.
type TypingSignal struct {
	Type     string `json:"type"`
	Room     RoomID `json:"room"`
	UserID   int64  `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type MessageEvent struct {
	Type    string   `json:"type"`
	Room    RoomID   `json:"room"`
	Message *Message `json:"message"`
}

// ReadReceipt tells the room that ReaderID has seen everything sent to them.
type ReadReceipt struct {
	Type     string `json:"type"`
	Room     RoomID `json:"room"`
	ReaderID int64  `json:"reader_id"`
}
