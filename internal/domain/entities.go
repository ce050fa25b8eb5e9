// Package domain holds the chat subsystem's persistent entities and the
// error taxonomy shared by the store, authorizer and API layers.
package domain

import "time"

// DateLabel is the coarse, display-only bucketing an event's start time
// falls into. The core never computes it; callers supply it at creation.
type DateLabel string

const (
	DateLabelToday    DateLabel = "Today"
	DateLabelTomorrow DateLabel = "Tmrw"
)

// Role is a ConversationMember's standing within a conversation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// DeliveryStatus is a Message's delivery state. The core only ever writes
// "sent" — richer delivery tracking is out of scope.
type DeliveryStatus string

const DeliveryStatusSent DeliveryStatus = "sent"

// JoinRequestStatus is the state of a JoinRequest's approval workflow.
type JoinRequestStatus string

const (
	JoinRequestPending  JoinRequestStatus = "pending"
	JoinRequestApproved JoinRequestStatus = "approved"
	JoinRequestDenied   JoinRequestStatus = "denied"
)

// User is created out-of-band (registration is out of scope); the core
// only ever reads id, name and the password hash for AuthenticateUser.
type User struct {
	ID           uint64    `gorm:"primaryKey" json:"id"`
	Name         string    `json:"name"`
	Email        string    `gorm:"uniqueIndex" json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

// Event is owned by the event-CRUD subsystem out of scope here; the core
// only consumes the host link and the fields needed to hydrate a
// conversation summary.
type Event struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	HostUserID  uint64    `gorm:"index" json:"host_user_id"`
	Title       string    `json:"title"`
	Location    string    `json:"location"`
	Time        time.Time `json:"time"`
	DateLabel   DateLabel `json:"date_label"`
	Description string    `json:"description"`
	Gender      string    `json:"gender"`
	MinAge      int       `json:"min_age"`
	MaxAge      int       `json:"max_age"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Event) TableName() string { return "events" }

// Conversation is either direct (no EventID, Title optional), a named
// group (Title set, no EventID) or an event-group (EventID set). At most
// one conversation exists per event, enforced by the unique index.
type Conversation struct {
	ID              uint64    `gorm:"primaryKey" json:"id"`
	Title           *string   `json:"title,omitempty"`
	CreatedByUserID uint64    `json:"created_by"`
	EventID         *uint64   `gorm:"uniqueIndex:idx_conversations_event" json:"event_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func (Conversation) TableName() string { return "conversations" }

// ConversationMember is keyed by (ConversationID, UserID); GORM composite
// primary key, no surrogate id.
type ConversationMember struct {
	ConversationID uint64    `gorm:"primaryKey;autoIncrement:false" json:"conversation_id"`
	UserID         uint64    `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
	Role           Role      `json:"role"`
}

func (ConversationMember) TableName() string { return "conversation_members" }

// Message is append-only; never mutated after insert.
type Message struct {
	ID             uint64         `gorm:"primaryKey" json:"id"`
	ConversationID uint64         `gorm:"index:idx_messages_conversation_id" json:"conversation_id"`
	SenderID       uint64         `json:"sender_id"`
	Body           string         `json:"body"`
	AttachmentURL  *string        `json:"attachment_url,omitempty"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// ReadCursor is keyed by (ConversationID, UserID); LastReadMessageID is
// monotonically non-decreasing — enforced by the store, not the schema.
type ReadCursor struct {
	ConversationID    uint64    `gorm:"primaryKey;autoIncrement:false" json:"conversation_id"`
	UserID            uint64    `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	LastReadMessageID uint64    `json:"last_read_message_id"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (ReadCursor) TableName() string { return "read_cursors" }

// JoinRequest tracks a non-host user's intent to join an event-group
// conversation. At most one pending request may exist per (EventID, UserID).
type JoinRequest struct {
	ID              uint64            `gorm:"primaryKey" json:"id"`
	EventID         uint64            `gorm:"index:idx_join_requests_event_user" json:"event_id"`
	UserID          uint64            `gorm:"index:idx_join_requests_event_user" json:"user_id"`
	Status          JoinRequestStatus `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	DecidedAt       *time.Time        `json:"decided_at,omitempty"`
	DecidedByUserID *uint64           `json:"decided_by_user_id,omitempty"`
}

func (JoinRequest) TableName() string { return "join_requests" }
