package store

import (
	"context"
	"time"

	"github.com/tagalongapp/chat-core/internal/domain"
)

// RequestTimeout is the default per-call deadline every Store operation is
// given when the caller's context carries no deadline of its own; an
// existing deadline is kept as is, even if it is later.
const RequestTimeout = 5 * time.Second

// Participant is a minimal member projection for hydrated summaries.
type Participant struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// MessageSummary is the newest-message projection embedded in a
// ConversationSummary.
type MessageSummary struct {
	ID        uint64    `json:"id"`
	SenderID  uint64    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// EventSummary is the event metadata projection embedded in a
// ConversationSummary for event-group conversations.
type EventSummary struct {
	ID        uint64          `json:"id"`
	Title     string          `json:"title"`
	Location  string          `json:"location"`
	Time      time.Time       `json:"time"`
	DateLabel domain.DateLabel `json:"date_label"`
}

// ConversationSummary is the hydrated view listConversationsForUser returns:
// the raw row plus everything a client needs to render a conversation list
// item without a follow-up request.
type ConversationSummary struct {
	ID            uint64          `json:"id"`
	Title         *string         `json:"title,omitempty"`
	CreatedBy     uint64          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	EventID       *uint64         `json:"event_id,omitempty"`
	MemberIDs     []uint64        `json:"member_ids"`
	Participants  []Participant   `json:"participants"`
	LastMessage   *MessageSummary `json:"last_message,omitempty"`
	UnreadCount   int             `json:"unread_count"`
	Event         *EventSummary   `json:"event,omitempty"`
}

// MessageInput is the write-side payload for CreateMessage.
type MessageInput struct {
	ConversationID uint64
	SenderID       uint64
	Body           string
	AttachmentURL  *string
	DeliveryStatus domain.DeliveryStatus
}

// Store is the durable persistence contract for the chat subsystem. Every
// method is context-cancellable; implementations apply RequestTimeout when
// ctx carries no deadline. All multi-row mutations are transactional.
type Store interface {
	CreateConversation(ctx context.Context, title *string, creatorID uint64, memberIDs []uint64, eventID *uint64) (*domain.Conversation, error)
	GetConversationByEventID(ctx context.Context, eventID uint64) (*domain.Conversation, error)
	IsMember(ctx context.Context, conversationID, userID uint64) (bool, error)
	IsEventHost(ctx context.Context, eventID, userID uint64) (bool, error)
	ConversationMembers(ctx context.Context, conversationID uint64) ([]uint64, error)
	ListConversationsForUser(ctx context.Context, userID uint64) ([]ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID uint64, limit, offset int) ([]domain.Message, error)
	CreateMessage(ctx context.Context, in MessageInput) (*domain.Message, error)
	UpdateReadCursor(ctx context.Context, conversationID, userID, lastReadMessageID uint64) error
	CreateJoinRequest(ctx context.Context, eventID, userID uint64) (*domain.JoinRequest, error)
	ApproveJoinRequest(ctx context.Context, eventID, requesterID, approverID uint64) (*domain.JoinRequest, error)
	DenyJoinRequest(ctx context.Context, eventID, requesterID, approverID uint64) (*domain.JoinRequest, error)
	RemoveEventMember(ctx context.Context, eventID, userID uint64) error
	AuthenticateUser(ctx context.Context, email, password string) (*domain.User, error)
}
