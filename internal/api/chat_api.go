// Package api implements the REST request/response surface: list
// conversations, list messages, create conversation, and the join-request
// moderation workflow. Every route requires a verified session.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tagalongapp/chat-core/internal/authz"
	"github.com/tagalongapp/chat-core/internal/domain"
	"github.com/tagalongapp/chat-core/internal/events"
	"github.com/tagalongapp/chat-core/internal/hub"
	"github.com/tagalongapp/chat-core/internal/session"
	"github.com/tagalongapp/chat-core/internal/store"
)

const claimsKey = "session_claims"

// RequireSession parses and verifies the Authorization: Bearer <token>
// header, rejecting the request before any handler runs on failure.
func RequireSession(v *session.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := v.Verify(header[len(prefix):], time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *session.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*session.Claims)
	return claims
}

// ChatAPI groups the REST handlers. Construct with New and register each
// method against its route.
type ChatAPI struct {
	store     store.Store
	authz     *authz.Authorizer
	hub       *hub.Hub
	publisher *events.Publisher
	log       *logrus.Entry
}

func New(st store.Store, az *authz.Authorizer, h *hub.Hub, pub *events.Publisher, log *logrus.Entry) *ChatAPI {
	return &ChatAPI{store: st, authz: az, hub: h, publisher: pub, log: log}
}

func (a *ChatAPI) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), store.RequestTimeout)
}

// ListConversations handles GET /api/conversations.
func (a *ChatAPI) ListConversations(c *gin.Context) {
	claims := claimsFrom(c)
	ctx, cancel := a.requestContext(c)
	defer cancel()

	summaries, err := a.store.ListConversationsForUser(ctx, claims.UserID)
	if err != nil {
		respondError(c, a.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

type createConversationRequest struct {
	Title     *string  `json:"title"`
	MemberIDs []uint64 `json:"memberIds"`
}

// CreateConversation handles POST /api/conversations.
func (a *ChatAPI) CreateConversation(c *gin.Context) {
	claims := claimsFrom(c)
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	ctx, cancel := a.requestContext(c)
	defer cancel()

	conv, err := a.store.CreateConversation(ctx, req.Title, claims.UserID, req.MemberIDs, nil)
	if err != nil {
		respondError(c, a.log, err)
		return
	}

	summaries, err := a.store.ListConversationsForUser(ctx, claims.UserID)
	if err != nil {
		respondError(c, a.log, err)
		return
	}
	for _, s := range summaries {
		if s.ID == conv.ID {
			c.JSON(http.StatusCreated, gin.H{"conversation": s})
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": store.ConversationSummary{ID: conv.ID, CreatedBy: conv.CreatedByUserID, CreatedAt: conv.CreatedAt}})
}

type messagePayload struct {
	ID             uint64    `json:"id"`
	SenderID       uint64    `json:"sender_id"`
	Body           string    `json:"body"`
	AttachmentURL  *string   `json:"attachment_url,omitempty"`
	DeliveryStatus string    `json:"delivery_status"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListMessages handles GET /api/conversations/:id/messages.
func (a *ChatAPI) ListMessages(c *gin.Context) {
	claims := claimsFrom(c)
	convID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	ctx, cancel := a.requestContext(c)
	defer cancel()

	isMember, err := a.store.IsMember(ctx, convID, claims.UserID)
	if err != nil {
		respondError(c, a.log, err)
		return
	}
	if !isMember {
		respondError(c, a.log, domain.ErrForbidden)
		return
	}

	messages, err := a.store.ListMessages(ctx, convID, limit, offset)
	if err != nil {
		respondError(c, a.log, err)
		return
	}

	if len(messages) > 0 {
		if err := a.store.UpdateReadCursor(ctx, convID, claims.UserID, messages[0].ID); err != nil {
			a.log.WithError(err).Warn("advance read cursor failed")
		}
	}

	out := make([]messagePayload, 0, len(messages))
	for _, m := range messages {
		out = append(out, messagePayload{
			ID: m.ID, SenderID: m.SenderID, Body: m.Body, AttachmentURL: m.AttachmentURL,
			DeliveryStatus: string(m.DeliveryStatus), CreatedAt: m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// RequestJoin handles POST /api/events/:id/chat/requests.
func (a *ChatAPI) RequestJoin(c *gin.Context) {
	claims := claimsFrom(c)
	eventID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	ctx, cancel := a.requestContext(c)
	defer cancel()

	req, err := a.store.CreateJoinRequest(ctx, eventID, claims.UserID)
	if err != nil {
		respondError(c, a.log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": req})
}

// ApproveJoin handles POST /api/events/:id/chat/requests/:userId/approve.
func (a *ChatAPI) ApproveJoin(c *gin.Context) {
	claims := claimsFrom(c)
	eventID, requesterID, ok := parseEventAndUser(c)
	if !ok {
		return
	}

	ctx, cancel := a.requestContext(c)
	defer cancel()

	req, err := a.store.ApproveJoinRequest(ctx, eventID, requesterID, claims.UserID)
	if err != nil {
		respondError(c, a.log, err)
		return
	}

	conv, err := a.store.GetConversationByEventID(ctx, eventID)
	if err != nil {
		a.log.WithError(err).Error("lookup conversation after approve failed")
		c.JSON(http.StatusOK, gin.H{"request": req})
		return
	}

	a.hub.NotifyMembership(hub.MembershipEvent{Type: hub.EventMemberAdded, ConversationID: conv.ID, UserID: requesterID})
	if a.publisher != nil {
		a.publisher.MemberAdded(ctx, conv.ID, requesterID)
	}
	c.JSON(http.StatusOK, gin.H{"request": req, "conversationId": conv.ID})
}

// DenyJoin handles POST /api/events/:id/chat/requests/:userId/deny.
func (a *ChatAPI) DenyJoin(c *gin.Context) {
	claims := claimsFrom(c)
	eventID, requesterID, ok := parseEventAndUser(c)
	if !ok {
		return
	}

	ctx, cancel := a.requestContext(c)
	defer cancel()

	req, err := a.store.DenyJoinRequest(ctx, eventID, requesterID, claims.UserID)
	if err != nil {
		respondError(c, a.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// RemoveMember handles DELETE /api/events/:id/chat/members/:userId. The
// caller must be the event host or removing themself (self-leave).
func (a *ChatAPI) RemoveMember(c *gin.Context) {
	claims := claimsFrom(c)
	eventID, targetID, ok := parseEventAndUser(c)
	if !ok {
		return
	}

	ctx, cancel := a.requestContext(c)
	defer cancel()

	if claims.UserID != targetID {
		isHost, err := a.authz.IsEventHost(ctx, eventID, claims.UserID)
		if err != nil {
			respondError(c, a.log, err)
			return
		}
		if !isHost {
			respondError(c, a.log, domain.ErrForbidden)
			return
		}
	}

	if err := a.store.RemoveEventMember(ctx, eventID, targetID); err != nil {
		respondError(c, a.log, err)
		return
	}

	conv, err := a.store.GetConversationByEventID(ctx, eventID)
	if err == nil {
		a.hub.NotifyMembership(hub.MembershipEvent{Type: hub.EventMemberRemoved, ConversationID: conv.ID, UserID: targetID})
		if a.publisher != nil {
			a.publisher.MemberRemoved(ctx, conv.ID, targetID)
		}
	}
	c.Status(http.StatusNoContent)
}

func parseEventAndUser(c *gin.Context) (eventID, userID uint64, ok bool) {
	eventID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return 0, 0, false
	}
	userID, err = strconv.ParseUint(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, 0, false
	}
	return eventID, userID, true
}
