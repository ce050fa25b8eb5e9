// Package wsapi upgrades authenticated HTTP requests to WebSocket
// sessions and runs each session's reader/writer pumps against the hub.
package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tagalongapp/chat-core/internal/authz"
	"github.com/tagalongapp/chat-core/internal/domain"
	"github.com/tagalongapp/chat-core/internal/events"
	"github.com/tagalongapp/chat-core/internal/hub"
	"github.com/tagalongapp/chat-core/internal/metrics"
	"github.com/tagalongapp/chat-core/internal/session"
	"github.com/tagalongapp/chat-core/internal/store"
)

const (
	maxFrameBytes = 1024 // 1 KiB inbound limit
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 50 * time.Second
)

// SessionEndpoint upgrades requests and drives sessions against the hub.
type SessionEndpoint struct {
	hub       *hub.Hub
	store     store.Store
	authz     *authz.Authorizer
	verifier  *session.Verifier
	publisher *events.Publisher
	upgrader  websocket.Upgrader
	log       *logrus.Entry
}

func NewSessionEndpoint(h *hub.Hub, st store.Store, az *authz.Authorizer, v *session.Verifier, pub *events.Publisher, allowedOrigins []string, log *logrus.Entry) *SessionEndpoint {
	return &SessionEndpoint{
		hub:       h,
		store:     st,
		authz:     az,
		verifier:  v,
		publisher: pub,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
	}
}

// Handle upgrades the connection and blocks until the session ends.
// Authentication happens before upgrade: the bearer token travels in the
// query string (browsers cannot set headers on the WebSocket handshake).
// The resulting user id seeds the session, but every subsequent
// authorization decision still re-reads the Store — nothing here is
// trusted for the lifetime of the connection beyond identity.
func (e *SessionEndpoint) Handle(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	claims, err := e.verifier.Verify(token, time.Now())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), store.RequestTimeout)
	summaries, err := e.store.ListConversationsForUser(ctx, claims.UserID)
	cancel()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load conversations"})
		return
	}
	initialSubs := make([]uint64, 0, len(summaries))
	for _, s := range summaries {
		initialSubs = append(initialSubs, s.ID)
	}

	conn, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		e.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sess := hub.NewClientSession(claims.UserID, conn, initialSubs)
	e.hub.Register(sess)
	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	done := make(chan struct{})
	go e.writePump(sess, done)
	e.readPump(sess, done)
}

func (e *SessionEndpoint) writePump(sess *hub.ClientSession, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.Conn.Close()
	}()

	for {
		select {
		case payload, ok := <-sess.Outbound():
			sess.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sess.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			sess.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (e *SessionEndpoint) readPump(sess *hub.ClientSession, done chan struct{}) {
	defer func() {
		close(done)
		e.hub.Unregister(sess)
	}()

	sess.Conn.SetReadLimit(maxFrameBytes)
	sess.Conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.Conn.SetPongHandler(func(string) error {
		sess.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := sess.Conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			e.log.WithField("session_id", sess.ID).Debug("dropping malformed frame")
			continue
		}

		switch frame.Type {
		case inboundPing:
			e.hub.Unicast(sess.ID, e.encode(pongFrame{Type: outboundPong}))
		case inboundMessageSend:
			e.handleMessageSend(sess, frame)
		default:
			e.log.WithField("session_id", sess.ID).WithField("type", frame.Type).
				Debug("ignoring unrecognized frame type")
		}
	}
}

// handleMessageSend re-checks membership against the Store on every send:
// the hub's subscriber set is a delivery index, never an authorization
// source, so a membership change mid-connection takes effect immediately
// rather than racing the hub's view.
func (e *SessionEndpoint) handleMessageSend(sess *hub.ClientSession, frame inboundFrame) {
	if frame.ConversationID == 0 || strings.TrimSpace(frame.Body) == "" {
		return
	}

	if !sess.AllowSend(time.Now()) {
		metrics.RateLimitDrops.Inc()
		e.hub.Unicast(sess.ID, e.encode(systemErrorFrame{Type: outboundSystemError, Code: "rate_limited"}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), store.RequestTimeout)
	defer cancel()

	if err := e.authz.CanSend(ctx, frame.ConversationID, sess.UserID); err != nil {
		e.log.WithField("session_id", sess.ID).WithField("conversation_id", frame.ConversationID).
			Info("dropping send from non-member")
		return
	}

	msg, err := e.store.CreateMessage(ctx, store.MessageInput{
		ConversationID: frame.ConversationID,
		SenderID:       sess.UserID,
		Body:           frame.Body,
		DeliveryStatus: domain.DeliveryStatusSent,
	})
	if err != nil {
		e.log.WithError(err).Error("create message failed")
		return
	}

	if err := e.store.UpdateReadCursor(ctx, frame.ConversationID, sess.UserID, msg.ID); err != nil {
		e.log.WithError(err).Warn("advance sender read cursor failed")
	}

	out := messageNewFrame{
		Type:   outboundMessageNew,
		TempID: frame.TempID,
		Message: messagePayload{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Body:           msg.Body,
			CreatedAt:      msg.CreatedAt,
		},
	}
	e.hub.Broadcast(frame.ConversationID, e.encode(out))
	metrics.MessagesSent.Inc()
	if e.publisher != nil {
		e.publisher.MessageSent(ctx, msg.ConversationID, msg.ID, msg.SenderID)
	}
}

func (e *SessionEndpoint) encode(v interface{}) []byte {
	wire, err := json.Marshal(v)
	if err != nil {
		e.log.WithError(err).Error("marshal outbound frame")
		return nil
	}
	return wire
}
