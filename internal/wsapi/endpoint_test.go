package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/tagalongapp/chat-core/internal/authz"
	"github.com/tagalongapp/chat-core/internal/domain"
	"github.com/tagalongapp/chat-core/internal/hub"
	"github.com/tagalongapp/chat-core/internal/session"
	"github.com/tagalongapp/chat-core/internal/store"
)

// fakeStore is a minimal in-memory store.Store double sufficient to drive
// the send path and membership checks the endpoint exercises; it does not
// implement hydration beyond what ListConversationsForUser needs to seed
// initial subscriptions.
type fakeStore struct {
	mu       sync.Mutex
	members  map[uint64]map[uint64]bool // conversationID -> userID -> member
	messages []domain.Message
	nextID   uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{members: make(map[uint64]map[uint64]bool)}
}

func (f *fakeStore) addMember(conversationID, userID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[conversationID] == nil {
		f.members[conversationID] = make(map[uint64]bool)
	}
	f.members[conversationID][userID] = true
}

func (f *fakeStore) removeMember(conversationID, userID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[conversationID], userID)
}

func (f *fakeStore) CreateConversation(ctx context.Context, title *string, creatorID uint64, memberIDs []uint64, eventID *uint64) (*domain.Conversation, error) {
	return nil, nil
}
func (f *fakeStore) GetConversationByEventID(ctx context.Context, eventID uint64) (*domain.Conversation, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeStore) IsMember(ctx context.Context, conversationID, userID uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[conversationID][userID], nil
}

func (f *fakeStore) IsEventHost(ctx context.Context, eventID, userID uint64) (bool, error) {
	return false, domain.ErrEventNotFound
}

func (f *fakeStore) ConversationMembers(ctx context.Context, conversationID uint64) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint64, 0, len(f.members[conversationID]))
	for userID := range f.members[conversationID] {
		ids = append(ids, userID)
	}
	return ids, nil
}

func (f *fakeStore) ListConversationsForUser(ctx context.Context, userID uint64) ([]store.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ConversationSummary
	for convID, members := range f.members {
		if members[userID] {
			out = append(out, store.ConversationSummary{ID: convID})
		}
	}
	return out, nil
}

func (f *fakeStore) ListMessages(ctx context.Context, conversationID uint64, limit, offset int) ([]domain.Message, error) {
	return nil, nil
}

func (f *fakeStore) CreateMessage(ctx context.Context, in store.MessageInput) (*domain.Message, error) {
	body := strings.TrimSpace(in.Body)
	if body == "" {
		return nil, domain.ErrInvalidInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg := &domain.Message{
		ID:             f.nextID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Body:           body,
		DeliveryStatus: in.DeliveryStatus,
		CreatedAt:      time.Now(),
	}
	f.messages = append(f.messages, *msg)
	return msg, nil
}

func (f *fakeStore) UpdateReadCursor(ctx context.Context, conversationID, userID, lastReadMessageID uint64) error {
	return nil
}
func (f *fakeStore) CreateJoinRequest(ctx context.Context, eventID, userID uint64) (*domain.JoinRequest, error) {
	return nil, nil
}
func (f *fakeStore) ApproveJoinRequest(ctx context.Context, eventID, requesterID, approverID uint64) (*domain.JoinRequest, error) {
	return nil, nil
}
func (f *fakeStore) DenyJoinRequest(ctx context.Context, eventID, requesterID, approverID uint64) (*domain.JoinRequest, error) {
	return nil, nil
}
func (f *fakeStore) RemoveEventMember(ctx context.Context, eventID, userID uint64) error {
	return nil
}
func (f *fakeStore) AuthenticateUser(ctx context.Context, email, password string) (*domain.User, error) {
	return nil, domain.ErrInvalidCredentials
}

type testServer struct {
	httpServer *httptest.Server
	hub        *hub.Hub
	store      *fakeStore
	verifier   *session.Verifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logrus.New()
	fs := newFakeStore()
	h := hub.New(log.WithField("test", true))
	go h.Run()
	az := authz.New(fs)
	verifier := session.NewVerifier([]byte("test-secret"), time.Hour)
	endpoint := NewSessionEndpoint(h, fs, az, verifier, nil, nil, log.WithField("test", true))

	router := gin.New()
	router.GET("/api/ws", endpoint.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{httpServer: srv, hub: h, store: fs, verifier: verifier}
}

func (ts *testServer) dial(t *testing.T, userID uint64) *websocket.Conn {
	t.Helper()
	now := time.Now()
	token, err := ts.verifier.Issue(userID, fmt.Sprintf("user%d@example.com", userID), now)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.httpServer.URL, "http") + "/api/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func TestHappyPathGroupChat_FanOutAndTempIDEcho(t *testing.T) {
	ts := newTestServer(t)
	ts.store.addMember(1, 1)
	ts.store.addMember(1, 2)
	ts.store.addMember(1, 3)

	u2 := ts.dial(t, 2)
	u3 := ts.dial(t, 3)
	u1 := ts.dial(t, 1)

	time.Sleep(50 * time.Millisecond) // let registration/subscription settle

	send := map[string]interface{}{
		"type": "message:send", "conversationId": 1, "body": "hi", "tempId": "t1",
	}
	wire, _ := json.Marshal(send)
	require.NoError(t, u1.WriteMessage(websocket.TextMessage, wire))

	for _, conn := range []*websocket.Conn{u1, u2, u3} {
		frame := readFrame(t, conn, time.Second)
		require.Equal(t, "message:new", frame["type"])
		require.Equal(t, "t1", frame["tempId"])
		msg := frame["message"].(map[string]interface{})
		require.Equal(t, "hi", msg["body"])
		require.Equal(t, float64(1), msg["senderId"])
	}
}

func TestRateLimit_31stSendIsRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.store.addMember(1, 1)
	conn := ts.dial(t, 1)
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 30; i++ {
		send := map[string]interface{}{"type": "message:send", "conversationId": 1, "body": fmt.Sprintf("m%d", i), "tempId": fmt.Sprintf("t%d", i)}
		wire, _ := json.Marshal(send)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, wire))
		frame := readFrame(t, conn, time.Second)
		require.Equal(t, "message:new", frame["type"])
	}

	send := map[string]interface{}{"type": "message:send", "conversationId": 1, "body": "overflow", "tempId": "t30"}
	wire, _ := json.Marshal(send)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, wire))

	frame := readFrame(t, conn, time.Second)
	require.Equal(t, "system:error", frame["type"])
	require.Equal(t, "rate_limited", frame["code"])
}

func TestStaleMembershipSend_IsDroppedSilently(t *testing.T) {
	ts := newTestServer(t)
	ts.store.addMember(1, 4)
	conn := ts.dial(t, 4)
	time.Sleep(50 * time.Millisecond)

	ts.store.removeMember(1, 4)

	send := map[string]interface{}{"type": "message:send", "conversationId": 1, "body": "x"}
	wire, _ := json.Marshal(send)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, wire))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "no frame should arrive for a stale-membership send")

	require.Empty(t, ts.store.messages)
}

func TestTokenExpiry_UpgradeRefused(t *testing.T) {
	ts := newTestServer(t)
	past := time.Now().Add(-2 * time.Hour)
	token, err := ts.verifier.Issue(1, "user1@example.com", past)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.httpServer.URL, "http") + "/api/ws?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
