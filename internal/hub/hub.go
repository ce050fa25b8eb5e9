// Package hub implements the in-memory push broker that fans delivered
// messages and membership changes out to live WebSocket sessions. A
// single goroutine owns every map; the channels are the only
// synchronization primitive, so none of the indices need a mutex.
package hub

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/tagalongapp/chat-core/internal/metrics"
)

// EventType distinguishes the shapes of Membership events the Hub fans
// out to subscribers of a conversation.
type EventType string

const (
	EventMemberAdded   EventType = "added"
	EventMemberRemoved EventType = "removed"
)

// MembershipEvent announces a ConversationMember change to every session
// currently subscribed to that conversation (and, for removal, directly
// to the removed user's own sessions so they unsubscribe locally).
type MembershipEvent struct {
	Type           EventType
	ConversationID uint64
	UserID         uint64
}

// OutboundMessage is a delivered chat message to fan out to every session
// subscribed to ConversationID, the sender's own sessions included.
type OutboundMessage struct {
	ConversationID uint64
	Payload        []byte
}

type registration struct {
	session *ClientSession
}

type unregistration struct {
	session *ClientSession
}

type unicastMessage struct {
	sessionID string
	payload   []byte
}

// Hub is the broker. Construct with New and start its loop with Run in
// its own goroutine; all other interaction happens through its channel
// methods, never by touching its fields directly.
type Hub struct {
	register   chan registration
	unregister chan unregistration
	broadcast  chan OutboundMessage
	unicast    chan unicastMessage
	membership chan MembershipEvent

	log *logrus.Entry

	clientsByUser map[uint64]map[string]*ClientSession
	subscribers   map[uint64]map[string]*ClientSession // conversationID -> sessionID -> session
	sessions      map[string]*ClientSession
}

func New(log *logrus.Entry) *Hub {
	return &Hub{
		register:      make(chan registration),
		unregister:    make(chan unregistration),
		broadcast:     make(chan OutboundMessage),
		unicast:       make(chan unicastMessage, 16),
		membership:    make(chan MembershipEvent, 16),
		log:           log,
		clientsByUser: make(map[uint64]map[string]*ClientSession),
		subscribers:   make(map[uint64]map[string]*ClientSession),
		sessions:      make(map[string]*ClientSession),
	}
}

// Register admits a new session into the hub's indices. Blocks until the
// hub worker processes it, guaranteeing the session is visible to
// subsequent Broadcast/NotifyMembership calls once Register returns.
func (h *Hub) Register(s *ClientSession) {
	h.register <- registration{session: s}
}

// Unregister removes a session from every index. Safe to call more than
// once for the same session.
func (h *Hub) Unregister(s *ClientSession) {
	h.unregister <- unregistration{session: s}
}

// Broadcast fans payload out to every session subscribed to conversationID.
func (h *Hub) Broadcast(conversationID uint64, payload []byte) {
	h.broadcast <- OutboundMessage{ConversationID: conversationID, Payload: payload}
}

// Unicast enqueues payload for delivery to a single session, identified
// by ID, without touching any other subscriber. Used for direct replies
// (pong frames, rate-limit errors) that are not conversation fan-out.
func (h *Hub) Unicast(sessionID string, payload []byte) {
	h.unicast <- unicastMessage{sessionID: sessionID, payload: payload}
}

// NotifyMembership announces a membership change. The call never blocks
// the caller for long: the channel is buffered so a transactional Store
// write can publish its side effect without waiting on slow fan-out.
func (h *Hub) NotifyMembership(ev MembershipEvent) {
	h.membership <- ev
}

// Run is the hub's single worker loop. It must run in exactly one
// goroutine for the lock-free map access to be safe. It takes no context
// and never returns; the loop lives as long as the process.
func (h *Hub) Run() {
	for {
		select {
		case reg := <-h.register:
			h.handleRegister(reg.session)
		case unreg := <-h.unregister:
			h.handleUnregister(unreg.session)
		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		case u := <-h.unicast:
			h.handleUnicast(u)
		case ev := <-h.membership:
			h.handleMembership(ev)
		}
	}
}

func (h *Hub) handleRegister(s *ClientSession) {
	h.sessions[s.ID] = s
	byUser, ok := h.clientsByUser[s.UserID]
	if !ok {
		byUser = make(map[string]*ClientSession)
		h.clientsByUser[s.UserID] = byUser
	}
	byUser[s.ID] = s

	for convID := range s.subscribed {
		subs, ok := h.subscribers[convID]
		if !ok {
			subs = make(map[string]*ClientSession)
			h.subscribers[convID] = subs
		}
		subs[s.ID] = s
	}
}

func (h *Hub) handleUnregister(s *ClientSession) {
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	delete(h.sessions, s.ID)

	if byUser, ok := h.clientsByUser[s.UserID]; ok {
		delete(byUser, s.ID)
		if len(byUser) == 0 {
			delete(h.clientsByUser, s.UserID)
		}
	}

	for convID := range s.subscribed {
		if subs, ok := h.subscribers[convID]; ok {
			delete(subs, s.ID)
			if len(subs) == 0 {
				delete(h.subscribers, convID)
			}
		}
	}

	close(s.send)
}

func (h *Hub) handleBroadcast(msg OutboundMessage) {
	subs := h.subscribers[msg.ConversationID]
	for _, s := range subs {
		h.deliverOrEvict(s, msg.Payload)
	}
}

// deliverOrEvict enforces the slow-consumer policy: a full outbound queue
// gets the session evicted from every index rather than the hub worker
// ever blocking on a single laggard. Eviction happens inline (not via the
// unregister channel) because the worker already holds the authoritative
// map state and a round-trip through the channel would let the session
// observe more broadcasts before it's actually removed.
func (h *Hub) deliverOrEvict(s *ClientSession, payload []byte) {
	if s.tryEnqueue(payload) {
		return
	}
	h.log.WithField("session_id", s.ID).WithField("user_id", s.UserID).
		Warn("evicting slow consumer")
	metrics.SlowConsumerEvictions.Inc()
	h.evict(s)
}

func (h *Hub) evict(s *ClientSession) {
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	delete(h.sessions, s.ID)
	if byUser, ok := h.clientsByUser[s.UserID]; ok {
		delete(byUser, s.ID)
		if len(byUser) == 0 {
			delete(h.clientsByUser, s.UserID)
		}
	}
	for convID := range s.subscribed {
		if subs, ok := h.subscribers[convID]; ok {
			delete(subs, s.ID)
			if len(subs) == 0 {
				delete(h.subscribers, convID)
			}
		}
	}
	close(s.send)
}

func (h *Hub) handleUnicast(u unicastMessage) {
	s, ok := h.sessions[u.sessionID]
	if !ok {
		return
	}
	h.deliverOrEvict(s, u.payload)
}

// handleMembership first updates the subscription indices for every live
// session belonging to ev.UserID, then fans the notification out to
// conversation subscribers. For a removal, the acted-upon sessions are no
// longer subscribers by the time fan-out happens, so they are notified
// directly — otherwise a disconnecting user would never learn they were
// removed.
func (h *Hub) handleMembership(ev MembershipEvent) {
	byUser := h.clientsByUser[ev.UserID]

	switch ev.Type {
	case EventMemberAdded:
		subs, ok := h.subscribers[ev.ConversationID]
		if !ok {
			subs = make(map[string]*ClientSession)
			h.subscribers[ev.ConversationID] = subs
		}
		for _, s := range byUser {
			subs[s.ID] = s
			s.subscribed[ev.ConversationID] = struct{}{}
		}
	case EventMemberRemoved:
		if subs, ok := h.subscribers[ev.ConversationID]; ok {
			for _, s := range byUser {
				delete(subs, s.ID)
				delete(s.subscribed, ev.ConversationID)
			}
			if len(subs) == 0 {
				delete(h.subscribers, ev.ConversationID)
			}
		}
	}

	payload, err := json.Marshal(struct {
		Type           string `json:"type"`
		ConversationID uint64 `json:"conversationId"`
		UserID         uint64 `json:"userId"`
		Action         string `json:"action"`
	}{Type: "conversation:membership", ConversationID: ev.ConversationID, UserID: ev.UserID, Action: string(ev.Type)})
	if err != nil {
		h.log.WithError(err).Error("marshal membership event")
		return
	}

	if subs, ok := h.subscribers[ev.ConversationID]; ok {
		for _, s := range subs {
			h.deliverOrEvict(s, payload)
		}
	}

	if ev.Type == EventMemberRemoved {
		for _, s := range byUser {
			h.deliverOrEvict(s, payload)
		}
	}
}
