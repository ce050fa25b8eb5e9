package hub

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// outboundCapacity bounds each session's pending-write queue. A session
// that cannot drain this many frames is considered a slow consumer and
// gets evicted rather than blocking the hub worker.
const outboundCapacity = 8

// ClientSession is one live WebSocket connection. Its ID is internal hub
// bookkeeping only — it is never an entity identifier and never crosses
// the wire.
type ClientSession struct {
	ID     string
	UserID uint64
	Conn   *websocket.Conn

	send    chan []byte
	limiter *slidingWindowLimiter

	subscribed map[uint64]struct{}
}

// NewClientSession builds a session wrapping an already-upgraded
// WebSocket connection, ready to be handed to Hub.Register. initialSubs is
// the snapshot of the caller's conversation memberships taken before
// upgrade; Register seeds the hub's subscriber sets from it.
func NewClientSession(userID uint64, conn *websocket.Conn, initialSubs []uint64) *ClientSession {
	subscribed := make(map[uint64]struct{}, len(initialSubs))
	for _, id := range initialSubs {
		subscribed[id] = struct{}{}
	}
	return &ClientSession{
		ID:         uuid.NewString(),
		UserID:     userID,
		Conn:       conn,
		send:       make(chan []byte, outboundCapacity),
		limiter:    newSlidingWindowLimiter(rateWindow, rateLimit, rateHistoryCap),
		subscribed: subscribed,
	}
}

// tryEnqueue attempts a non-blocking send. Returns false if the session's
// outbound queue is full; the caller must then evict the session rather
// than retry or block.
func (c *ClientSession) tryEnqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// AllowSend applies the per-session sliding-window rate limit at time now.
func (c *ClientSession) AllowSend(now time.Time) bool {
	return c.limiter.Allow(now)
}

// Outbound returns the channel the session's writer pump should drain.
// It is closed by the hub worker when the session is unregistered or
// evicted, which is the writer pump's signal to stop and close the
// underlying connection.
func (c *ClientSession) Outbound() <-chan []byte {
	return c.send
}
