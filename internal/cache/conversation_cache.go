// Package cache provides a read-through Redis cache in front of
// Store.ListConversationsForUser. It exists purely to spare the database
// repeated identical reads of the same user's conversation list; it is
// never consulted for membership or host decisions — those always go
// straight to the Store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tagalongapp/chat-core/internal/domain"
	"github.com/tagalongapp/chat-core/internal/store"
)

const (
	defaultTTL      = 30 * time.Second
	stampedeFactor  = 0.8
	keyPrefix       = "chat:conversations:"
)

var ErrCacheMiss = fmt.Errorf("cache miss")

// ConversationCache wraps a Store with a Redis-backed read-through cache
// for ListConversationsForUser. All other Store methods pass straight
// through uncached.
type ConversationCache struct {
	store.Store
	client *redis.Client
	log    *logrus.Entry
	ttl    time.Duration
}

// New wraps inner with a Redis cache. client may be nil, in which case
// the cache degrades to always-miss (every call falls through to inner).
func New(inner store.Store, client *redis.Client, log *logrus.Entry) *ConversationCache {
	return &ConversationCache{Store: inner, client: client, log: log, ttl: defaultTTL}
}

func conversationsKey(userID uint64) string {
	return fmt.Sprintf("%s%d", keyPrefix, userID)
}

// ListConversationsForUser serves from cache when a fresh entry exists,
// applying probabilistic early expiration so many concurrent readers of a
// soon-to-expire key don't all miss and hammer the Store at once.
func (c *ConversationCache) ListConversationsForUser(ctx context.Context, userID uint64) ([]store.ConversationSummary, error) {
	if c.client == nil {
		return c.Store.ListConversationsForUser(ctx, userID)
	}

	key := conversationsKey(userID)
	if summaries, ok := c.get(ctx, key); ok {
		return summaries, nil
	}

	summaries, err := c.Store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, summaries)
	return summaries, nil
}

// CreateMessage persists the message, then invalidates the cached
// conversation list of every current member — a new last_message and
// shifted unread_count invalidate all of them, not just the sender.
func (c *ConversationCache) CreateMessage(ctx context.Context, in store.MessageInput) (*domain.Message, error) {
	msg, err := c.Store.CreateMessage(ctx, in)
	if err != nil {
		return nil, err
	}
	c.invalidateConversation(ctx, in.ConversationID)
	return msg, nil
}

// CreateConversation creates the conversation, then invalidates every
// named member (including the creator) so their next list read sees it.
func (c *ConversationCache) CreateConversation(ctx context.Context, title *string, creatorID uint64, memberIDs []uint64, eventID *uint64) (*domain.Conversation, error) {
	conv, err := c.Store.CreateConversation(ctx, title, creatorID, memberIDs, eventID)
	if err != nil {
		return nil, err
	}
	c.InvalidateUser(ctx, creatorID)
	for _, id := range memberIDs {
		c.InvalidateUser(ctx, id)
	}
	return conv, nil
}

// ApproveJoinRequest approves the request, then invalidates the new
// member's cached list plus every other member's, since the
// conversation's member_ids/participants changed for all of them.
func (c *ConversationCache) ApproveJoinRequest(ctx context.Context, eventID, requesterID, approverID uint64) (*domain.JoinRequest, error) {
	req, err := c.Store.ApproveJoinRequest(ctx, eventID, requesterID, approverID)
	if err != nil {
		return nil, err
	}
	c.InvalidateUser(ctx, requesterID)
	if conv, convErr := c.Store.GetConversationByEventID(ctx, eventID); convErr == nil {
		c.invalidateConversation(ctx, conv.ID)
	}
	return req, nil
}

// RemoveEventMember removes the member, then invalidates the removed
// user (whose list must drop the conversation) plus the remaining
// members (whose member_ids/participants changed).
func (c *ConversationCache) RemoveEventMember(ctx context.Context, eventID, userID uint64) error {
	conv, convErr := c.Store.GetConversationByEventID(ctx, eventID)

	if err := c.Store.RemoveEventMember(ctx, eventID, userID); err != nil {
		return err
	}

	c.InvalidateUser(ctx, userID)
	if convErr == nil {
		c.invalidateConversation(ctx, conv.ID)
	}
	return nil
}

// invalidateConversation drops the cached list of every current member
// of conversationID. Errors fetching the member list are logged and
// otherwise swallowed: a missed invalidation self-heals once the TTL
// expires, so it must never fail the write that triggered it.
func (c *ConversationCache) invalidateConversation(ctx context.Context, conversationID uint64) {
	members, err := c.Store.ConversationMembers(ctx, conversationID)
	if err != nil {
		c.log.WithError(err).WithField("conversation_id", conversationID).Warn("list members for cache invalidation failed")
		return
	}
	for _, userID := range members {
		c.InvalidateUser(ctx, userID)
	}
}

// InvalidateUser drops userID's cached conversation list.
func (c *ConversationCache) InvalidateUser(ctx context.Context, userID uint64) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, conversationsKey(userID)).Err(); err != nil {
		c.log.WithError(err).WithField("user_id", userID).Warn("cache invalidation failed")
	}
}

func (c *ConversationCache) get(ctx context.Context, key string) ([]store.ConversationSummary, bool) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.log.WithError(err).Warn("cache get failed, falling through to store")
		return nil, false
	}

	ttl, err := c.client.TTL(ctx, key).Result()
	if err == nil && c.shouldRefreshEarly(ttl) {
		return nil, false
	}

	var summaries []store.ConversationSummary
	if err := json.Unmarshal([]byte(val), &summaries); err != nil {
		c.log.WithError(err).Warn("cache unmarshal failed, falling through to store")
		return nil, false
	}
	return summaries, true
}

func (c *ConversationCache) set(ctx context.Context, key string, summaries []store.ConversationSummary) {
	data, err := json.Marshal(summaries)
	if err != nil {
		c.log.WithError(err).Warn("cache marshal failed")
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.WithError(err).Warn("cache set failed")
	}
}

// shouldRefreshEarly makes a cache entry progressively more likely to be
// treated as a miss as its remaining TTL shrinks past stampedeFactor of
// the configured TTL, spreading reloads out instead of letting them all
// land the instant the key expires.
func (c *ConversationCache) shouldRefreshEarly(ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	remainingRatio := float64(ttl) / float64(c.ttl)
	if remainingRatio > stampedeFactor {
		return false
	}
	probability := 1 - remainingRatio/stampedeFactor
	return rand.Float64() < probability
}
