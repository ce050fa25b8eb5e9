// Package authz centralizes the chat subsystem's authorization checks.
// Every decision is backed by a live Store read — nothing here trusts the
// Hub's in-memory subscription set, so a revoked membership takes effect
// on the very next call even if a stale WebSocket subscription lingers.
package authz

import (
	"context"

	"github.com/tagalongapp/chat-core/internal/domain"
	"github.com/tagalongapp/chat-core/internal/store"
)

// Authorizer answers membership and host questions against the Store.
type Authorizer struct {
	store store.Store
}

func New(s store.Store) *Authorizer {
	return &Authorizer{store: s}
}

// MemberOf reports whether userID belongs to conversationID right now.
func (a *Authorizer) MemberOf(ctx context.Context, conversationID, userID uint64) (bool, error) {
	return a.store.IsMember(ctx, conversationID, userID)
}

// IsEventHost reports whether userID is eventID's host.
func (a *Authorizer) IsEventHost(ctx context.Context, eventID, userID uint64) (bool, error) {
	return a.store.IsEventHost(ctx, eventID, userID)
}

// CanSend re-checks membership immediately before a message is persisted;
// callers must never substitute a cached or hub-tracked membership check.
func (a *Authorizer) CanSend(ctx context.Context, conversationID, userID uint64) error {
	ok, err := a.store.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrForbidden
	}
	return nil
}
