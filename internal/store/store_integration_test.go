//go:build integration

package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tagalongapp/chat-core/internal/domain"
	"github.com/tagalongapp/chat-core/internal/store"
)

// startPostgres brings up a real Postgres container and returns a DSN.
// These invariants (at-most-one-pending, host can't be removed, cursor
// monotonicity, unread correctness) are cross-row and hard to fake
// convincingly with an in-memory double, so they get a real backend.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "chat",
			"POSTGRES_PASSWORD": "chat",
			"POSTGRES_DB":       "chat",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("host=%s port=%s user=chat password=chat dbname=chat sslmode=disable", host, port.Port())
}

func openTestStore(t *testing.T) (store.Store, *gorm.DB) {
	t.Helper()
	dsn := startPostgres(t)

	s, db, err := store.Open(dsn, gormlogger.Warn)
	require.NoError(t, err)
	return s, db
}

func seedUser(t *testing.T, db *gorm.DB, id uint64, name string) {
	t.Helper()
	require.NoError(t, db.Create(&domain.User{ID: id, Name: name, Email: name + "@example.com", PasswordHash: "x"}).Error)
}

func seedEvent(t *testing.T, db *gorm.DB, id, hostID uint64) {
	t.Helper()
	require.NoError(t, db.Create(&domain.Event{
		ID: id, HostUserID: hostID, Title: "Picnic", Location: "Park",
		Time: time.Now().Add(24 * time.Hour), DateLabel: domain.DateLabelTomorrow,
	}).Error)
}

func TestConversationLifecycle_HydrationAndUnread(t *testing.T) {
	ctx := context.Background()
	s, db := openTestStore(t)

	seedUser(t, db, 1, "alice")
	seedUser(t, db, 2, "bob")

	conv, err := s.CreateConversation(ctx, nil, 1, []uint64{2}, nil)
	require.NoError(t, err)

	isMember, err := s.IsMember(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.True(t, isMember)

	msg, err := s.CreateMessage(ctx, store.MessageInput{ConversationID: conv.ID, SenderID: 1, Body: "hey"})
	require.NoError(t, err)

	summaries, err := s.ListConversationsForUser(ctx, 2)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, 1, summaries[0].UnreadCount)
	require.Equal(t, msg.ID, summaries[0].LastMessage.ID)

	require.NoError(t, s.UpdateReadCursor(ctx, conv.ID, 2, msg.ID))

	summaries, err = s.ListConversationsForUser(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 0, summaries[0].UnreadCount)

	// cursor monotonicity: moving it backwards is a no-op.
	require.NoError(t, s.UpdateReadCursor(ctx, conv.ID, 2, 0))
	summaries, err = s.ListConversationsForUser(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 0, summaries[0].UnreadCount)
}

func TestJoinRequest_AtMostOnePending(t *testing.T) {
	ctx := context.Background()
	s, db := openTestStore(t)

	seedUser(t, db, 10, "host")
	seedUser(t, db, 11, "guest")
	seedEvent(t, db, 100, 10)
	_, err := s.CreateConversation(ctx, nil, 10, nil, ptr(uint64(100)))
	require.NoError(t, err)

	_, err = s.CreateJoinRequest(ctx, 100, 11)
	require.NoError(t, err)

	_, err = s.CreateJoinRequest(ctx, 100, 11)
	require.ErrorIs(t, err, domain.ErrRequestExists)
}

func TestJoinRequest_ApproveAddsMemberAndDenyRejects(t *testing.T) {
	ctx := context.Background()
	s, db := openTestStore(t)

	seedUser(t, db, 20, "host")
	seedUser(t, db, 21, "guestA")
	seedUser(t, db, 22, "guestB")
	seedEvent(t, db, 200, 20)
	_, err := s.CreateConversation(ctx, nil, 20, nil, ptr(uint64(200)))
	require.NoError(t, err)

	_, err = s.CreateJoinRequest(ctx, 200, 21)
	require.NoError(t, err)
	_, err = s.CreateJoinRequest(ctx, 200, 22)
	require.NoError(t, err)

	approved, err := s.ApproveJoinRequest(ctx, 200, 21, 20)
	require.NoError(t, err)
	require.Equal(t, domain.JoinRequestApproved, approved.Status)

	conv, err := s.GetConversationByEventID(ctx, 200)
	require.NoError(t, err)
	isMember, err := s.IsMember(ctx, conv.ID, 21)
	require.NoError(t, err)
	require.True(t, isMember)

	// non-host cannot approve.
	_, err = s.ApproveJoinRequest(ctx, 200, 22, 21)
	require.ErrorIs(t, err, domain.ErrNotHost)

	denied, err := s.DenyJoinRequest(ctx, 200, 22, 20)
	require.NoError(t, err)
	require.Equal(t, domain.JoinRequestDenied, denied.Status)

	isMember, err = s.IsMember(ctx, conv.ID, 22)
	require.NoError(t, err)
	require.False(t, isMember)
}

func TestRemoveEventMember_HostCannotBeRemoved(t *testing.T) {
	ctx := context.Background()
	s, db := openTestStore(t)

	seedUser(t, db, 30, "host")
	seedUser(t, db, 31, "guest")
	seedEvent(t, db, 300, 30)
	_, err := s.CreateConversation(ctx, nil, 30, []uint64{31}, ptr(uint64(300)))
	require.NoError(t, err)

	err = s.RemoveEventMember(ctx, 300, 30)
	require.ErrorIs(t, err, domain.ErrCannotRemoveHost)

	require.NoError(t, s.RemoveEventMember(ctx, 300, 31))

	err = s.RemoveEventMember(ctx, 300, 31)
	require.ErrorIs(t, err, domain.ErrNotMember)
}

func ptr[T any](v T) *T { return &v }
