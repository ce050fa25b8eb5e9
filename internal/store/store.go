package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tagalongapp/chat-core/internal/domain"
)

// gormStore is the Store implementation backed by Postgres via GORM.
// Single source of truth: every authorization decision re-reads it;
// nothing caches membership for authz purposes (see internal/cache, which
// only ever caches read-only list projections).
type gormStore struct {
	db *gorm.DB
}

// Open connects to Postgres, runs AutoMigrate for the idempotent
// create-if-missing / additive-alter schema, then applies the
// supplementary golang-migrate migrations (composite index, FK cascades)
// that AutoMigrate cannot express. Returns the *gorm.DB alongside the Store
// so callers (cmd/chatd) can obtain the underlying *sql.DB for health
// checks and graceful shutdown.
func Open(dsn string, logLevel gormlogger.LogLevel) (Store, *gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.AutoMigrate(
		&domain.User{},
		&domain.Event{},
		&domain.Conversation{},
		&domain.ConversationMember{},
		&domain.Message{},
		&domain.ReadCursor{},
		&domain.JoinRequest{},
	); err != nil {
		return nil, nil, fmt.Errorf("automigrate: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("underlying sql.DB: %w", err)
	}
	if err := RunMigrations(sqlDB); err != nil {
		return nil, nil, fmt.Errorf("supplementary migrations: %w", err)
	}

	return &gormStore{db: db}, db, nil
}

// NewFromDB wraps an already-open *gorm.DB, used by tests that set up
// their own connection (e.g. the testcontainers integration test).
func NewFromDB(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, RequestTimeout)
}

func dedupeIDs(ids []uint64, except uint64) []uint64 {
	seen := map[uint64]struct{}{except: {}}
	out := []uint64{except}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *gormStore) CreateConversation(ctx context.Context, title *string, creatorID uint64, memberIDs []uint64, eventID *uint64) (*domain.Conversation, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	conv := &domain.Conversation{
		Title:           title,
		CreatedByUserID: creatorID,
		EventID:         eventID,
		CreatedAt:       time.Now(),
	}

	allMembers := dedupeIDs(memberIDs, creatorID)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		now := time.Now()
		rows := make([]domain.ConversationMember, 0, len(allMembers))
		for _, uid := range allMembers {
			role := domain.RoleMember
			if uid == creatorID {
				role = domain.RoleOwner
			}
			rows = append(rows, domain.ConversationMember{
				ConversationID: conv.ID,
				UserID:         uid,
				JoinedAt:       now,
				Role:           role,
			})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, domain.NewStorageError("CreateConversation", err)
	}
	return conv, nil
}

func (s *gormStore) GetConversationByEventID(ctx context.Context, eventID uint64) (*domain.Conversation, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var conv domain.Conversation
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.NewStorageError("GetConversationByEventID", err)
	}
	return &conv, nil
}

func (s *gormStore) IsMember(ctx context.Context, conversationID, userID uint64) (bool, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, domain.NewStorageError("IsMember", err)
	}
	return count > 0, nil
}

func (s *gormStore) IsEventHost(ctx context.Context, eventID, userID uint64) (bool, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var event domain.Event
	err := s.db.WithContext(ctx).First(&event, eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, domain.ErrEventNotFound
	}
	if err != nil {
		return false, domain.NewStorageError("IsEventHost", err)
	}
	return event.HostUserID == userID, nil
}

// ConversationMembers returns every member's user id for conversationID,
// used by the cache layer to know whose cached conversation list needs
// invalidating after a mutation.
func (s *gormStore) ConversationMembers(ctx context.Context, conversationID uint64) ([]uint64, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var members []domain.ConversationMember
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Find(&members).Error; err != nil {
		return nil, domain.NewStorageError("ConversationMembers", err)
	}
	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids, nil
}

func (s *gormStore) ListConversationsForUser(ctx context.Context, userID uint64) ([]ConversationSummary, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var convs []domain.Conversation
	err := s.db.WithContext(ctx).
		Joins("JOIN conversation_members cm ON cm.conversation_id = conversations.id").
		Where("cm.user_id = ?", userID).
		Order("conversations.created_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, domain.NewStorageError("ListConversationsForUser", err)
	}

	summaries := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		summary, err := s.hydrate(ctx, c, userID)
		if err != nil {
			return nil, domain.NewStorageError("ListConversationsForUser", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *gormStore) hydrate(ctx context.Context, c domain.Conversation, userID uint64) (ConversationSummary, error) {
	summary := ConversationSummary{
		ID:        c.ID,
		Title:     c.Title,
		CreatedBy: c.CreatedByUserID,
		CreatedAt: c.CreatedAt,
		EventID:   c.EventID,
	}

	var members []domain.ConversationMember
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", c.ID).
		Order("joined_at ASC").
		Find(&members).Error; err != nil {
		return summary, err
	}
	memberIDs := make([]uint64, 0, len(members))
	for _, m := range members {
		memberIDs = append(memberIDs, m.UserID)
	}
	summary.MemberIDs = memberIDs

	if len(memberIDs) > 0 {
		var users []domain.User
		if err := s.db.WithContext(ctx).Where("id IN ?", memberIDs).Find(&users).Error; err != nil {
			return summary, err
		}
		byID := make(map[uint64]string, len(users))
		for _, u := range users {
			byID[u.ID] = u.Name
		}
		participants := make([]Participant, 0, len(memberIDs))
		for _, id := range memberIDs {
			participants = append(participants, Participant{ID: id, Name: byID[id]})
		}
		summary.Participants = participants
	}

	var last domain.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", c.ID).
		Order("created_at DESC, id DESC").
		First(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// no messages yet; unread is 0
	case err != nil:
		return summary, err
	default:
		summary.LastMessage = &MessageSummary{
			ID:        last.ID,
			SenderID:  last.SenderID,
			Body:      last.Body,
			CreatedAt: last.CreatedAt,
		}

		var cursor domain.ReadCursor
		cursorErr := s.db.WithContext(ctx).
			Where("conversation_id = ? AND user_id = ?", c.ID, userID).
			First(&cursor).Error
		lastRead := uint64(0)
		if cursorErr == nil {
			lastRead = cursor.LastReadMessageID
		} else if !errors.Is(cursorErr, gorm.ErrRecordNotFound) {
			return summary, cursorErr
		}

		var unread int64
		if err := s.db.WithContext(ctx).
			Model(&domain.Message{}).
			Where("conversation_id = ? AND id > ?", c.ID, lastRead).
			Count(&unread).Error; err != nil {
			return summary, err
		}
		summary.UnreadCount = int(unread)
	}

	if c.EventID != nil {
		var ev domain.Event
		if err := s.db.WithContext(ctx).First(&ev, *c.EventID).Error; err == nil {
			summary.Event = &EventSummary{
				ID:        ev.ID,
				Title:     ev.Title,
				Location:  ev.Location,
				Time:      ev.Time,
				DateLabel: ev.DateLabel,
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return summary, err
		}
	}

	return summary, nil
}

func (s *gormStore) ListMessages(ctx context.Context, conversationID uint64, limit, offset int) ([]domain.Message, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var messages []domain.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, domain.NewStorageError("ListMessages", err)
	}
	return messages, nil
}

func (s *gormStore) CreateMessage(ctx context.Context, in MessageInput) (*domain.Message, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	body := strings.TrimSpace(in.Body)
	if body == "" {
		return nil, domain.ErrInvalidInput
	}

	msg := &domain.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Body:           body,
		AttachmentURL:  in.AttachmentURL,
		DeliveryStatus: in.DeliveryStatus,
		CreatedAt:      time.Now(),
	}
	if msg.DeliveryStatus == "" {
		msg.DeliveryStatus = domain.DeliveryStatusSent
	}

	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, domain.NewStorageError("CreateMessage", err)
	}
	return msg, nil
}

func (s *gormStore) UpdateReadCursor(ctx context.Context, conversationID, userID, lastReadMessageID uint64) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	if lastReadMessageID == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO read_cursors (conversation_id, user_id, last_read_message_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			last_read_message_id = GREATEST(read_cursors.last_read_message_id, EXCLUDED.last_read_message_id),
			updated_at = CASE
				WHEN EXCLUDED.last_read_message_id > read_cursors.last_read_message_id THEN EXCLUDED.updated_at
				ELSE read_cursors.updated_at
			END
	`, conversationID, userID, lastReadMessageID, time.Now()).Error
	if err != nil {
		return domain.NewStorageError("UpdateReadCursor", err)
	}
	return nil
}

func (s *gormStore) CreateJoinRequest(ctx context.Context, eventID, userID uint64) (*domain.JoinRequest, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var req *domain.JoinRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event domain.Event
		if err := tx.First(&event, eventID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrEventNotFound
			}
			return err
		}

		if event.HostUserID == userID {
			return domain.ErrAlreadyMember
		}

		conv, err := s.getConversationByEventIDTx(tx, eventID)
		if err != nil {
			return err
		}

		var memberCount int64
		if err := tx.Model(&domain.ConversationMember{}).
			Where("conversation_id = ? AND user_id = ?", conv.ID, userID).
			Count(&memberCount).Error; err != nil {
			return err
		}
		if memberCount > 0 {
			return domain.ErrAlreadyMember
		}

		var pendingCount int64
		if err := tx.Model(&domain.JoinRequest{}).
			Where("event_id = ? AND user_id = ? AND status = ?", eventID, userID, domain.JoinRequestPending).
			Count(&pendingCount).Error; err != nil {
			return err
		}
		if pendingCount > 0 {
			return domain.ErrRequestExists
		}

		req = &domain.JoinRequest{
			EventID:   eventID,
			UserID:    userID,
			Status:    domain.JoinRequestPending,
			CreatedAt: time.Now(),
		}
		return tx.Create(req).Error
	})

	if err != nil {
		return nil, classifyJoinRequestErr("CreateJoinRequest", err)
	}
	return req, nil
}

func (s *gormStore) getConversationByEventIDTx(tx *gorm.DB, eventID uint64) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := tx.Where("event_id = ?", eventID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrConversationMissing
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *gormStore) ApproveJoinRequest(ctx context.Context, eventID, requesterID, approverID uint64) (*domain.JoinRequest, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var req *domain.JoinRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event domain.Event
		if err := tx.First(&event, eventID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrEventNotFound
			}
			return err
		}
		if event.HostUserID != approverID {
			return domain.ErrNotHost
		}

		var pending domain.JoinRequest
		err := tx.Where("event_id = ? AND user_id = ? AND status = ?", eventID, requesterID, domain.JoinRequestPending).
			First(&pending).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrRequestNotFound
		}
		if err != nil {
			return err
		}

		conv, err := s.getConversationByEventIDTx(tx, eventID)
		if err != nil {
			return err
		}

		var memberCount int64
		if err := tx.Model(&domain.ConversationMember{}).
			Where("conversation_id = ? AND user_id = ?", conv.ID, requesterID).
			Count(&memberCount).Error; err != nil {
			return err
		}
		if memberCount > 0 {
			return domain.ErrAlreadyMember
		}

		now := time.Now()
		pending.Status = domain.JoinRequestApproved
		pending.DecidedAt = &now
		pending.DecidedByUserID = &approverID
		if err := tx.Save(&pending).Error; err != nil {
			return err
		}

		if err := tx.Create(&domain.ConversationMember{
			ConversationID: conv.ID,
			UserID:         requesterID,
			JoinedAt:       now,
			Role:           domain.RoleMember,
		}).Error; err != nil {
			return err
		}

		req = &pending
		return nil
	})

	if err != nil {
		return nil, classifyJoinRequestErr("ApproveJoinRequest", err)
	}
	return req, nil
}

func (s *gormStore) DenyJoinRequest(ctx context.Context, eventID, requesterID, approverID uint64) (*domain.JoinRequest, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var req *domain.JoinRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event domain.Event
		if err := tx.First(&event, eventID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrEventNotFound
			}
			return err
		}
		if event.HostUserID != approverID {
			return domain.ErrNotHost
		}

		var pending domain.JoinRequest
		err := tx.Where("event_id = ? AND user_id = ? AND status = ?", eventID, requesterID, domain.JoinRequestPending).
			First(&pending).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrRequestNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now()
		pending.Status = domain.JoinRequestDenied
		pending.DecidedAt = &now
		pending.DecidedByUserID = &approverID
		if err := tx.Save(&pending).Error; err != nil {
			return err
		}
		req = &pending
		return nil
	})

	if err != nil {
		return nil, classifyJoinRequestErr("DenyJoinRequest", err)
	}
	return req, nil
}

func (s *gormStore) RemoveEventMember(ctx context.Context, eventID, userID uint64) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event domain.Event
		if err := tx.First(&event, eventID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrEventNotFound
			}
			return err
		}
		if event.HostUserID == userID {
			return domain.ErrCannotRemoveHost
		}

		conv, err := s.getConversationByEventIDTx(tx, eventID)
		if err != nil {
			return err
		}

		res := tx.Where("conversation_id = ? AND user_id = ?", conv.ID, userID).
			Delete(&domain.ConversationMember{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotMember
		}

		return tx.Where("conversation_id = ? AND user_id = ?", conv.ID, userID).
			Delete(&domain.ReadCursor{}).Error
	})

	if err != nil {
		return classifyJoinRequestErr("RemoveEventMember", err)
	}
	return nil
}

func (s *gormStore) AuthenticateUser(ctx context.Context, email, password string) (*domain.User, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var user domain.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, domain.NewStorageError("AuthenticateUser", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, domain.ErrInvalidCredentials
	}
	return &user, nil
}

// classifyJoinRequestErr leaves sentinel domain errors untouched and wraps
// anything else (actual backend failure) as a StorageError.
func classifyJoinRequestErr(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrEventNotFound),
		errors.Is(err, domain.ErrConversationMissing),
		errors.Is(err, domain.ErrAlreadyMember),
		errors.Is(err, domain.ErrRequestExists),
		errors.Is(err, domain.ErrRequestNotFound),
		errors.Is(err, domain.ErrNotHost),
		errors.Is(err, domain.ErrCannotRemoveHost),
		errors.Is(err, domain.ErrNotMember):
		return err
	default:
		return domain.NewStorageError(op, err)
	}
}
