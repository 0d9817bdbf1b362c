// Package notify owns the notification lifecycle: creation and hand-off to
// the dispatch queue, reads, read-state changes and deletion.
package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/access"
	"github.com/lalithlochan/hookbox/internal/db"
	"github.com/lalithlochan/hookbox/internal/metrics"
	"github.com/lalithlochan/hookbox/internal/queue"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Sources label where a notification came from.
const (
	SourceWebhook = "webhook"
	SourceAPI     = "api"
)

type Store interface {
	CreateNotification(ctx context.Context, n *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotifications(ctx context.Context, filter db.NotificationFilter, limit, offset int) ([]*db.Notification, int, error)
	MarkRead(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	MarkAllRead(ctx context.Context, channelIDs []uuid.UUID) (int, error)
	CountUnread(ctx context.Context, channelIDs []uuid.UUID) (int, error)
	DeleteNotification(ctx context.Context, id uuid.UUID) error
	ListAccessibleChannels(ctx context.Context, userID uuid.UUID) ([]*db.ChannelSummary, error)
}

type AccessChecker interface {
	Check(ctx context.Context, channelID, userID uuid.UUID, min access.Level) (*db.Channel, access.Level, error)
}

// Broadcaster pushes notification changes to channel rooms. New
// notifications reach clients only through delivery, stamped with the
// recipient's unread count.
type Broadcaster interface {
	EmitUpdated(channelID uuid.UUID, n *db.Notification) int
	EmitDeleted(channelID, notificationID uuid.UUID) int
}

// UnreadTracker keeps clients' unread counters current.
type UnreadTracker interface {
	AfterMarkRead(ctx context.Context, userID, channelID uuid.UUID) (int, error)
	AfterMarkAllRead(ctx context.Context, userID uuid.UUID, channelID *uuid.UUID, channelIDs []uuid.UUID) error
	Summary(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error)
}

type Service struct {
	store     Store
	access    AccessChecker
	dispatch  queue.Broker
	broadcast Broadcaster
	unread    UnreadTracker
	logger    *zap.Logger
}

func NewService(store Store, checker AccessChecker, dispatch queue.Broker, broadcast Broadcaster, unread UnreadTracker, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		access:    checker,
		dispatch:  dispatch,
		broadcast: broadcast,
		unread:    unread,
		logger:    logger,
	}
}

// Create persists n and enqueues exactly one dispatch task for it. A failed
// enqueue is logged; the notification is still created.
func (s *Service) Create(ctx context.Context, n *db.Notification, source string) (*db.Notification, error) {
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	metrics.RecordNotificationCreated(source)

	log := s.logger.With(
		zap.String("notification_id", n.ID.String()),
		zap.String("channel_id", n.ChannelID.String()),
	)

	if _, err := queue.Publish(ctx, s.dispatch, queue.KindDispatch, queue.DispatchTask{NotificationID: n.ID}); err != nil {
		log.Error("failed to enqueue dispatch task", zap.Error(err))
	}

	log.Info("notification created", zap.String("source", source))
	return n, nil
}

// CreateForUser checks userID may read the channel before creating.
func (s *Service) CreateForUser(ctx context.Context, userID uuid.UUID, n *db.Notification) (*db.Notification, error) {
	if _, _, err := s.access.Check(ctx, n.ChannelID, userID, access.LevelMember); err != nil {
		return nil, err
	}
	return s.Create(ctx, n, SourceAPI)
}

// Get returns the notification if userID can read its channel.
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (*db.Notification, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.access.Check(ctx, n.ChannelID, userID, access.LevelMember); err != nil {
		return nil, err
	}
	return n, nil
}

// ListQuery narrows List. A nil ChannelID means every readable channel.
type ListQuery struct {
	ChannelID *uuid.UUID
	Type      string
	Priority  string
	Read      *bool
	Limit     int
	Offset    int
}

// Page is one page of notifications.
type Page struct {
	Data   []*db.Notification `json:"data"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// scope resolves the channels a query covers: the one named, after an
// access check, or every channel the user can read.
func (s *Service) scope(ctx context.Context, userID uuid.UUID, channelID *uuid.UUID) ([]uuid.UUID, error) {
	if channelID != nil {
		if _, _, err := s.access.Check(ctx, *channelID, userID, access.LevelMember); err != nil {
			return nil, err
		}
		return []uuid.UUID{*channelID}, nil
	}

	channels, err := s.store.ListAccessibleChannels(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	return ids, nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, q ListQuery) (*Page, error) {
	page := &Page{Data: []*db.Notification{}, Limit: clampLimit(q.Limit), Offset: max(q.Offset, 0)}

	channelIDs, err := s.scope(ctx, userID, q.ChannelID)
	if err != nil {
		return nil, err
	}
	if len(channelIDs) == 0 {
		return page, nil
	}

	filter := db.NotificationFilter{
		ChannelIDs: channelIDs,
		Type:       q.Type,
		Priority:   q.Priority,
		Read:       q.Read,
	}
	items, total, err := s.store.ListNotifications(ctx, filter, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	if items != nil {
		page.Data = items
	}
	page.Total = total
	return page, nil
}

// UnreadCount totals unread notifications across the scope.
func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID, channelID *uuid.UUID) (int, error) {
	channelIDs, err := s.scope(ctx, userID, channelID)
	if err != nil {
		return 0, err
	}
	if len(channelIDs) == 0 {
		return 0, nil
	}
	count, err := s.store.CountUnread(ctx, channelIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return count, nil
}

func (s *Service) UnreadSummary(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error) {
	return s.unread.Summary(ctx, userID)
}

// MarkRead marks one notification read and tells the caller's clients the
// channel's new unread count.
func (s *Service) MarkRead(ctx context.Context, userID, id uuid.UUID) (*db.Notification, error) {
	n, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.MarkRead(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}

	s.broadcast.EmitUpdated(n.ChannelID, updated)
	if _, err := s.unread.AfterMarkRead(ctx, userID, n.ChannelID); err != nil {
		s.logger.Warn("failed to publish unread count",
			zap.String("notification_id", id.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
	return updated, nil
}

// MarkAllRead marks every unread notification in scope read and returns
// how many changed.
func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID, channelID *uuid.UUID) (int, error) {
	channelIDs, err := s.scope(ctx, userID, channelID)
	if err != nil {
		return 0, err
	}
	if len(channelIDs) == 0 {
		return 0, nil
	}

	count, err := s.store.MarkAllRead(ctx, channelIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all read: %w", err)
	}

	if err := s.unread.AfterMarkAllRead(ctx, userID, channelID, channelIDs); err != nil {
		s.logger.Warn("failed to publish unread counts",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
	return count, nil
}

func (s *Service) Delete(ctx context.Context, userID, id uuid.UUID) error {
	n, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteNotification(ctx, id); err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}

	s.broadcast.EmitDeleted(n.ChannelID, id)
	return nil
}
