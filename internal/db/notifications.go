package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const notificationColumns = `
	id, channel_id, title, message, type, priority, metadata,
	read, read_at, expires_at, created_at, updated_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.ChannelID,
		&n.Title,
		&n.Message,
		&n.Type,
		&n.Priority,
		&n.Metadata,
		&n.Read,
		&n.ReadAt,
		&n.ExpiresAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a new notification. Defaults are applied for
// an empty ID, type, priority, metadata and expiry.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	if notif.ID == uuid.Nil {
		notif.ID = uuid.New()
	}
	notif.Type = ParseType(notif.Type)
	notif.Priority = ParsePriority(notif.Priority)
	if len(notif.Metadata) == 0 {
		notif.Metadata = []byte(`{}`)
	}
	if notif.ExpiresAt.IsZero() {
		notif.ExpiresAt = nowUTC().Add(NotificationTTL)
	}

	query := `
		INSERT INTO notifications (
			id, channel_id, title, message, type,
			priority, metadata, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING read, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		notif.ID,
		notif.ChannelID,
		notif.Title,
		notif.Message,
		notif.Type,
		notif.Priority,
		notif.Metadata,
		notif.ExpiresAt,
	).Scan(&notif.Read, &notif.CreatedAt, &notif.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("channel_id", notif.ChannelID.String()),
		zap.String("type", notif.Type),
	)
	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return notif, nil
}

func buildNotificationWhere(filter NotificationFilter) (string, []any) {
	clauses := []string{"expires_at > NOW()"}
	var args []any

	if len(filter.ChannelIDs) > 0 {
		args = append(args, uuidStrings(filter.ChannelIDs))
		clauses = append(clauses, fmt.Sprintf("channel_id = ANY($%d::uuid[])", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		clauses = append(clauses, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Priority != "" {
		args = append(args, filter.Priority)
		clauses = append(clauses, fmt.Sprintf("priority = $%d", len(args)))
	}
	if filter.Read != nil {
		args = append(args, *filter.Read)
		clauses = append(clauses, fmt.Sprintf("read = $%d", len(args)))
	}

	return strings.Join(clauses, " AND "), args
}

// ListNotifications returns a page of non-expired notifications, newest
// first, along with the total number of matches
func (r *Repository) ListNotifications(ctx context.Context, filter NotificationFilter, limit, offset int) ([]*Notification, int, error) {
	where, args := buildNotificationWhere(filter)

	var total int64
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM notifications
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, notificationColumns, where, len(args)+1, len(args)+2)

	rows, err := r.db.Pool().Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]*Notification, 0, limit)
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, int(total), nil
}

// MarkRead flags a notification as read. read_at keeps its first value.
func (r *Repository) MarkRead(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		UPDATE notifications
		SET read = TRUE, read_at = COALESCE(read_at, NOW()), updated_at = NOW()
		WHERE id = $1
		RETURNING ` + notificationColumns

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	return notif, nil
}

// MarkAllRead flags every unread, non-expired notification of the given
// channels as read and returns how many rows changed
func (r *Repository) MarkAllRead(ctx context.Context, channelIDs []uuid.UUID) (int, error) {
	if len(channelIDs) == 0 {
		return 0, nil
	}

	query := `
		UPDATE notifications
		SET read = TRUE, read_at = NOW(), updated_at = NOW()
		WHERE read = FALSE AND expires_at > NOW() AND channel_id = ANY($1::uuid[])
	`

	result, err := r.db.Pool().Exec(ctx, query, uuidStrings(channelIDs))
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// CountUnread counts unread, non-expired notifications across the given channels
func (r *Repository) CountUnread(ctx context.Context, channelIDs []uuid.UUID) (int, error) {
	if len(channelIDs) == 0 {
		return 0, nil
	}

	var count int64
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE read = FALSE AND expires_at > NOW() AND channel_id = ANY($1::uuid[])
	`, uuidStrings(channelIDs)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return int(count), nil
}

// DeleteNotification removes a notification
func (r *Repository) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}
