package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

// ListMembers returns the channel's members, oldest first. The owner is not included.
func (r *Repository) ListMembers(ctx context.Context, channelID uuid.UUID) ([]*ChannelMember, error) {
	query := `
		SELECT id, channel_id, user_id, created_at
		FROM channel_members
		WHERE channel_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []*ChannelMember
	for rows.Next() {
		var m ChannelMember
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.UserID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return members, nil
}

// IsMember reports whether userID holds a membership row for the channel
func (r *Repository) IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)`,
		channelID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return exists, nil
}

// AddMember grants userID access to the channel. Adding an existing member
// returns the existing row; adding the owner fails with ErrOwnerIsMember.
func (r *Repository) AddMember(ctx context.Context, channelID, userID uuid.UUID) (*ChannelMember, error) {
	ch, err := r.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.UserID == userID {
		return nil, ErrOwnerIsMember
	}

	query := `
		INSERT INTO channel_members (id, channel_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, user_id) DO UPDATE SET channel_id = EXCLUDED.channel_id
		RETURNING id, channel_id, user_id, created_at
	`

	var m ChannelMember
	err = r.db.Pool().QueryRow(ctx, query, uuid.New(), channelID, userID).
		Scan(&m.ID, &m.ChannelID, &m.UserID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert member: %w", err)
	}

	r.logger.Info("channel member added",
		zap.String("channel_id", channelID.String()),
		zap.String("user_id", userID.String()),
	)
	return &m, nil
}

// RemoveMember deletes a membership row
func (r *Repository) RemoveMember(ctx context.Context, channelID, userID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM channel_members WHERE channel_id = $1 AND user_id = $2`,
		channelID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("member %s of channel %s: %w", userID, channelID, ErrNotFound)
	}

	r.logger.Info("channel member removed",
		zap.String("channel_id", channelID.String()),
		zap.String("user_id", userID.String()),
	)
	return nil
}

// CountUnreadForUser counts unread, non-expired notifications in the channel,
// or zero when the user is neither owner nor member.
func (r *Repository) CountUnreadForUser(ctx context.Context, userID, channelID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(n.id)
		FROM notifications n
		JOIN channels c ON n.channel_id = c.id
		LEFT JOIN channel_members cm ON cm.channel_id = c.id AND cm.user_id = $1
		WHERE c.id = $2
		  AND n.read = FALSE
		  AND n.expires_at > NOW()
		  AND (c.user_id = $1 OR cm.id IS NOT NULL)
	`

	var count int64
	err := r.db.Pool().QueryRow(ctx, query, userID, channelID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count unread for user: %w", err)
	}
	return int(count), nil
}
