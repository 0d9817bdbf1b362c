package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for channels, memberships,
// notifications and delivery channels
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const channelColumns = `
	c.id, c.name, c.description, c.webhook_token, c.user_id,
	c.is_active, c.expires_at, c.settings, c.created_at, c.updated_at`

func scanChannel(row pgx.Row, extra ...any) (*Channel, error) {
	var ch Channel
	dest := []any{
		&ch.ID,
		&ch.Name,
		&ch.Description,
		&ch.WebhookToken,
		&ch.UserID,
		&ch.IsActive,
		&ch.ExpiresAt,
		&ch.Settings,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateChannel inserts a channel. ID, webhook token and expiry are
// generated when empty.
func (r *Repository) CreateChannel(ctx context.Context, ch *Channel) error {
	if ch.ID == uuid.Nil {
		ch.ID = uuid.New()
	}
	if ch.WebhookToken == "" {
		ch.WebhookToken = uuid.NewString()
	}
	if ch.Settings == nil {
		ch.Settings = []byte(`{}`)
	}
	if ch.ExpiresAt.IsZero() {
		ch.ExpiresAt = nowUTC().Add(ChannelTTL)
	}
	ch.IsActive = true

	query := `
		INSERT INTO channels (
			id, name, description, webhook_token, user_id,
			is_active, expires_at, settings
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		ch.ID,
		ch.Name,
		ch.Description,
		ch.WebhookToken,
		ch.UserID,
		ch.IsActive,
		ch.ExpiresAt,
		ch.Settings,
	).Scan(&ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create channel",
			zap.Error(err),
			zap.String("channel_id", ch.ID.String()),
		)
		return fmt.Errorf("insert channel: %w", err)
	}

	r.logger.Info("channel created",
		zap.String("channel_id", ch.ID.String()),
		zap.String("owner_id", ch.UserID.String()),
	)
	return nil
}

// GetChannel retrieves a channel by ID regardless of state
func (r *Repository) GetChannel(ctx context.Context, id uuid.UUID) (*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels c WHERE c.id = $1`

	ch, err := scanChannel(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return ch, nil
}

// GetChannelByWebhookToken resolves an active, non-expired channel by its webhook token
func (r *Repository) GetChannelByWebhookToken(ctx context.Context, token string) (*Channel, error) {
	query := `
		SELECT ` + channelColumns + `
		FROM channels c
		WHERE c.webhook_token = $1 AND c.is_active AND c.expires_at > NOW()
	`

	ch, err := scanChannel(r.db.Pool().QueryRow(ctx, query, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("webhook token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query channel by token: %w", err)
	}
	return ch, nil
}

// ListAccessibleChannels returns the active, non-expired channels the user
// owns or is a member of, newest first, each with its unread count
func (r *Repository) ListAccessibleChannels(ctx context.Context, userID uuid.UUID) ([]*ChannelSummary, error) {
	query := `
		SELECT ` + channelColumns + `,
			(SELECT COUNT(*) FROM notifications n
			 WHERE n.channel_id = c.id AND n.read = FALSE AND n.expires_at > NOW()) AS unread_count
		FROM channels c
		WHERE c.is_active AND c.expires_at > NOW()
		  AND (c.user_id = $1 OR EXISTS (
			SELECT 1 FROM channel_members cm WHERE cm.channel_id = c.id AND cm.user_id = $1))
		ORDER BY c.created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query accessible channels: %w", err)
	}
	defer rows.Close()

	var channels []*ChannelSummary
	for rows.Next() {
		var unread int64
		ch, err := scanChannel(rows, &unread)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, &ChannelSummary{Channel: *ch, UnreadCount: int(unread)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return channels, nil
}

// ChannelUpdate holds the mutable channel fields; nil means unchanged.
// The webhook token cannot be changed.
type ChannelUpdate struct {
	Name        *string
	Description *string
	IsActive    *bool
	Settings    []byte
}

// UpdateChannel applies a partial update and returns the new row
func (r *Repository) UpdateChannel(ctx context.Context, id uuid.UUID, upd ChannelUpdate) (*Channel, error) {
	query := `
		UPDATE channels c SET
			name        = COALESCE($2, c.name),
			description = COALESCE($3, c.description),
			is_active   = COALESCE($4, c.is_active),
			settings    = COALESCE($5, c.settings),
			updated_at  = NOW()
		WHERE c.id = $1
		RETURNING ` + channelColumns

	var settings any
	if upd.Settings != nil {
		settings = upd.Settings
	}

	ch, err := scanChannel(r.db.Pool().QueryRow(ctx, query, id, upd.Name, upd.Description, upd.IsActive, settings))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update channel: %w", err)
	}
	return ch, nil
}

// DeleteChannel removes a channel; members and notifications cascade
func (r *Repository) DeleteChannel(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}

	r.logger.Info("channel deleted", zap.String("channel_id", id.String()))
	return nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
