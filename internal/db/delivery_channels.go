package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrInvalidSubscription is returned when a push subscription has no endpoint.
var ErrInvalidSubscription = errors.New("invalid web push subscription: missing endpoint")

// uniqueViolation is the Postgres SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

const deliveryChannelColumns = `id, user_id, type, config, is_active, created_at, updated_at`

func scanDeliveryChannel(row pgx.Row) (*DeliveryChannel, error) {
	var dc DeliveryChannel
	err := row.Scan(
		&dc.ID,
		&dc.UserID,
		&dc.Type,
		&dc.Config,
		&dc.IsActive,
		&dc.CreatedAt,
		&dc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &dc, nil
}

func (r *Repository) queryDeliveryChannels(ctx context.Context, query string, args ...any) ([]*DeliveryChannel, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery channels: %w", err)
	}
	defer rows.Close()

	var channels []*DeliveryChannel
	for rows.Next() {
		dc, err := scanDeliveryChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery channel: %w", err)
		}
		channels = append(channels, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return channels, nil
}

// ListActiveDeliveryChannels returns every active delivery mechanism configured by the user
func (r *Repository) ListActiveDeliveryChannels(ctx context.Context, userID uuid.UUID) ([]*DeliveryChannel, error) {
	return r.queryDeliveryChannels(ctx, `
		SELECT `+deliveryChannelColumns+`
		FROM user_delivery_channels
		WHERE user_id = $1 AND is_active
		ORDER BY created_at ASC
	`, userID)
}

// EnsureSocketChannel makes sure the user has one active WEB_SOCKET delivery channel
func (r *Repository) EnsureSocketChannel(ctx context.Context, userID uuid.UUID) (*DeliveryChannel, error) {
	query := `
		INSERT INTO user_delivery_channels (id, user_id, type, config)
		VALUES ($1, $2, 'WEB_SOCKET', '{}'::jsonb)
		ON CONFLICT (user_id) WHERE type = 'WEB_SOCKET'
		DO UPDATE SET is_active = TRUE, updated_at = NOW()
		RETURNING ` + deliveryChannelColumns

	dc, err := scanDeliveryChannel(r.db.Pool().QueryRow(ctx, query, uuid.New(), userID))
	if err != nil {
		return nil, fmt.Errorf("ensure socket channel: %w", err)
	}
	return dc, nil
}

// UpsertPushSubscription binds a browser push endpoint to the user. The same
// endpoint registered by any other user is removed first, so a device only
// ever notifies its most recent user.
func (r *Repository) UpsertPushSubscription(ctx context.Context, userID uuid.UUID, sub PushSubscription) (*DeliveryChannel, error) {
	if sub.Endpoint == "" {
		return nil, ErrInvalidSubscription
	}

	config, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("marshal subscription: %w", err)
	}

	// A concurrent registration of the same endpoint by another user can
	// win the unique index between our delete and insert. One retry sees its
	// committed row and takes the endpoint over.
	dc, removed, err := r.upsertPushChannel(ctx, userID, sub.Endpoint, config)
	if isUniqueViolation(err) {
		dc, removed, err = r.upsertPushChannel(ctx, userID, sub.Endpoint, config)
	}
	if err != nil {
		return nil, err
	}

	r.logger.Info("push subscription stored",
		zap.String("user_id", userID.String()),
		zap.String("delivery_channel_id", dc.ID.String()),
		zap.Int64("reassigned", removed),
	)
	return dc, nil
}

// upsertPushChannel runs one delete-then-upsert transaction and reports how
// many rows of other users it removed.
func (r *Repository) upsertPushChannel(ctx context.Context, userID uuid.UUID, endpoint string, config []byte) (*DeliveryChannel, int64, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	removed, err := tx.Exec(ctx, `
		DELETE FROM user_delivery_channels
		WHERE type = 'WEB_PUSH' AND config->>'endpoint' = $1 AND user_id <> $2
	`, endpoint, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("remove foreign endpoint: %w", err)
	}

	dc, err := scanDeliveryChannel(tx.QueryRow(ctx, `
		UPDATE user_delivery_channels
		SET config = $3, is_active = TRUE, updated_at = NOW()
		WHERE type = 'WEB_PUSH' AND config->>'endpoint' = $1 AND user_id = $2
		RETURNING `+deliveryChannelColumns,
		endpoint, userID, config,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		dc, err = scanDeliveryChannel(tx.QueryRow(ctx, `
			INSERT INTO user_delivery_channels (id, user_id, type, config)
			VALUES ($1, $2, 'WEB_PUSH', $3)
			RETURNING `+deliveryChannelColumns,
			uuid.New(), userID, config,
		))
	}
	if err != nil {
		return nil, 0, fmt.Errorf("upsert push channel: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit transaction: %w", err)
	}
	return dc, removed.RowsAffected(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ListPushDevices returns the user's active WEB_PUSH channels, most recently updated first
func (r *Repository) ListPushDevices(ctx context.Context, userID uuid.UUID) ([]*DeliveryChannel, error) {
	return r.queryDeliveryChannels(ctx, `
		SELECT `+deliveryChannelColumns+`
		FROM user_delivery_channels
		WHERE user_id = $1 AND is_active AND type = 'WEB_PUSH'
		ORDER BY updated_at DESC
	`, userID)
}

// DeleteDeliveryChannel removes one of the user's delivery channels
func (r *Repository) DeleteDeliveryChannel(ctx context.Context, userID, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM user_delivery_channels WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("delete delivery channel: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery channel %s: %w", id, ErrNotFound)
	}
	return nil
}
