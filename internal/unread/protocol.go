// Package unread keeps every live client's per-channel unread counters in
// step with the database.
//
// Counts are always recomputed from storage, never incremented on the
// client's behalf, and reach clients only as events through the realtime
// registry:
//
//   - a live notification carries the recipient's fresh count (Stamp)
//   - marking one notification read emits the channel's new count (AfterMarkRead)
//   - marking all read emits per-channel counts (AfterMarkAllRead)
package unread

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/db"
)

// Store is the read side the protocol needs.
type Store interface {
	CountUnreadForUser(ctx context.Context, userID, channelID uuid.UUID) (int, error)
	ListAccessibleChannels(ctx context.Context, userID uuid.UUID) ([]*db.ChannelSummary, error)
}

// Emitter publishes unread updates to a user's live connections.
type Emitter interface {
	EmitUnreadUpdated(userID, channelID uuid.UUID, count int) int
}

type Protocol struct {
	store   Store
	emitter Emitter
	logger  *zap.Logger
}

func New(store Store, emitter Emitter, logger *zap.Logger) *Protocol {
	return &Protocol{store: store, emitter: emitter, logger: logger}
}

// Stamp sets n.UnreadCount to userID's current unread count for n's channel.
func (p *Protocol) Stamp(ctx context.Context, userID uuid.UUID, n *db.Notification) error {
	count, err := p.store.CountUnreadForUser(ctx, userID, n.ChannelID)
	if err != nil {
		return fmt.Errorf("failed to load unread count: %w", err)
	}
	n.UnreadCount = &count
	return nil
}

// AfterMarkRead emits the channel's recomputed count to userID.
func (p *Protocol) AfterMarkRead(ctx context.Context, userID, channelID uuid.UUID) (int, error) {
	count, err := p.store.CountUnreadForUser(ctx, userID, channelID)
	if err != nil {
		return 0, fmt.Errorf("failed to load unread count: %w", err)
	}

	p.emitter.EmitUnreadUpdated(userID, channelID, count)
	p.logger.Debug("unread count updated",
		zap.String("user_id", userID.String()),
		zap.String("channel_id", channelID.String()),
		zap.Int("unread", count),
	)
	return count, nil
}

// AfterMarkAllRead emits after a bulk mark. With a channel filter the
// channel's count is recomputed; without one every channel in channelIDs
// is now zero.
func (p *Protocol) AfterMarkAllRead(ctx context.Context, userID uuid.UUID, channelID *uuid.UUID, channelIDs []uuid.UUID) error {
	if channelID != nil {
		_, err := p.AfterMarkRead(ctx, userID, *channelID)
		return err
	}

	for _, id := range channelIDs {
		p.emitter.EmitUnreadUpdated(userID, id, 0)
	}
	return nil
}

// Summary maps every channel the user can read to its unread count.
func (p *Protocol) Summary(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error) {
	channels, err := p.store.ListAccessibleChannels(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	summary := make(map[uuid.UUID]int, len(channels))
	for _, ch := range channels {
		summary[ch.ID] = ch.UnreadCount
	}
	return summary, nil
}
