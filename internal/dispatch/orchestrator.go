// Package dispatch expands a notification into per-device delivery tasks
// and performs each delivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/db"
	"github.com/lalithlochan/hookbox/internal/queue"
)

// Store is the data access the orchestrator needs.
type Store interface {
	GetChannel(ctx context.Context, id uuid.UUID) (*db.Channel, error)
	ListMembers(ctx context.Context, channelID uuid.UUID) ([]*db.ChannelMember, error)
	ListActiveDeliveryChannels(ctx context.Context, userID uuid.UUID) ([]*db.DeliveryChannel, error)
}

type Orchestrator struct {
	store  Store
	logger *zap.Logger
}

func NewOrchestrator(store Store, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{store: store, logger: logger}
}

// BuildDeliveryTasks returns one task per active delivery channel of every
// user with access to the notification's channel: the owner first, then
// members in join order. A missing channel yields no tasks.
func (o *Orchestrator) BuildDeliveryTasks(ctx context.Context, n *db.Notification) ([]queue.DeliveryTask, error) {
	channel, err := o.store.GetChannel(ctx, n.ChannelID)
	if errors.Is(err, db.ErrNotFound) {
		o.logger.Warn("channel not found for dispatch",
			zap.String("notification_id", n.ID.String()),
			zap.String("channel_id", n.ChannelID.String()),
		)
		return []queue.DeliveryTask{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}

	members, err := o.store.ListMembers(ctx, channel.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	users := targetUsers(channel.UserID, members)
	tasks := []queue.DeliveryTask{}
	for _, userID := range users {
		mechanisms, err := o.store.ListActiveDeliveryChannels(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to list delivery channels for %s: %w", userID, err)
		}
		for _, m := range mechanisms {
			tasks = append(tasks, queue.DeliveryTask{
				NotificationID:  n.ID,
				ChannelID:       channel.ID,
				UserID:          userID,
				MechanismType:   m.Type,
				MechanismConfig: m.Config,
			})
		}
	}

	o.logger.Debug("delivery tasks built",
		zap.String("notification_id", n.ID.String()),
		zap.Int("users", len(users)),
		zap.Int("tasks", len(tasks)),
	)
	return tasks, nil
}

// targetUsers is the owner followed by the members, without duplicates.
func targetUsers(owner uuid.UUID, members []*db.ChannelMember) []uuid.UUID {
	seen := map[uuid.UUID]struct{}{owner: {}}
	users := []uuid.UUID{owner}
	for _, m := range members {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		users = append(users, m.UserID)
	}
	return users
}
