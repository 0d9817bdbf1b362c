package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/circuitbreaker"
	"github.com/lalithlochan/hookbox/internal/db"
	"github.com/lalithlochan/hookbox/internal/metrics"
	"github.com/lalithlochan/hookbox/internal/push"
	"github.com/lalithlochan/hookbox/internal/queue"
)

// Delivery outcomes, as counted in metrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Stamper fills in the recipient's unread count.
type Stamper interface {
	Stamp(ctx context.Context, userID uuid.UUID, n *db.Notification) error
}

// LiveEmitter reaches a user's open connections.
type LiveEmitter interface {
	EmitNewToUser(userID uuid.UUID, n *db.Notification) int
}

type Executor struct {
	stamper Stamper
	live    LiveEmitter
	pusher  circuitbreaker.Pusher
	logger  *zap.Logger
}

func NewExecutor(stamper Stamper, live LiveEmitter, pusher circuitbreaker.Pusher, logger *zap.Logger) *Executor {
	return &Executor{
		stamper: stamper,
		live:    live,
		pusher:  pusher,
		logger:  logger,
	}
}

// Execute performs one delivery. Provider failures are logged and
// swallowed; only failing to load the unread count is returned, so the
// task is retried.
func (e *Executor) Execute(ctx context.Context, task queue.DeliveryTask, n *db.Notification) error {
	log := e.logger.With(
		zap.String("notification_id", task.NotificationID.String()),
		zap.String("user_id", task.UserID.String()),
		zap.String("mechanism", string(task.MechanismType)),
	)

	var outcome string
	switch task.MechanismType {
	case db.MechanismWebSocket:
		if err := e.stamper.Stamp(ctx, task.UserID, n); err != nil {
			return err
		}
		sent := e.live.EmitNewToUser(task.UserID, n)
		log.Debug("live notification emitted", zap.Int("connections", sent))
		outcome = OutcomeDelivered

	case db.MechanismWebPush:
		outcome = e.push(ctx, log, task, n)

	default:
		log.Warn("unknown delivery mechanism, skipping")
		outcome = OutcomeSkipped
	}

	metrics.RecordDelivery(string(task.MechanismType), outcome)
	return nil
}

func (e *Executor) push(ctx context.Context, log *zap.Logger, task queue.DeliveryTask, n *db.Notification) string {
	var sub db.PushSubscription
	if err := json.Unmarshal(task.MechanismConfig, &sub); err != nil || sub.Endpoint == "" {
		log.Warn("push subscription has no endpoint, skipping")
		return OutcomeSkipped
	}
	if e.pusher == nil || !e.pusher.Configured() {
		log.Warn("web push keys not configured, skipping")
		return OutcomeSkipped
	}

	err := e.pusher.Send(ctx, sub, push.NewPayload(n), n.Priority)
	switch {
	case err == nil:
		log.Debug("push sent")
		return OutcomeDelivered
	case errors.Is(err, push.ErrSubscriptionGone):
		log.Warn("push subscription is gone", zap.String("endpoint", sub.Endpoint), zap.Error(err))
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		// ProtectedPusher already logged it.
	default:
		log.Error("push failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
	}
	return OutcomeFailed
}
