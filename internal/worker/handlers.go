package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/db"
	"github.com/lalithlochan/hookbox/internal/queue"
)

// NotificationLoader reloads a notification by ID.
type NotificationLoader interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
}

type TaskBuilder interface {
	BuildDeliveryTasks(ctx context.Context, n *db.Notification) ([]queue.DeliveryTask, error)
}

type Deliverer interface {
	Execute(ctx context.Context, task queue.DeliveryTask, n *db.Notification) error
}

// DispatchHandler fans a notification out into delivery tasks.
type DispatchHandler struct {
	store    NotificationLoader
	builder  TaskBuilder
	delivery queue.Broker
	logger   *zap.Logger
}

func NewDispatchHandler(store NotificationLoader, builder TaskBuilder, delivery queue.Broker, logger *zap.Logger) *DispatchHandler {
	return &DispatchHandler{store: store, builder: builder, delivery: delivery, logger: logger}
}

func (h *DispatchHandler) Handle(ctx context.Context, env *queue.Envelope) error {
	var task queue.DispatchTask
	if err := env.Decode(&task); err != nil {
		return err
	}

	n, err := h.store.GetNotification(ctx, task.NotificationID)
	if errors.Is(err, db.ErrNotFound) {
		h.logger.Warn("notification gone before dispatch, skipping",
			zap.String("notification_id", task.NotificationID.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load notification: %w", err)
	}

	tasks, err := h.builder.BuildDeliveryTasks(ctx, n)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if _, err := queue.Publish(ctx, h.delivery, queue.KindDelivery, t); err != nil {
			return err
		}
	}

	h.logger.Info("notification dispatched",
		zap.String("notification_id", n.ID.String()),
		zap.Int("deliveries", len(tasks)),
	)
	return nil
}

// DeliveryHandler performs one delivery task.
type DeliveryHandler struct {
	store    NotificationLoader
	executor Deliverer
	logger   *zap.Logger
}

func NewDeliveryHandler(store NotificationLoader, executor Deliverer, logger *zap.Logger) *DeliveryHandler {
	return &DeliveryHandler{store: store, executor: executor, logger: logger}
}

func (h *DeliveryHandler) Handle(ctx context.Context, env *queue.Envelope) error {
	var task queue.DeliveryTask
	if err := env.Decode(&task); err != nil {
		return err
	}

	n, err := h.store.GetNotification(ctx, task.NotificationID)
	if errors.Is(err, db.ErrNotFound) {
		h.logger.Warn("notification gone before delivery, skipping",
			zap.String("notification_id", task.NotificationID.String()),
			zap.String("user_id", task.UserID.String()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load notification: %w", err)
	}

	return h.executor.Execute(ctx, task, n)
}
