package circuitbreaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/db"
	"github.com/lalithlochan/hookbox/internal/push"
)

// Pusher is the subset of push.Sender guarded by a breaker.
type Pusher interface {
	Configured() bool
	Send(ctx context.Context, sub db.PushSubscription, payload push.Payload, priority string) error
}

// PushFailure reports whether a push error says something about the push
// service itself. A dead subscription or bad keys are the client's problem.
func PushFailure(err error) bool {
	return !errors.Is(err, push.ErrSubscriptionGone) &&
		!errors.Is(err, push.ErrInvalidSubscription) &&
		!errors.Is(err, push.ErrNotConfigured)
}

// ProtectedPusher fails fast while the push service is unhealthy.
type ProtectedPusher struct {
	pusher  Pusher
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedPusher(pusher Pusher, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedPusher {
	return &ProtectedPusher{
		pusher:  pusher,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedPusher) Configured() bool {
	return p.pusher.Configured()
}

func (p *ProtectedPusher) Send(ctx context.Context, sub db.PushSubscription, payload push.Payload, priority string) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.pusher.Send(ctx, sub, payload, priority)
	})
	if errors.Is(err, ErrCircuitOpen) {
		p.logger.Warn("push rejected by open circuit",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", payload.Data.NotificationID.String()),
		)
	}
	return err
}

func (p *ProtectedPusher) Breaker() *CircuitBreaker {
	return p.breaker
}
