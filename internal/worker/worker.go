// Package worker runs queue consumers: it pulls envelopes from a broker,
// hands them to a stage handler and applies the retry policy.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/metrics"
	"github.com/lalithlochan/hookbox/internal/queue"
)

// Task outcomes, as counted in metrics.
const (
	OutcomeSuccess = "success"
	OutcomeRetried = "retried"
	OutcomeDropped = "dropped"
)

// Handler processes one envelope. A nil error acks it; any other error is
// retried per the runner's policy.
type Handler interface {
	Handle(ctx context.Context, env *queue.Envelope) error
}

type HandlerFunc func(ctx context.Context, env *queue.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env *queue.Envelope) error { return f(ctx, env) }

type depther interface {
	Depth(ctx context.Context) (int64, error)
}

type Config struct {
	Name         string
	Concurrency  int
	PollInterval time.Duration
	ReapInterval time.Duration
	Policy       queue.RetryPolicy
}

// Runner consumes one queue with Concurrency goroutines.
type Runner struct {
	broker  queue.Broker
	handler Handler
	config  Config
	logger  *zap.Logger
}

func New(broker queue.Broker, handler Handler, cfg Config, logger *zap.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = 15 * time.Second
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = queue.DeliveryPolicy
	}

	return &Runner{
		broker:  broker,
		handler: handler,
		config:  cfg,
		logger:  logger.With(zap.String("worker", cfg.Name)),
	}
}

// Start blocks until ctx is cancelled and every consumer has returned.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("worker starting", zap.Int("concurrency", r.config.Concurrency))

	var wg sync.WaitGroup
	for i := 0; i < r.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.consume(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.housekeep(ctx)
	}()

	wg.Wait()
	r.logger.Info("worker stopped")
}

func (r *Runner) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		env, err := r.broker.Receive(ctx)
		switch {
		case errors.Is(err, queue.ErrMalformed):
			metrics.RecordTaskProcessed(r.config.Name, OutcomeDropped)
			r.logger.Warn("dropped malformed task", zap.Error(err))
			continue
		case err != nil:
			if ctx.Err() == nil {
				r.logger.Error("failed to receive task", zap.Error(err))
			}
			r.sleep(ctx)
			continue
		case env == nil:
			r.sleep(ctx)
			continue
		}

		r.process(ctx, env)
	}
}

func (r *Runner) sleep(ctx context.Context) {
	t := time.NewTimer(r.config.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (r *Runner) process(ctx context.Context, env *queue.Envelope) {
	log := r.logger.With(
		zap.String("task_id", env.ID),
		zap.Int("attempt", env.Attempt),
	)

	// Redelivered after the final attempt was abandoned.
	if r.config.Policy.Exhausted(env.Attempt) {
		log.Error("task exceeded max attempts, dropping")
		r.drop(ctx, env, log)
		return
	}

	err := r.handler.Handle(ctx, env)
	if err != nil && ctx.Err() != nil {
		// Shutting down; the broker redelivers unacked tasks.
		return
	}

	switch {
	case err == nil:
		if ackErr := r.broker.Ack(ctx, env); ackErr != nil {
			log.Error("failed to ack task", zap.Error(ackErr))
		}
		metrics.RecordTaskProcessed(r.config.Name, OutcomeSuccess)
		metrics.RecordTaskLatency(r.config.Name, env.Age())

	case errors.Is(err, queue.ErrMalformed):
		log.Warn("dropping undecodable task", zap.Error(err))
		r.drop(ctx, env, log)

	case r.config.Policy.ShouldRetry(env.Attempt):
		delay := r.config.Policy.Backoff(env.Attempt)
		log.Warn("task failed, retrying", zap.Duration("delay", delay), zap.Error(err))
		if retryErr := r.broker.Retry(ctx, env, delay); retryErr != nil {
			log.Error("failed to schedule retry", zap.Error(retryErr))
		}
		metrics.RecordTaskProcessed(r.config.Name, OutcomeRetried)

	default:
		log.Error("task failed on final attempt, dropping", zap.Error(err))
		r.drop(ctx, env, log)
	}
}

func (r *Runner) drop(ctx context.Context, env *queue.Envelope, log *zap.Logger) {
	if err := r.broker.Ack(ctx, env); err != nil {
		log.Error("failed to ack dropped task", zap.Error(err))
	}
	metrics.RecordTaskProcessed(r.config.Name, OutcomeDropped)
}

// housekeep reaps abandoned tasks and samples queue depth for brokers that
// support it.
func (r *Runner) housekeep(ctx context.Context) {
	reaper, canReap := r.broker.(queue.Reaper)
	sizer, canSize := r.broker.(depther)
	if !canReap && !canSize {
		return
	}

	ticker := time.NewTicker(r.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if canReap {
				if n, err := reaper.Reap(ctx); err != nil {
					r.logger.Error("failed to reap tasks", zap.Error(err))
				} else if n > 0 {
					r.logger.Warn("redelivering abandoned tasks", zap.Int("count", n))
				}
			}
			if canSize {
				if depth, err := sizer.Depth(ctx); err == nil {
					metrics.SetQueueDepth(r.config.Name, depth)
				}
			}
		}
	}
}
