package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a stored webhook result can be replayed.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the lock held while a webhook is being ingested.
	processingTTL = 2 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means the same idempotency key is still being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult is the cached outcome of an ingested webhook.
type IdempotencyResult struct {
	NotificationID string `json:"notification_id"`
	StatusCode     int    `json:"status_code"`
	CreatedAt      int64  `json:"created_at"`
}

// IdempotencyService replays webhook results for a repeated Idempotency-Key.
// Keys are scoped per channel so two channels can reuse the same key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(scope, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, idempotencyKey)
}

// Check returns (nil, nil) for an unknown key, the cached result for a
// finished one, or ErrDuplicateRequest while the key is reserved.
func (s *IdempotencyService) Check(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(scope, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency replay",
		zap.String("scope", scope),
		zap.String("notification_id", result.NotificationID),
	)
	return &result, nil
}

// Store saves a finished result, replacing the reservation.
func (s *IdempotencyService) Store(ctx context.Context, scope, idempotencyKey string, result *IdempotencyResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(scope, idempotencyKey), data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a reservation so a failed request can be retried by the caller
func (s *IdempotencyService) Release(ctx context.Context, scope, idempotencyKey string) error {
	key := s.buildKey(scope, idempotencyKey)
	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != processingMarker {
		return nil
	}
	return s.client.rdb.Del(ctx, key).Err()
}

// CheckOrReserve returns a cached result if there is one, otherwise reserves
// the key with SET NX. A lost race yields ErrDuplicateRequest.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, scope, idempotencyKey)
	if err != nil || result != nil {
		return result, err
	}

	reserved, err := s.client.rdb.SetNX(ctx, s.buildKey(scope, idempotencyKey), processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}
