package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/queue"
)

// DefaultVisibility is how long a received task stays invisible before Reap
// hands it to another worker.
const DefaultVisibility = time.Minute

// receiveScript promotes due delayed tasks, pops one ready task and parks it
// in the in-flight set until its visibility deadline.
var receiveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, member in ipairs(due) do
  redis.call('RPUSH', KEYS[1], member)
  redis.call('ZREM', KEYS[2], member)
end
local payload = redis.call('LPOP', KEYS[1])
if not payload then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[2], payload)
return payload
`)

// reapScript removes and returns in-flight tasks whose deadline has passed.
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(expired) do
  redis.call('ZREM', KEYS[1], member)
end
return expired
`)

// Queue is a queue.Broker on top of a Redis list and two sorted sets.
type Queue struct {
	client     *Client
	name       string
	visibility time.Duration
	logger     *zap.Logger

	readyKey    string
	delayedKey  string
	inflightKey string
}

var _ queue.Broker = (*Queue)(nil)
var _ queue.Reaper = (*Queue)(nil)

// NewQueue returns the named queue. visibility <= 0 means DefaultVisibility.
func NewQueue(client *Client, name string, visibility time.Duration, logger *zap.Logger) *Queue {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	prefix := "queue:" + name
	return &Queue{
		client:      client,
		name:        name,
		visibility:  visibility,
		logger:      logger.With(zap.String("queue", name)),
		readyKey:    prefix + ":ready",
		delayedKey:  prefix + ":delayed",
		inflightKey: prefix + ":inflight",
	}
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Enqueue makes env ready for the next Receive
func (q *Queue) Enqueue(ctx context.Context, env *queue.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.client.rdb.RPush(ctx, q.readyKey, payload).Err(); err != nil {
		return fmt.Errorf("redis rpush failed: %w", err)
	}
	return nil
}

// Receive pops the next ready task, or returns (nil, nil) when there is none
func (q *Queue) Receive(ctx context.Context) (*queue.Envelope, error) {
	now := time.Now()
	payload, err := receiveScript.Run(ctx, q.client.rdb,
		[]string{q.readyKey, q.delayedKey, q.inflightKey},
		millis(now), millis(now.Add(q.visibility)),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis receive failed: %w", err)
	}

	var env queue.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		// unreadable payloads are dropped so they cannot block the queue
		q.logger.Error("dropping undecodable task", zap.Error(err))
		_ = q.client.rdb.ZRem(ctx, q.inflightKey, payload).Err()
		return nil, fmt.Errorf("%w: %v", queue.ErrMalformed, err)
	}
	env.Receipt = payload
	return &env, nil
}

// Ack removes a finished task from the in-flight set
func (q *Queue) Ack(ctx context.Context, env *queue.Envelope) error {
	if err := q.client.rdb.ZRem(ctx, q.inflightKey, env.Receipt).Err(); err != nil {
		return fmt.Errorf("redis ack failed: %w", err)
	}
	return nil
}

// Retry schedules the next attempt of env after delay and releases the current one
func (q *Queue) Retry(ctx context.Context, env *queue.Envelope, delay time.Duration) error {
	next := env.Next()
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	pipe := q.client.rdb.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, env.Receipt)
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: string(payload),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis retry failed: %w", err)
	}
	return nil
}

// Reap moves tasks whose worker never acknowledged them back to ready,
// counting the lost run as an attempt.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	expired, err := reapScript.Run(ctx, q.client.rdb,
		[]string{q.inflightKey},
		millis(time.Now()), 100,
	).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("redis reap failed: %w", err)
	}

	reaped := 0
	for _, payload := range expired {
		var env queue.Envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			q.logger.Error("dropping undecodable in-flight task", zap.Error(err))
			continue
		}
		if err := q.Enqueue(ctx, env.Next()); err != nil {
			return reaped, err
		}
		reaped++
		q.logger.Warn("task visibility expired, redelivering",
			zap.String("task_id", env.ID),
			zap.Int("attempt", env.Attempt+1),
		)
	}
	return reaped, nil
}

// Depth is the number of tasks waiting, ready or delayed
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis depth failed: %w", err)
	}
	return ready.Val() + delayed.Val(), nil
}
