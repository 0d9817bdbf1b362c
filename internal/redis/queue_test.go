package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/queue"
)

func setupTestQueue(t *testing.T, visibility time.Duration) *Queue {
	t.Helper()
	client, _ := setupTestRedis(t)
	return NewQueue(client, "dispatch", visibility, zap.NewNop())
}

func mustPublish(t *testing.T, q *Queue) *queue.Envelope {
	t.Helper()
	env, err := queue.Publish(context.Background(), q, queue.KindDispatch, queue.DispatchTask{NotificationID: uuid.New()})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return env
}

func TestQueue_ReceiveEmpty(t *testing.T) {
	q := setupTestQueue(t, time.Minute)

	env, err := q.Receive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env != nil {
		t.Fatalf("expected no task, got %+v", env)
	}
}

func TestQueue_FIFOAndAck(t *testing.T) {
	q := setupTestQueue(t, time.Minute)
	ctx := context.Background()

	first := mustPublish(t, q)
	second := mustPublish(t, q)

	got, err := q.Receive(ctx)
	if err != nil || got == nil {
		t.Fatalf("receive: %v, %v", got, err)
	}
	if got.ID != first.ID {
		t.Errorf("expected first task, got %s", got.ID)
	}
	if got.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", got.Attempt)
	}

	var task queue.DispatchTask
	if err := got.Decode(&task); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if err := q.Ack(ctx, got); err != nil {
		t.Fatalf("ack: %v", err)
	}

	next, _ := q.Receive(ctx)
	if next == nil || next.ID != second.ID {
		t.Fatalf("expected second task, got %+v", next)
	}

	inflight, _ := q.client.rdb.ZCard(ctx, q.inflightKey).Result()
	if inflight != 1 {
		t.Errorf("expected only the unacked task in flight, got %d", inflight)
	}
}

func TestQueue_RetryDelaysAndIncrementsAttempt(t *testing.T) {
	q := setupTestQueue(t, time.Minute)
	ctx := context.Background()

	mustPublish(t, q)
	got, _ := q.Receive(ctx)

	if err := q.Retry(ctx, got, 50*time.Millisecond); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if early, _ := q.Receive(ctx); early != nil {
		t.Fatal("retried task must not be visible before its delay")
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Errorf("expected depth 1, got %d", depth)
	}

	time.Sleep(60 * time.Millisecond)

	again, err := q.Receive(ctx)
	if err != nil || again == nil {
		t.Fatalf("expected retried task, got %v, %v", again, err)
	}
	if again.ID != got.ID || again.Attempt != 2 {
		t.Errorf("expected same task at attempt 2, got %s at %d", again.ID, again.Attempt)
	}

	inflight, _ := q.client.rdb.ZCard(ctx, q.inflightKey).Result()
	if inflight != 1 {
		t.Errorf("expected the first run to be released, got %d in flight", inflight)
	}
}

func TestQueue_ReapRedeliversExpired(t *testing.T) {
	q := setupTestQueue(t, 20*time.Millisecond)
	ctx := context.Background()

	mustPublish(t, q)
	got, _ := q.Receive(ctx)

	if n, _ := q.Reap(ctx); n != 0 {
		t.Fatalf("nothing should be reaped before the deadline, got %d", n)
	}

	time.Sleep(30 * time.Millisecond)

	n, err := q.Reap(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reaped task, got %d", n)
	}

	again, _ := q.Receive(ctx)
	if again == nil || again.ID != got.ID || again.Attempt != 2 {
		t.Fatalf("expected redelivery at attempt 2, got %+v", again)
	}
}
