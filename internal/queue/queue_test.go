package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/hookbox/internal/db"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{name: "dispatch first retry", policy: DispatchPolicy, attempt: 1, want: time.Second},
		{name: "dispatch second retry", policy: DispatchPolicy, attempt: 2, want: 2 * time.Second},
		{name: "delivery first retry", policy: DeliveryPolicy, attempt: 1, want: 500 * time.Millisecond},
		{name: "delivery second retry", policy: DeliveryPolicy, attempt: 2, want: time.Second},
		{name: "zero attempt clamps", policy: DeliveryPolicy, attempt: 0, want: 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Backoff(tt.attempt); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRetryPolicy_Limits(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	if !p.ShouldRetry(1) || !p.ShouldRetry(2) {
		t.Error("expected retries after attempts 1 and 2")
	}
	if p.ShouldRetry(3) {
		t.Error("expected no retry after the final attempt")
	}
	if p.Exhausted(3) {
		t.Error("attempt 3 is still allowed to run")
	}
	if !p.Exhausted(4) {
		t.Error("attempt 4 exceeds the limit")
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	task := DeliveryTask{
		NotificationID:  uuid.New(),
		ChannelID:       uuid.New(),
		UserID:          uuid.New(),
		MechanismType:   db.MechanismWebPush,
		MechanismConfig: []byte(`{"endpoint":"https://push.example.com/x"}`),
	}

	env, err := NewEnvelope(KindDelivery, task)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.Attempt != 1 || env.ID == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	var decoded DeliveryTask
	if err := env.Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.UserID != task.UserID || decoded.MechanismType != db.MechanismWebPush {
		t.Errorf("decoded task mismatch: %+v", decoded)
	}

	env.Receipt = "handle"
	next := env.Next()
	if next.Attempt != 2 || next.ID != env.ID || next.Receipt != "" {
		t.Errorf("unexpected next envelope: %+v", next)
	}
	if env.Attempt != 1 {
		t.Error("Next must not mutate the original")
	}
}

func TestEnvelope_DecodeMalformed(t *testing.T) {
	env := &Envelope{Kind: KindDispatch, Body: []byte(`{"notificationId":`)}
	var task DispatchTask
	if err := env.Decode(&task); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
