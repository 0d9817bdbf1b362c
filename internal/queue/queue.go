// Package queue defines the two-stage task protocol shared by the API,
// the dispatch workers and the delivery workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/hookbox/internal/db"
)

// Kind names a stage of the pipeline.
type Kind string

const (
	KindDispatch Kind = "dispatch"
	KindDelivery Kind = "delivery"
)

// ErrMalformed marks an envelope whose body cannot be decoded. Retrying it is pointless.
var ErrMalformed = errors.New("malformed task")

// Envelope is the unit a Broker stores. Attempt starts at 1.
type Envelope struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt int64           `json:"enqueued_at"`
	Body       json.RawMessage `json:"body"`

	// Receipt is the broker's handle for Ack and Retry; never serialized.
	Receipt string `json:"-"`
}

// NewEnvelope wraps body for its first attempt
func NewEnvelope(kind Kind, body any) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s task: %w", kind, err)
	}
	return &Envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		Attempt:    1,
		EnqueuedAt: time.Now().UnixNano(),
		Body:       raw,
	}, nil
}

// Decode unmarshals the body into v
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Next returns a copy for the following attempt
func (e *Envelope) Next() *Envelope {
	next := *e
	next.Attempt++
	next.Receipt = ""
	return &next
}

// Age is the time since the envelope was first enqueued
func (e *Envelope) Age() time.Duration {
	return time.Since(time.Unix(0, e.EnqueuedAt))
}

// DispatchTask asks for one notification to be fanned out.
type DispatchTask struct {
	NotificationID uuid.UUID `json:"notificationId"`
}

// DeliveryTask delivers one notification to one user over one mechanism.
type DeliveryTask struct {
	NotificationID  uuid.UUID       `json:"notificationId"`
	ChannelID       uuid.UUID       `json:"channelId"`
	UserID          uuid.UUID       `json:"userId"`
	MechanismType   db.Mechanism    `json:"mechanismType"`
	MechanismConfig json.RawMessage `json:"mechanismConfig"`
}

// Broker is a task queue with at-least-once semantics. Receive returns
// (nil, nil) when nothing is ready.
type Broker interface {
	Enqueue(ctx context.Context, env *Envelope) error
	Receive(ctx context.Context) (*Envelope, error)
	Ack(ctx context.Context, env *Envelope) error
	Retry(ctx context.Context, env *Envelope, delay time.Duration) error
}

// Reaper is implemented by brokers that must redeliver abandoned tasks themselves.
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// Publish wraps body in a fresh envelope and enqueues it
func Publish(ctx context.Context, b Broker, kind Kind, body any) (*Envelope, error) {
	env, err := NewEnvelope(kind, body)
	if err != nil {
		return nil, err
	}
	if err := b.Enqueue(ctx, env); err != nil {
		return nil, fmt.Errorf("enqueue %s task: %w", kind, err)
	}
	return env, nil
}
