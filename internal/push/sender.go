// Package push sends browser Web Push messages signed with VAPID keys.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/db"
)

var (
	// ErrNotConfigured means VAPID keys are missing.
	ErrNotConfigured = errors.New("web push is not configured")

	// ErrSubscriptionGone means the push service no longer knows the
	// endpoint (404 or 410).
	ErrSubscriptionGone = errors.New("push subscription expired or unsubscribed")

	ErrInvalidSubscription = errors.New("push subscription is missing endpoint or keys")
)

// Config holds VAPID credentials.
type Config struct {
	PublicKey    string
	PrivateKey   string
	ContactEmail string
	TTL          time.Duration
	Timeout      time.Duration
}

// Payload is the JSON body the service worker receives.
type Payload struct {
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Data  PayloadData `json:"data"`
}

type PayloadData struct {
	NotificationID uuid.UUID `json:"notificationId"`
	ChannelID      uuid.UUID `json:"channelId"`
}

// NewPayload builds the push body for a notification.
func NewPayload(n *db.Notification) Payload {
	return Payload{
		Title: n.Title,
		Body:  n.Message,
		Data: PayloadData{
			NotificationID: n.ID,
			ChannelID:      n.ChannelID,
		},
	}
}

// ProviderError is a non-success response from a push service.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Body)
}

// Sender delivers payloads to push services.
type Sender struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func NewSender(cfg Config, logger *zap.Logger) *Sender {
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Sender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Configured reports whether VAPID keys are set.
func (s *Sender) Configured() bool {
	return s.cfg.PublicKey != "" && s.cfg.PrivateKey != ""
}

func urgency(priority string) webpush.Urgency {
	switch priority {
	case db.PriorityUrgent, db.PriorityHigh:
		return webpush.UrgencyHigh
	case db.PriorityLow:
		return webpush.UrgencyLow
	default:
		return webpush.UrgencyNormal
	}
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
// priority maps to the Urgency header.
func (s *Sender) Send(ctx context.Context, sub db.PushSubscription, payload Payload, priority string) error {
	if !s.Configured() {
		return ErrNotConfigured
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return ErrInvalidSubscription
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.ContactEmail,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             int(s.cfg.TTL.Seconds()),
		Urgency:         urgency(priority),
	})
	if err != nil {
		return fmt.Errorf("failed to send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusBadRequest {
		s.logger.Debug("push delivered",
			zap.String("notification_id", payload.Data.NotificationID.String()),
			zap.Int("status", resp.StatusCode),
		)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	perr := &ProviderError{StatusCode: resp.StatusCode, Body: string(detail)}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return fmt.Errorf("%w: %w", ErrSubscriptionGone, perr)
	}
	return perr
}
