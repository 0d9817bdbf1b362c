package db

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned (wrapped) when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrOwnerIsMember is returned when the channel owner is added as a member.
var ErrOwnerIsMember = errors.New("channel owner already has access to this channel")

// Default lifetimes
const (
	ChannelTTL      = 365 * 24 * time.Hour
	NotificationTTL = 30 * 24 * time.Hour
)

// Channel is a mailbox that webhooks post notifications into
type Channel struct {
	ID           uuid.UUID       `json:"id"`
	Name         string          `json:"name"`
	Description  *string         `json:"description,omitempty"`
	WebhookToken string          `json:"webhook_token"`
	UserID       uuid.UUID       `json:"user_id"`
	IsActive     bool            `json:"is_active"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Settings     json.RawMessage `json:"settings"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ChannelSummary is a channel as listed for one user, with its unread count
type ChannelSummary struct {
	Channel
	UnreadCount int `json:"unread_count"`
}

// ChannelMember grants a non-owner user access to a channel
type ChannelMember struct {
	ID        uuid.UUID `json:"id"`
	ChannelID uuid.UUID `json:"channel_id"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationType constants
const (
	TypeInfo    = "info"
	TypeSuccess = "success"
	TypeWarning = "warning"
	TypeError   = "error"
	TypeDebug   = "debug"
)

// NotificationPriority constants
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// ParseType normalizes a notification type, falling back to info.
func ParseType(s string) string {
	switch t := strings.ToLower(strings.TrimSpace(s)); t {
	case TypeInfo, TypeSuccess, TypeWarning, TypeError, TypeDebug:
		return t
	default:
		return TypeInfo
	}
}

// ParsePriority normalizes a notification priority, falling back to medium.
func ParsePriority(s string) string {
	switch p := strings.ToLower(strings.TrimSpace(s)); p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p
	default:
		return PriorityMedium
	}
}

// Notification represents a notification in the database.
// UnreadCount is never persisted; it is stamped right before a live delivery.
type Notification struct {
	ID          uuid.UUID       `json:"id"`
	ChannelID   uuid.UUID       `json:"channel_id"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Type        string          `json:"type"`
	Priority    string          `json:"priority"`
	Metadata    json.RawMessage `json:"metadata"`
	Read        bool            `json:"read"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	UnreadCount *int            `json:"unread_count,omitempty"`
}

// NotificationFilter narrows ListNotifications. Expired rows are always excluded.
type NotificationFilter struct {
	ChannelIDs []uuid.UUID
	Type       string
	Priority   string
	Read       *bool
}

// Mechanism is a delivery mechanism. The set is closed.
type Mechanism string

const (
	MechanismWebSocket Mechanism = "WEB_SOCKET"
	MechanismWebPush   Mechanism = "WEB_PUSH"
)

// Valid reports whether m is one of the known mechanisms.
func (m Mechanism) Valid() bool {
	return m == MechanismWebSocket || m == MechanismWebPush
}

// DeliveryChannel is one configured delivery mechanism of a user
type DeliveryChannel struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Type      Mechanism       `json:"type"`
	Config    json.RawMessage `json:"config"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PushKeys are the browser-generated encryption keys of a push subscription
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is the config shape of a WEB_PUSH delivery channel
type PushSubscription struct {
	Endpoint       string   `json:"endpoint"`
	ExpirationTime *int64   `json:"expirationTime,omitempty"`
	Keys           PushKeys `json:"keys"`
	UserAgent      string   `json:"userAgent,omitempty"`
}
