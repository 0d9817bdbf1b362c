// Package realtime tracks live WebSocket connections per room and pushes
// notification events to them.
package realtime

import (
	"errors"

	"github.com/google/uuid"
)

// Outbound event names.
const (
	EventNotificationNew      = "notification:new"
	EventNotificationUpdated  = "notification:updated"
	EventNotificationDeleted  = "notification:deleted"
	EventChannelUnreadUpdated = "channel:unread-updated"

	EventSubscribed     = "subscribed"
	EventUnsubscribed   = "unsubscribed"
	EventUserSubscribed = "user-subscribed"
	EventError          = "error"
)

// Inbound client actions.
const (
	ActionSubscribeChannel   = "subscribe:channel"
	ActionUnsubscribeChannel = "unsubscribe:channel"
	ActionSubscribeUser      = "subscribe:user"
)

var (
	ErrSlowConsumer = errors.New("connection send buffer full")
	ErrConnClosed   = errors.New("connection closed")
)

// Event is one frame on the wire: {"event": "...", "data": ...}.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// UnreadUpdate is the payload of channel:unread-updated.
type UnreadUpdate struct {
	ChannelID   uuid.UUID `json:"channelId"`
	UnreadCount int       `json:"unreadCount"`
}

// DeletedPayload is the payload of notification:deleted.
type DeletedPayload struct {
	ID uuid.UUID `json:"id"`
}

func ChannelRoom(channelID uuid.UUID) string { return "channel:" + channelID.String() }

func UserRoom(userID uuid.UUID) string { return "user:" + userID.String() }
