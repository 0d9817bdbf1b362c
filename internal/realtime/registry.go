package realtime

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/db"
	"github.com/lalithlochan/hookbox/internal/metrics"
)

// ConnID identifies one live connection.
type ConnID string

// Conn is a live connection. Send must not block.
type Conn interface {
	ID() ConnID
	Send(ev Event) error
}

// Registry maps rooms to live connections for this process. A connection
// may sit in any number of rooms; joining twice is a no-op.
type Registry struct {
	mu          sync.RWMutex
	conns       map[ConnID]Conn
	rooms       map[string]map[ConnID]Conn
	memberships map[ConnID]map[string]struct{}
	logger      *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		conns:       make(map[ConnID]Conn),
		rooms:       make(map[string]map[ConnID]Conn),
		memberships: make(map[ConnID]map[string]struct{}),
		logger:      logger,
	}
}

// Connect registers a connection that is not yet in any room.
func (r *Registry) Connect(c Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	n := len(r.conns)
	r.mu.Unlock()

	metrics.SetLiveConnections(n)
	r.logger.Debug("client connected", zap.String("conn_id", string(c.ID())))
}

func (r *Registry) join(id ConnID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[ConnID]Conn)
		r.rooms[room] = members
	}
	members[id] = c

	joined, ok := r.memberships[id]
	if !ok {
		joined = make(map[string]struct{})
		r.memberships[id] = joined
	}
	joined[room] = struct{}{}

	metrics.SetLiveRooms(len(r.rooms))
	return true
}

func (r *Registry) leave(id ConnID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined, ok := r.memberships[id]; ok {
		delete(joined, room)
	}

	metrics.SetLiveRooms(len(r.rooms))
}

// SubscribeChannel adds the connection to channel:{id}. It reports false for
// an unknown connection.
func (r *Registry) SubscribeChannel(id ConnID, channelID uuid.UUID) bool {
	return r.join(id, ChannelRoom(channelID))
}

func (r *Registry) UnsubscribeChannel(id ConnID, channelID uuid.UUID) {
	r.leave(id, ChannelRoom(channelID))
}

// SubscribeUser adds the connection to user:{id}.
func (r *Registry) SubscribeUser(id ConnID, userID uuid.UUID) bool {
	return r.join(id, UserRoom(userID))
}

// Disconnect removes the connection from every room it joined and drops
// rooms left empty.
func (r *Registry) Disconnect(id ConnID) {
	r.mu.Lock()
	for room := range r.memberships[id] {
		if members, ok := r.rooms[room]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.memberships, id)
	delete(r.conns, id)
	conns, rooms := len(r.conns), len(r.rooms)
	r.mu.Unlock()

	metrics.SetLiveConnections(conns)
	metrics.SetLiveRooms(rooms)
	r.logger.Debug("client disconnected", zap.String("conn_id", string(id)))
}

// Members returns the IDs of the connections in room.
func (r *Registry) Members(room string) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ConnID, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		ids = append(ids, id)
	}
	return ids
}

// Rooms returns the names of all non-empty rooms.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	return names
}

// broadcast snapshots the room under the read lock and sends outside it.
// It returns how many connections accepted the event.
func (r *Registry) broadcast(room string, ev Event) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.rooms[room]))
	for _, c := range r.rooms[room] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.Send(ev); err != nil {
			metrics.RecordEventDropped(ev.Name)
			r.logger.Warn("dropping event for connection",
				zap.String("conn_id", string(c.ID())),
				zap.String("event", ev.Name),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	if sent > 0 {
		metrics.RecordEventEmitted(ev.Name, sent)
	}
	return sent
}

// EmitNew sends notification:new to everyone watching the channel.
func (r *Registry) EmitNew(channelID uuid.UUID, n *db.Notification) int {
	return r.broadcast(ChannelRoom(channelID), Event{Name: EventNotificationNew, Data: n})
}

// EmitNewToUser sends notification:new to every connection of the user.
func (r *Registry) EmitNewToUser(userID uuid.UUID, n *db.Notification) int {
	return r.broadcast(UserRoom(userID), Event{Name: EventNotificationNew, Data: n})
}

func (r *Registry) EmitUpdated(channelID uuid.UUID, n *db.Notification) int {
	return r.broadcast(ChannelRoom(channelID), Event{Name: EventNotificationUpdated, Data: n})
}

func (r *Registry) EmitDeleted(channelID, notificationID uuid.UUID) int {
	return r.broadcast(ChannelRoom(channelID), Event{
		Name: EventNotificationDeleted,
		Data: DeletedPayload{ID: notificationID},
	})
}

// EmitUnreadUpdated tells the user's connections the channel's new unread count.
func (r *Registry) EmitUnreadUpdated(userID, channelID uuid.UUID, count int) int {
	return r.broadcast(UserRoom(userID), Event{
		Name: EventChannelUnreadUpdated,
		Data: UnreadUpdate{ChannelID: channelID, UnreadCount: count},
	})
}
