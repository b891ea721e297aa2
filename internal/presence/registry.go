// Package presence maps identities to the set of live connections currently
// representing them, and addresses outbound traffic to those sets. A "room"
// here is exactly one identity's connection set; there are no multi-identity
// rooms in the hub.
package presence

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/descmd1/meetup-api/internal/event"
)

// Conn is the transport-level handle the registry fans events out to.
type Conn interface {
	ID() uuid.UUID
	Send(msg []byte)
}

// Registry owns all presence state. An identity is online iff its connection
// set is non-empty; the set is mutated only through Register/Unregister.
type Registry struct {
	mu sync.RWMutex
	// every open connection, registered or not, for global broadcasts
	conns map[uuid.UUID]Conn
	// connID -> identity it registered as
	identities map[uuid.UUID]string
	// identity -> its connection set
	rooms map[string]map[uuid.UUID]Conn

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:      make(map[uuid.UUID]Conn),
		identities: make(map[uuid.UUID]string),
		rooms:      make(map[string]map[uuid.UUID]Conn),
		logger:     logger.With(slog.String("component", "presence")),
	}
}

// Track records an open connection before any identity is attached, so that
// global presence broadcasts reach clients that have not registered yet.
func (r *Registry) Track(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
}

// Untrack drops a connection from the broadcast set. Unknown connections are
// a no-op.
func (r *Registry) Untrack(connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

// Register attaches a connection to an identity's room. Idempotent when the
// connection is already present. A connection belongs to at most one identity:
// re-registering under a new one detaches it from the old room first, and an
// old room emptied that way broadcasts the offline transition. The identity's
// first connection broadcasts user-connected plus the refreshed users-online
// list to every open connection; later connections only receive the current
// snapshot themselves.
func (r *Registry) Register(identity string, conn Conn) {
	if identity == "" {
		return
	}

	r.mu.Lock()
	connID := conn.ID()
	r.conns[connID] = conn

	var prevOffline bool
	var prev string
	if p, ok := r.identities[connID]; ok && p != identity {
		prev = p
		prevRoom := r.rooms[prev]
		delete(prevRoom, connID)
		if len(prevRoom) == 0 {
			delete(r.rooms, prev)
			prevOffline = true
		}
	}
	r.identities[connID] = identity

	room, ok := r.rooms[identity]
	if !ok {
		room = make(map[uuid.UUID]Conn)
		r.rooms[identity] = room
	}
	first := len(room) == 0
	room[connID] = conn
	online := r.onlineLocked()
	r.mu.Unlock()

	r.logger.Info("Identity registered",
		slog.String("identity", identity),
		slog.String("connID", connID.String()),
		slog.Bool("first", first),
	)

	if prevOffline {
		r.logger.Info("Identity went offline", slog.String("identity", prev))
		r.Broadcast(mustMarshal(event.UserDisconnected, prev, r.logger))
	}
	if first || prevOffline {
		if first {
			r.Broadcast(mustMarshal(event.UserConnected, identity, r.logger))
		}
		r.Broadcast(mustMarshal(event.UsersOnline, online, r.logger))
		return
	}
	// Late-joining device: hand it the current snapshot directly.
	if msg := mustMarshal(event.UsersOnline, online, r.logger); msg != nil {
		conn.Send(msg)
	}
}

// Unregister detaches a connection from whichever identity it registered as
// and reports whether that identity just went offline. When it did, the
// offline transition is broadcast to every remaining connection. Connections
// that never registered yield ("", false).
func (r *Registry) Unregister(connID uuid.UUID) (identity string, wentOffline bool) {
	r.mu.Lock()
	identity, ok := r.identities[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.identities, connID)

	room := r.rooms[identity]
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, identity)
		wentOffline = true
	}
	online := r.onlineLocked()
	r.mu.Unlock()

	if wentOffline {
		r.logger.Info("Identity went offline", slog.String("identity", identity))
		r.Broadcast(mustMarshal(event.UserDisconnected, identity, r.logger))
		r.Broadcast(mustMarshal(event.UsersOnline, online, r.logger))
	}
	return identity, wentOffline
}

// Connection resolves a tracked connection by id.
func (r *Registry) Connection(connID uuid.UUID) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// IsOnline reports whether the identity has at least one live connection.
func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[identity]) > 0
}

// ConnectionCount reports how many connections represent the identity.
func (r *Registry) ConnectionCount(identity string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[identity])
}

// RoomConnIDs lists the connection ids currently in an identity's room.
func (r *Registry) RoomConnIDs(identity string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.rooms[identity]))
	for id := range r.rooms[identity] {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns the currently online identities.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

func (r *Registry) onlineLocked() []string {
	online := make([]string, 0, len(r.rooms))
	for identity := range r.rooms {
		online = append(online, identity)
	}
	return online
}

// Deliver sends a frame to every connection in the identity's room. An empty
// room means the frame is silently dropped; offline delivery is best-effort.
func (r *Registry) Deliver(identity string, msg []byte) {
	if msg == nil {
		return
	}
	r.mu.RLock()
	room := r.rooms[identity]
	targets := make([]Conn, 0, len(room))
	for _, conn := range room {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		conn.Send(msg)
	}
}

// Broadcast sends a frame to every open connection. Used only for global
// presence updates.
func (r *Registry) Broadcast(msg []byte) {
	if msg == nil {
		return
	}
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		conn.Send(msg)
	}
}

func mustMarshal(name string, payload any, logger *slog.Logger) []byte {
	msg, err := event.Marshal(name, payload)
	if err != nil {
		// Presence payloads are strings and string slices; this cannot fail
		// with well-formed inputs.
		logger.Error("Failed to encode presence event", slog.String("event", name), slog.Any("error", err))
		return nil
	}
	return msg
}
