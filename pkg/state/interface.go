package state

import (
	"time"

	"github.com/google/uuid"
)

type Registry interface {
	// --- Connection Lifecycle ---
	RegisterConnection(t Transport, ipAddr string) (*Connection, error)
	// DeregisterConnection removes a connection. Idempotent: deregistering a
	// connection that is already gone is a no-op.
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	AllConnections() []*Connection
	// StaleConnections returns every connection whose last recorded pong is
	// older than cutoff.
	StaleConnections(cutoff time.Time) []*Connection
	// RecordPong marks a connection as alive at the current instant.
	RecordPong(connID uuid.UUID)
	FindOldestUserConnection(userID string) (*Connection, bool)

	// --- User Management ---
	// AssociateUser links a connection to a user, creating the user if they
	// don't exist. A connection that is never associated stays registered but
	// invisible to user lookups.
	AssociateUser(connID uuid.UUID, userID string) (*User, error)
	FindUser(userID string) (*User, bool)
	// UserConnections returns every live transport for the user; empty slice
	// if the user is unknown or offline.
	UserConnections(userID string) []Transport
	UserConnectionCount(userID string) int

	// --- Room & Membership Management ---
	// Join adds a user to a room, creating the room if it doesn't exist.
	// Idempotent.
	Join(userID, roomID string) error
	// Leave removes a user from a room. Idempotent; empty rooms are pruned.
	Leave(userID, roomID string) error
	// RoomMembers returns the userIDs currently in the room; empty slice if
	// the room is unknown.
	RoomMembers(roomID string) []string
	// RoomsFor is the reverse lookup, used on disconnect to know which rooms
	// to notify.
	RoomsFor(userID string) []string
}
