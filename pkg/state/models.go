package state

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Transport is the write side of a live socket. The registry is the only
// component that holds one; domain state (rooms, calls) references userIDs
// and resolves to transports through the registry at dispatch time.
type Transport interface {
	ID() uuid.UUID
	Send(msg []byte)
	Ping(ctx context.Context) error
	Close(err error)
}

// representation of a single transport-layer connection.
type Connection struct {
	ID         uuid.UUID
	IPAddress  string
	Transport  Transport
	User       *User // Pointer to the owning user (nil until associated)
	CreatedAt  time.Time
	LastPongAt time.Time
}

// canonical representation of a user, aggregating all their connections.
type User struct {
	ID          string
	Connections map[uuid.UUID]*Connection // All active connections for this user
	Rooms       map[string]*Room          // Rooms this user is currently a member of, keyed by RoomID
}

// canonical representation of a chat room's live membership.
type Room struct {
	ID      string
	Members map[string]*User // All users who are members of this room, keyed by UserID
}
