package relay

import (
	"time"

	"github.com/classpulse/relay/internal/call"
)

// Inbound event types.
const (
	TypeJoinRoom      = "join-room"
	TypeLeaveRoom     = "leave-room"
	TypeChatMessage   = "chat-message"
	TypeDirectMessage = "direct-message"
	TypeCallInitiate  = "call-initiate"
	TypeCallAnswer    = "call-answer"
	TypeCallDecline   = "call-decline"
	TypeCallBusy      = "call-busy"
	TypeCallEnd       = "call-end"
	TypePing          = "ping"
)

// Outbound event types.
const (
	TypePong         = "pong"
	TypePresence     = "presence"
	TypeCallIncoming = "call-incoming"
	TypeCallStatus   = "call-status"
	TypeCallAnswered = "call-answered"
	TypeCallEnded    = "call-ended"
	TypeError        = "error"
)

// Presence statuses carried by TypePresence frames.
const (
	PresenceJoined  = "joined"
	PresenceLeft    = "left"
	PresenceOffline = "offline"
)

// Error codes carried by TypeError frames.
const (
	CodeBadFrame        = "bad-frame"
	CodeUnknownEvent    = "unknown-event"
	CodeUnauthenticated = "unauthenticated"
	CodeMissingField    = "missing-field"
	CodeAlreadyInCall   = "already-in-call"
	CodeInvalidState    = "invalid-state"
	CodeUnknownCall     = "unknown-call"
	CodeNotParticipant  = "not-participant"
)

type ChatFrame struct {
	Type      string    `json:"type"`
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId,omitempty"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sentAt"`
}

type PresenceFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type CallIncomingFrame struct {
	Type     string `json:"type"`
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
}

type CallStatusFrame struct {
	Type   string      `json:"type"`
	CallID string      `json:"callId"`
	UserID string      `json:"userId"`
	Status call.Status `json:"status"`
}

type CallAnsweredFrame struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

type CallEndedFrame struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

type PongFrame struct {
	Type string `json:"type"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
