package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/classpulse/relay/internal/call"
	"github.com/classpulse/relay/pkg/state"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
)

// Relay is the single entry point for all inbound socket frames. It resolves
// target connections through the registry at dispatch time; rooms and call
// sessions never hold socket references themselves.
type Relay struct {
	logger *slog.Logger
	reg    state.Registry
	calls  *call.Machine

	// echoToSender controls whether a chat-message is forwarded back to the
	// sender's own connections.
	echoToSender bool
}

func New(logger *slog.Logger, reg state.Registry, calls *call.Machine, echoToSender bool) *Relay {
	return &Relay{
		logger:       logger.With(slog.String("component", "relay")),
		reg:          reg,
		calls:        calls,
		echoToSender: echoToSender,
	}
}

// HandleMessage dispatches one inbound frame. It runs on the connection's
// reader goroutine, so frames from one sender are handled in receive order.
// Nothing it does can fail the process: every violation is answered with an
// error frame to the offending sender only.
func (r *Relay) HandleMessage(ctx context.Context, connID uuid.UUID, raw []byte) {
	conn, ok := r.reg.GetConnection(connID)
	if !ok {
		r.logger.Warn("Frame from unregistered connection", slog.String("connID", connID.String()))
		return
	}

	if !gjson.ValidBytes(raw) {
		r.sendError(conn, CodeBadFrame, "frame is not valid JSON")
		return
	}
	eventType := gjson.GetBytes(raw, "type").String()
	if eventType == "" {
		r.sendError(conn, CodeBadFrame, "frame missing 'type'")
		return
	}

	// Liveness probes are the only event an unidentified connection may send.
	if eventType == TypePing {
		r.reg.RecordPong(connID)
		r.send(conn.Transport, PongFrame{Type: TypePong})
		return
	}

	if conn.User == nil {
		r.sendError(conn, CodeUnauthenticated, "connection has no resolved identity")
		return
	}
	userID := conn.User.ID

	switch eventType {
	case TypeJoinRoom:
		r.handleJoin(conn, userID, raw)
	case TypeLeaveRoom:
		r.handleLeave(conn, userID, raw)
	case TypeChatMessage:
		r.handleChat(conn, userID, raw)
	case TypeDirectMessage:
		r.handleDirect(conn, userID, raw)
	case TypeCallInitiate:
		r.handleCallInitiate(conn, userID, raw)
	case TypeCallAnswer:
		r.handleCallAnswer(conn, userID, raw)
	case TypeCallDecline:
		r.handleCallReject(conn, userID, raw, r.calls.Decline)
	case TypeCallBusy:
		r.handleCallReject(conn, userID, raw, r.calls.Busy)
	case TypeCallEnd:
		r.handleCallEnd(conn, userID, raw)
	default:
		r.logger.Warn("Received unknown event", slog.String("event", eventType), slog.String("connID", connID.String()))
		r.sendError(conn, CodeUnknownEvent, "unknown event type: "+eventType)
	}
}

// NotifyDisconnected performs offline cleanup for a user after one of their
// connections deregistered. If it was the last live connection, the user is
// removed from every room they were in and the remaining members are told.
func (r *Relay) NotifyDisconnected(userID string) {
	if userID == "" || r.reg.UserConnectionCount(userID) > 0 {
		return
	}

	rooms := r.reg.RoomsFor(userID)
	for _, roomID := range rooms {
		if err := r.reg.Leave(userID, roomID); err != nil {
			r.logger.Warn("Offline cleanup failed to leave room",
				slog.String("userID", userID), slog.String("roomID", roomID), slog.Any("error", err))
			continue
		}
		r.broadcastToRoom(roomID, PresenceFrame{
			Type:   TypePresence,
			RoomID: roomID,
			UserID: userID,
			Status: PresenceOffline,
		}, "")
	}
	if len(rooms) > 0 {
		r.logger.Info("User went offline", slog.String("userID", userID), slog.Int("rooms", len(rooms)))
	}
}

// --- room events ---

func (r *Relay) handleJoin(conn *state.Connection, userID string, raw []byte) {
	roomID := gjson.GetBytes(raw, "roomId").String()
	if roomID == "" {
		r.sendError(conn, CodeMissingField, "join-room requires 'roomId'")
		return
	}
	if err := r.reg.Join(userID, roomID); err != nil {
		r.logger.Warn("Join failed", slog.String("userID", userID), slog.String("roomID", roomID), slog.Any("error", err))
		return
	}
	r.broadcastToRoom(roomID, PresenceFrame{
		Type:   TypePresence,
		RoomID: roomID,
		UserID: userID,
		Status: PresenceJoined,
	}, "")
}

func (r *Relay) handleLeave(conn *state.Connection, userID string, raw []byte) {
	roomID := gjson.GetBytes(raw, "roomId").String()
	if roomID == "" {
		r.sendError(conn, CodeMissingField, "leave-room requires 'roomId'")
		return
	}
	if err := r.reg.Leave(userID, roomID); err != nil {
		r.logger.Warn("Leave failed", slog.String("userID", userID), slog.String("roomID", roomID), slog.Any("error", err))
		return
	}
	r.broadcastToRoom(roomID, PresenceFrame{
		Type:   TypePresence,
		RoomID: roomID,
		UserID: userID,
		Status: PresenceLeft,
	}, "")
}

func (r *Relay) handleChat(conn *state.Connection, userID string, raw []byte) {
	roomID := gjson.GetBytes(raw, "roomId").String()
	if roomID == "" {
		r.sendError(conn, CodeMissingField, "chat-message requires 'roomId'")
		return
	}
	content := gjson.GetBytes(raw, "content").String()

	frame := ChatFrame{
		Type:      TypeChatMessage,
		MessageID: ulid.Make().String(),
		RoomID:    roomID,
		SenderID:  userID,
		Content:   content,
		SentAt:    time.Now(),
	}
	exclude := userID
	if r.echoToSender {
		exclude = ""
	}
	delivered := r.broadcastToRoom(roomID, frame, exclude)
	r.logger.Debug("Chat message relayed",
		slog.String("roomID", roomID),
		slog.String("messageID", frame.MessageID),
		slog.Int("connections", delivered),
	)
}

func (r *Relay) handleDirect(conn *state.Connection, userID string, raw []byte) {
	targetID := gjson.GetBytes(raw, "targetUserId").String()
	if targetID == "" {
		r.sendError(conn, CodeMissingField, "direct-message requires 'targetUserId'")
		return
	}
	content := gjson.GetBytes(raw, "content").String()

	frame := ChatFrame{
		Type:      TypeDirectMessage,
		MessageID: ulid.Make().String(),
		SenderID:  userID,
		Content:   content,
		SentAt:    time.Now(),
	}
	// Offline targets are expected in a best-effort relay: the message is
	// silently dropped.
	r.sendToUser(targetID, frame)
}

// --- call events ---

func (r *Relay) handleCallInitiate(conn *state.Connection, userID string, raw []byte) {
	var calleeIDs []string
	for _, res := range gjson.GetBytes(raw, "calleeIds").Array() {
		if id := res.String(); id != "" {
			calleeIDs = append(calleeIDs, id)
		}
	}
	if len(calleeIDs) == 0 {
		r.sendError(conn, CodeMissingField, "call-initiate requires 'calleeIds'")
		return
	}

	sess, err := r.calls.Initiate(userID, calleeIDs)
	if err != nil {
		r.sendCallError(conn, err)
		return
	}

	for _, p := range sess.Callees() {
		if p.Status == call.StatusRinging {
			r.sendToUser(p.UserID, CallIncomingFrame{
				Type:     TypeCallIncoming,
				CallID:   sess.ID,
				CallerID: userID,
			})
		}
		// The caller learns each callee's initial slot: ringing, busy or
		// missed.
		r.sendToUser(userID, CallStatusFrame{
			Type:   TypeCallStatus,
			CallID: sess.ID,
			UserID: p.UserID,
			Status: p.Status,
		})
	}
}

func (r *Relay) handleCallAnswer(conn *state.Connection, userID string, raw []byte) {
	callID := gjson.GetBytes(raw, "callId").String()
	if callID == "" {
		r.sendError(conn, CodeMissingField, "call-answer requires 'callId'")
		return
	}
	sess, err := r.calls.Answer(callID, userID)
	if err != nil {
		r.sendCallError(conn, err)
		return
	}
	r.sendToUser(sess.CallerID, CallAnsweredFrame{
		Type:   TypeCallAnswered,
		CallID: callID,
		UserID: userID,
	})
}

func (r *Relay) handleCallReject(conn *state.Connection, userID string, raw []byte, reject func(callID, userID string) (*call.Session, error)) {
	callID := gjson.GetBytes(raw, "callId").String()
	if callID == "" {
		r.sendError(conn, CodeMissingField, "call reject requires 'callId'")
		return
	}
	sess, err := reject(callID, userID)
	if err != nil {
		r.sendCallError(conn, err)
		return
	}
	r.sendToUser(sess.CallerID, CallStatusFrame{
		Type:   TypeCallStatus,
		CallID: callID,
		UserID: userID,
		Status: sess.Participant(userID).Status,
	})
}

func (r *Relay) handleCallEnd(conn *state.Connection, userID string, raw []byte) {
	callID := gjson.GetBytes(raw, "callId").String()
	if callID == "" {
		r.sendError(conn, CodeMissingField, "call-end requires 'callId'")
		return
	}
	sess, err := r.calls.End(callID, userID)
	if err != nil {
		r.sendCallError(conn, err)
		return
	}
	frame := CallEndedFrame{
		Type:   TypeCallEnded,
		CallID: callID,
		UserID: userID,
	}
	for _, p := range sess.Participants {
		if p.UserID == userID {
			continue
		}
		r.sendToUser(p.UserID, frame)
	}
}

// --- delivery helpers ---

// broadcastToRoom fans a frame out to every live connection of every current
// member, deduplicated by connection, skipping excludeUserID. Members with
// zero live connections are silently skipped. Returns the number of
// connections written to.
func (r *Relay) broadcastToRoom(roomID string, frame any, excludeUserID string) int {
	msg, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("Failed to marshal broadcast frame", slog.Any("error", err))
		return 0
	}

	targets := make(map[uuid.UUID]state.Transport)
	for _, memberID := range r.reg.RoomMembers(roomID) {
		if memberID == excludeUserID {
			continue
		}
		for _, t := range r.reg.UserConnections(memberID) {
			targets[t.ID()] = t
		}
	}
	for _, t := range targets {
		t.Send(msg)
	}
	return len(targets)
}

func (r *Relay) sendToUser(userID string, frame any) {
	msg, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("Failed to marshal frame", slog.Any("error", err))
		return
	}
	for _, t := range r.reg.UserConnections(userID) {
		t.Send(msg)
	}
}

func (r *Relay) send(t state.Transport, frame any) {
	msg, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("Failed to marshal frame", slog.Any("error", err))
		return
	}
	t.Send(msg)
}

func (r *Relay) sendError(conn *state.Connection, code, message string) {
	r.send(conn.Transport, ErrorFrame{Type: TypeError, Code: code, Message: message})
}

// sendCallError maps a call machine error to a stable wire code and returns
// it to the offending sender only.
func (r *Relay) sendCallError(conn *state.Connection, err error) {
	code := CodeInvalidState
	switch {
	case errors.Is(err, call.ErrAlreadyInCall):
		code = CodeAlreadyInCall
	case errors.Is(err, call.ErrUnknownCall):
		code = CodeUnknownCall
	case errors.Is(err, call.ErrNotParticipant):
		code = CodeNotParticipant
	case errors.Is(err, call.ErrNoCallees):
		code = CodeMissingField
	}
	r.sendError(conn, code, err.Error())
}
