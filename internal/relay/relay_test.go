package relay_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/classpulse/relay/internal/call"
	"github.com/classpulse/relay/internal/relay"
	"github.com/classpulse/relay/pkg/state"
	"github.com/classpulse/relay/pkg/state/statemanager"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeTransport records every frame written to it.
type fakeTransport struct {
	id     uuid.UUID
	frames [][]byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{id: uuid.New()}
}

func (f *fakeTransport) ID() uuid.UUID                  { return f.id }
func (f *fakeTransport) Send(msg []byte)                { f.frames = append(f.frames, msg) }
func (f *fakeTransport) Ping(ctx context.Context) error { return nil }
func (f *fakeTransport) Close(err error)                { f.closed = true }

// byType returns the recorded frames matching the given wire type.
func (f *fakeTransport) byType(t string) []gjson.Result {
	var out []gjson.Result
	for _, raw := range f.frames {
		if gjson.GetBytes(raw, "type").String() == t {
			out = append(out, gjson.ParseBytes(raw))
		}
	}
	return out
}

type fixture struct {
	t     *testing.T
	reg   *statemanager.InMemoryManager
	calls *call.Machine
	relay *relay.Relay
}

func newFixture(t *testing.T, echoToSender bool) *fixture {
	t.Helper()
	logger := newTestLogger()
	reg := statemanager.NewInMemoryManager(logger)
	online := func(userID string) bool { return reg.UserConnectionCount(userID) > 0 }
	calls := call.NewMachine(logger, online, nil)
	return &fixture{
		t:     t,
		reg:   reg,
		calls: calls,
		relay: relay.New(logger, reg, calls, echoToSender),
	}
}

// connect registers a transport and associates it with userID. An empty
// userID leaves the connection unidentified.
func (fx *fixture) connect(userID string) *fakeTransport {
	fx.t.Helper()
	tr := newFakeTransport()
	if _, err := fx.reg.RegisterConnection(tr, "127.0.0.1"); err != nil {
		fx.t.Fatalf("RegisterConnection failed: %v", err)
	}
	if userID != "" {
		if _, err := fx.reg.AssociateUser(tr.ID(), userID); err != nil {
			fx.t.Fatalf("AssociateUser failed: %v", err)
		}
	}
	return tr
}

func (fx *fixture) dispatch(tr *fakeTransport, frame string) {
	fx.t.Helper()
	fx.relay.HandleMessage(context.Background(), tr.ID(), []byte(frame))
}

func TestChatMessageReachesRoomMembers(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.connect("alice")
	b := fx.connect("bob")
	outsider := fx.connect("mallory")

	fx.dispatch(a, `{"type":"join-room","roomId":"room-1"}`)
	fx.dispatch(b, `{"type":"join-room","roomId":"room-1"}`)
	fx.dispatch(a, `{"type":"chat-message","roomId":"room-1","content":"hi"}`)

	got := b.byType("chat-message")
	if len(got) != 1 {
		t.Fatalf("Expected 1 chat-message at bob, got %d", len(got))
	}
	if got[0].Get("content").String() != "hi" {
		t.Errorf("Expected content 'hi', got %q", got[0].Get("content").String())
	}
	if got[0].Get("senderId").String() != "alice" {
		t.Errorf("Expected senderId 'alice', got %q", got[0].Get("senderId").String())
	}
	if got[0].Get("messageId").String() == "" {
		t.Error("Expected a server-assigned messageId")
	}

	// Delivery reaches only members.
	if frames := outsider.byType("chat-message"); len(frames) != 0 {
		t.Errorf("Non-member received %d chat frames", len(frames))
	}
	// No self-echo by default.
	if frames := a.byType("chat-message"); len(frames) != 0 {
		t.Errorf("Sender received own message with echo disabled, %d frames", len(frames))
	}
}

func TestChatMessageEchoFlag(t *testing.T) {
	fx := newFixture(t, true)
	a := fx.connect("alice")

	fx.dispatch(a, `{"type":"join-room","roomId":"room-1"}`)
	fx.dispatch(a, `{"type":"chat-message","roomId":"room-1","content":"solo"}`)

	if frames := a.byType("chat-message"); len(frames) != 1 {
		t.Fatalf("Expected sender echo with flag enabled, got %d frames", len(frames))
	}
}

func TestChatMessageMultiDevice(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.connect("alice")
	b1 := fx.connect("bob")
	b2 := fx.connect("bob")

	fx.dispatch(a, `{"type":"join-room","roomId":"room-1"}`)
	fx.dispatch(b1, `{"type":"join-room","roomId":"room-1"}`)
	fx.dispatch(a, `{"type":"chat-message","roomId":"room-1","content":"hi"}`)

	// Every live connection of a member gets the frame.
	if len(b1.byType("chat-message")) != 1 || len(b2.byType("chat-message")) != 1 {
		t.Error("Expected both of bob's connections to receive the message")
	}
}

func TestDirectMessageBypassesRooms(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.connect("alice")
	b := fx.connect("bob")

	fx.dispatch(a, `{"type":"direct-message","targetUserId":"bob","content":"psst"}`)

	got := b.byType("direct-message")
	if len(got) != 1 {
		t.Fatalf("Expected 1 direct-message at bob, got %d", len(got))
	}
	if got[0].Get("senderId").String() != "alice" {
		t.Errorf("Expected senderId 'alice', got %q", got[0].Get("senderId").String())
	}

	// Offline target: silent drop, no error back.
	fx.dispatch(a, `{"type":"direct-message","targetUserId":"ghost","content":"hello?"}`)
	if frames := a.byType("error"); len(frames) != 0 {
		t.Errorf("Expected no error for offline target, got %d", len(frames))
	}
}

func TestPresenceBroadcastOnJoinAndLeave(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.connect("alice")
	b := fx.connect("bob")

	fx.dispatch(a, `{"type":"join-room","roomId":"room-1"}`)
	fx.dispatch(b, `{"type":"join-room","roomId":"room-1"}`)

	joins := a.byType("presence")
	if len(joins) == 0 {
		t.Fatal("Expected alice to see bob's join presence")
	}
	last := joins[len(joins)-1]
	if last.Get("userId").String() != "bob" || last.Get("status").String() != "joined" {
		t.Errorf("Unexpected presence frame: %s", last.Raw)
	}

	fx.dispatch(b, `{"type":"leave-room","roomId":"room-1"}`)
	frames := a.byType("presence")
	last = frames[len(frames)-1]
	if last.Get("userId").String() != "bob" || last.Get("status").String() != "left" {
		t.Errorf("Unexpected leave presence frame: %s", last.Raw)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	fx := newFixture(t, false)
	// Even an unidentified connection may ping.
	anon := fx.connect("")

	fx.dispatch(anon, `{"type":"ping"}`)
	if frames := anon.byType("pong"); len(frames) != 1 {
		t.Fatalf("Expected 1 pong, got %d", len(frames))
	}
}

func TestUnidentifiedConnectionRejected(t *testing.T) {
	fx := newFixture(t, false)
	anon := fx.connect("")

	fx.dispatch(anon, `{"type":"join-room","roomId":"room-1"}`)
	frames := anon.byType("error")
	if len(frames) != 1 {
		t.Fatalf("Expected 1 error frame, got %d", len(frames))
	}
	if frames[0].Get("code").String() != "unauthenticated" {
		t.Errorf("Expected code 'unauthenticated', got %q", frames[0].Get("code").String())
	}
}

func TestMalformedFrames(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.connect("alice")

	fx.dispatch(a, `{not json`)
	fx.dispatch(a, `{"roomId":"room-1"}`)
	fx.dispatch(a, `{"type":"no-such-event"}`)

	codes := make([]string, 0, 3)
	for _, f := range a.byType("error") {
		codes = append(codes, f.Get("code").String())
	}
	if len(codes) != 3 {
		t.Fatalf("Expected 3 error frames, got %d (%v)", len(codes), codes)
	}
	if codes[0] != "bad-frame" || codes[1] != "bad-frame" || codes[2] != "unknown-event" {
		t.Errorf("Unexpected error codes: %v", codes)
	}
}

func TestCallOfflineCalleeMissed(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.connect("alice")

	fx.dispatch(a, `{"type":"call-initiate","calleeIds":["bob"]}`)

	statuses := a.byType("call-status")
	if len(statuses) != 1 {
		t.Fatalf("Expected 1 call-status at caller, got %d", len(statuses))
	}
	if statuses[0].Get("userId").String() != "bob" || statuses[0].Get("status").String() != "missed" {
		t.Errorf("Expected bob missed, got %s", statuses[0].Raw)
	}
}

func TestCallIncomingAndAnswer(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.connect("alice")
	b := fx.connect("bob")

	fx.dispatch(a, `{"type":"call-initiate","calleeIds":["bob"]}`)

	incoming := b.byType("call-incoming")
	if len(incoming) != 1 {
		t.Fatalf("Expected 1 call-incoming at bob, got %d", len(incoming))
	}
	callID := incoming[0].Get("callId").String()
	if incoming[0].Get("callerId").String() != "alice" {
		t.Errorf("Expected callerId 'alice', got %q", incoming[0].Get("callerId").String())
	}

	fx.dispatch(b, `{"type":"call-answer","callId":"`+callID+`"}`)
	answered := a.byType("call-answered")
	if len(answered) != 1 {
		t.Fatalf("Expected 1 call-answered at caller, got %d", len(answered))
	}
	if answered[0].Get("userId").String() != "bob" {
		t.Errorf("Expected answer from 'bob', got %q", answered[0].Get("userId").String())
	}
}

func TestCallBusyCalleeNeverRings(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.connect("alice")
	b := fx.connect("bob")
	x := fx.connect("xavier")

	// alice and bob get connected.
	fx.dispatch(a, `{"type":"call-initiate","calleeIds":["bob"]}`)
	callID := b.byType("call-incoming")[0].Get("callId").String()
	fx.dispatch(b, `{"type":"call-answer","callId":"`+callID+`"}`)

	// xavier calls alice, who is mid-call.
	fx.dispatch(x, `{"type":"call-initiate","calleeIds":["alice"]}`)

	statuses := x.byType("call-status")
	if len(statuses) != 1 {
		t.Fatalf("Expected 1 call-status at xavier, got %d", len(statuses))
	}
	if statuses[0].Get("status").String() != "busy" {
		t.Errorf("Expected alice busy, got %s", statuses[0].Raw)
	}
	// alice must never see a second incoming call.
	if frames := a.byType("call-incoming"); len(frames) != 0 {
		t.Errorf("Busy callee received %d call-incoming frames", len(frames))
	}
}

func TestCallDeclineReportedToCaller(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.connect("alice")
	b := fx.connect("bob")

	fx.dispatch(a, `{"type":"call-initiate","calleeIds":["bob"]}`)
	callID := b.byType("call-incoming")[0].Get("callId").String()

	fx.dispatch(b, `{"type":"call-decline","callId":"`+callID+`"}`)
	statuses := a.byType("call-status")
	last := statuses[len(statuses)-1]
	if last.Get("userId").String() != "bob" || last.Get("status").String() != "declined" {
		t.Errorf("Expected declined status for bob, got %s", last.Raw)
	}
}

func TestCallBusySentByRingingCallee(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.connect("alice")
	b := fx.connect("bob")

	fx.dispatch(a, `{"type":"call-initiate","calleeIds":["bob"]}`)
	callID := b.byType("call-incoming")[0].Get("callId").String()

	// bob's client rejects on its own (e.g. a device-local call in progress).
	fx.dispatch(b, `{"type":"call-busy","callId":"`+callID+`"}`)

	statuses := a.byType("call-status")
	last := statuses[len(statuses)-1]
	if last.Get("userId").String() != "bob" || last.Get("status").String() != "busy" {
		t.Errorf("Expected busy status for bob, got %s", last.Raw)
	}

	// The lone callee went terminal, so alice is free to call again.
	fx.dispatch(a, `{"type":"call-initiate","calleeIds":["bob"]}`)
	if frames := b.byType("call-incoming"); len(frames) != 2 {
		t.Errorf("Expected bob to ring again after busy closed the call, got %d call-incoming frames", len(frames))
	}
}

func TestCallEndNotifiesOtherParticipants(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.connect("alice")
	b := fx.connect("bob")

	fx.dispatch(a, `{"type":"call-initiate","calleeIds":["bob"]}`)
	callID := b.byType("call-incoming")[0].Get("callId").String()
	fx.dispatch(b, `{"type":"call-answer","callId":"`+callID+`"}`)

	fx.dispatch(a, `{"type":"call-end","callId":"`+callID+`"}`)
	ended := b.byType("call-ended")
	if len(ended) != 1 {
		t.Fatalf("Expected 1 call-ended at bob, got %d", len(ended))
	}
	if ended[0].Get("userId").String() != "alice" {
		t.Errorf("Expected end by 'alice', got %q", ended[0].Get("userId").String())
	}
}

func TestCallInitiateWhileInCallRejected(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.connect("alice")
	b := fx.connect("bob")

	fx.dispatch(a, `{"type":"call-initiate","calleeIds":["bob"]}`)
	callID := b.byType("call-incoming")[0].Get("callId").String()
	fx.dispatch(b, `{"type":"call-answer","callId":"`+callID+`"}`)

	fx.dispatch(a, `{"type":"call-initiate","calleeIds":["carol"]}`)
	errsFrames := a.byType("error")
	if len(errsFrames) != 1 {
		t.Fatalf("Expected 1 error frame, got %d", len(errsFrames))
	}
	if errsFrames[0].Get("code").String() != "already-in-call" {
		t.Errorf("Expected code 'already-in-call', got %q", errsFrames[0].Get("code").String())
	}
}

func TestNotifyDisconnectedLastConnection(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.connect("alice")
	b := fx.connect("bob")

	fx.dispatch(a, `{"type":"join-room","roomId":"room-1"}`)
	fx.dispatch(b, `{"type":"join-room","roomId":"room-1"}`)

	fx.reg.DeregisterConnection(a.ID())
	fx.relay.NotifyDisconnected("alice")

	members := fx.reg.RoomMembers("room-1")
	if len(members) != 1 || members[0] != "bob" {
		t.Errorf("Expected only bob to remain, got %v", members)
	}
	frames := b.byType("presence")
	last := frames[len(frames)-1]
	if last.Get("userId").String() != "alice" || last.Get("status").String() != "offline" {
		t.Errorf("Expected offline presence for alice, got %s", last.Raw)
	}
}

func TestNotifyDisconnectedNotLastConnection(t *testing.T) {
	fx := newFixture(t, false)
	a1 := fx.connect("alice")
	a2 := fx.connect("alice")
	_ = a2

	fx.dispatch(a1, `{"type":"join-room","roomId":"room-1"}`)

	fx.reg.DeregisterConnection(a1.ID())
	fx.relay.NotifyDisconnected("alice")

	// alice still has a live connection, so she stays in the room.
	members := fx.reg.RoomMembers("room-1")
	if len(members) != 1 || members[0] != "alice" {
		t.Errorf("Expected alice to remain a member, got %v", members)
	}
}

var _ state.Transport = (*fakeTransport)(nil)
