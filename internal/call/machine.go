package call

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyInCall is returned when a caller initiates while connected in
	// another active session.
	ErrAlreadyInCall = errors.New("caller is already in an active call")
	// ErrInvalidState is returned for transitions not permitted from the
	// participant's current status.
	ErrInvalidState = errors.New("transition not permitted from current state")
	ErrUnknownCall  = errors.New("unknown call")
	// ErrNotParticipant is returned when the acting user has no entry in the
	// session.
	ErrNotParticipant = errors.New("user is not a participant in this call")
	ErrNoCallees      = errors.New("call requires at least one callee")
)

// OnlineFunc reports whether a user has at least one live connection.
type OnlineFunc func(userID string) bool

// Archiver receives finished sessions for hand-off to call-history
// persistence. The machine itself keeps no terminal sessions.
type Archiver interface {
	Archive(sess Session)
}

// Machine owns the table of active call sessions and drives every participant
// transition. It references userIDs only; delivery of signaling frames is the
// relay's job.
type Machine struct {
	mu       sync.Mutex
	sessions map[string]*Session

	online   OnlineFunc
	archiver Archiver
	logger   *slog.Logger
}

func NewMachine(logger *slog.Logger, online OnlineFunc, archiver Archiver) *Machine {
	return &Machine{
		sessions: make(map[string]*Session),
		online:   online,
		archiver: archiver,
		logger:   logger.With(slog.String("component", "call_machine")),
	}
}

// Initiate creates a new session. The caller joins as "connected". Each callee
// starts as "ringing", except callees already connected in another active
// session ("busy") and callees with no live connection ("missed"). If no
// callee can ever answer, the session is closed immediately.
func (m *Machine) Initiate(callerID string, calleeIDs []string) (*Session, error) {
	if len(calleeIDs) == 0 {
		return nil, ErrNoCallees
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inActiveCall(callerID) {
		return nil, ErrAlreadyInCall
	}

	sess := &Session{
		ID:        uuid.New().String(),
		CallerID:  callerID,
		StartedAt: time.Now(),
	}
	sess.Participants = append(sess.Participants, Participant{UserID: callerID, Status: StatusConnected})

	seen := map[string]bool{callerID: true}
	for _, calleeID := range calleeIDs {
		if seen[calleeID] {
			continue
		}
		seen[calleeID] = true

		status := StatusRinging
		switch {
		case m.inActiveCall(calleeID):
			status = StatusBusy
		case !m.online(calleeID):
			// Offline means unreachable: no ringing phase.
			status = StatusMissed
		}
		sess.Participants = append(sess.Participants, Participant{UserID: calleeID, Status: status})
	}

	m.sessions[sess.ID] = sess
	m.logger.Info("Call initiated", slog.String("callID", sess.ID), slog.String("callerID", callerID))

	// Nobody left to answer: close out the caller's slot right away.
	allDead := true
	for _, p := range sess.Callees() {
		if !p.Status.Terminal() {
			allDead = false
			break
		}
	}
	if allDead {
		sess.Participant(callerID).Status = StatusEnded
		m.finishLocked(sess)
	}

	return sess.snapshot(), nil
}

// Answer transitions a ringing callee to connected.
func (m *Machine) Answer(callID, userID string) (*Session, error) {
	return m.transition(callID, userID, StatusConnected, StatusRinging)
}

// Decline transitions a ringing callee to declined.
func (m *Machine) Decline(callID, userID string) (*Session, error) {
	return m.transition(callID, userID, StatusDeclined, StatusRinging)
}

// Busy transitions a ringing callee to busy, for clients that reject a call
// themselves (e.g. already on another device's call UI).
func (m *Machine) Busy(callID, userID string) (*Session, error) {
	return m.transition(callID, userID, StatusBusy, StatusRinging)
}

// End closes the acting user's slot: the caller's entry becomes "ended" and a
// connected callee's becomes "left". When the caller hangs up, callees still
// ringing are marked "missed" — they can no longer be answered.
func (m *Machine) End(callID, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[callID]
	if !ok {
		return nil, ErrUnknownCall
	}
	p := sess.Participant(userID)
	if p == nil {
		return nil, ErrNotParticipant
	}
	if p.Status != StatusConnected {
		return nil, ErrInvalidState
	}

	if userID == sess.CallerID {
		p.Status = StatusEnded
		for i := range sess.Participants {
			if sess.Participants[i].Status == StatusRinging {
				sess.Participants[i].Status = StatusMissed
			}
		}
	} else {
		p.Status = StatusLeft
	}

	m.logger.Info("Call participant hung up", slog.String("callID", callID), slog.String("userID", userID))
	if sess.Terminal() {
		m.finishLocked(sess)
	}
	return sess.snapshot(), nil
}

// Get returns a snapshot of an active session.
func (m *Machine) Get(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[callID]
	if !ok {
		return nil, false
	}
	return sess.snapshot(), true
}

// IsInActiveCall reports whether the user is "connected" in any non-terminal
// session. This is the busy check applied to new callees.
func (m *Machine) IsInActiveCall(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inActiveCall(userID)
}

func (m *Machine) inActiveCall(userID string) bool {
	for _, sess := range m.sessions {
		p := sess.Participant(userID)
		if p != nil && p.Status == StatusConnected {
			return true
		}
	}
	return false
}

func (m *Machine) transition(callID, userID string, to, from Status) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[callID]
	if !ok {
		return nil, ErrUnknownCall
	}
	p := sess.Participant(userID)
	if p == nil {
		return nil, ErrNotParticipant
	}
	if p.Status != from {
		return nil, ErrInvalidState
	}
	p.Status = to

	m.logger.Info("Call participant transitioned",
		slog.String("callID", callID),
		slog.String("userID", userID),
		slog.String("status", string(to)),
	)
	// Same rule as initiation: once no callee can still answer or talk, the
	// caller's slot is closed out rather than left dangling.
	allDead := true
	for _, q := range sess.Callees() {
		if !q.Status.Terminal() {
			allDead = false
			break
		}
	}
	if allDead {
		if cp := sess.Participant(sess.CallerID); cp.Status == StatusConnected {
			cp.Status = StatusEnded
		}
	}
	if sess.Terminal() {
		m.finishLocked(sess)
	}
	return sess.snapshot(), nil
}

// finishLocked marks the session ended and hands it off. Caller holds m.mu.
func (m *Machine) finishLocked(sess *Session) {
	sess.EndedAt = time.Now()
	delete(m.sessions, sess.ID)
	m.logger.Info("Call session finished",
		slog.String("callID", sess.ID),
		slog.Duration("duration", sess.EndedAt.Sub(sess.StartedAt)),
	)
	if m.archiver != nil {
		m.archiver.Archive(*sess.snapshot())
	}
}
