package call

import (
	"time"
)

// Status is the signaling state of one participant in a call session.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusDeclined  Status = "declined"
	StatusBusy      Status = "busy"
	StatusMissed    Status = "missed"
	StatusLeft      Status = "left"
	StatusEnded     Status = "ended"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible from this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusBusy, StatusMissed, StatusLeft, StatusEnded, StatusFailed:
		return true
	}
	return false
}

type Participant struct {
	UserID string `json:"userId"`
	Status Status `json:"status"`
}

// Session is a signaling-only record of a call between a caller and one or
// more callees. It carries no media. The caller is tracked as a participant
// with status "connected" from initiation so that busy detection covers it.
type Session struct {
	ID           string        `json:"callId"`
	CallerID     string        `json:"callerId"`
	Participants []Participant `json:"participants"`
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      time.Time     `json:"endedAt,omitzero"`
}

// Participant returns the entry for userID, or nil.
func (s *Session) Participant(userID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

// Terminal reports whether every participant is in a terminal status.
func (s *Session) Terminal() bool {
	for i := range s.Participants {
		if !s.Participants[i].Status.Terminal() {
			return false
		}
	}
	return true
}

// Callees returns the participants other than the caller.
func (s *Session) Callees() []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.UserID != s.CallerID {
			out = append(out, p)
		}
	}
	return out
}

func (s *Session) snapshot() *Session {
	cp := *s
	cp.Participants = make([]Participant, len(s.Participants))
	copy(cp.Participants, s.Participants)
	return &cp
}
