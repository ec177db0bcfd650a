package call

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
)

// History is the bundled Archiver: a bounded in-memory ring of finished
// sessions, served read-only over HTTP for the call-history persistence
// collaborator to drain.
type History struct {
	mu       sync.Mutex
	limit    int
	sessions []Session

	logger *slog.Logger
}

func NewHistory(logger *slog.Logger, limit int) *History {
	if limit <= 0 {
		limit = 256
	}
	return &History{
		limit:  limit,
		logger: logger.With(slog.String("component", "call_history")),
	}
}

var _ Archiver = (*History)(nil)

func (h *History) Archive(sess Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessions = append(h.sessions, sess)
	if len(h.sessions) > h.limit {
		h.sessions = h.sessions[len(h.sessions)-h.limit:]
	}
	h.logger.Info("Archived finished call",
		slog.String("callID", sess.ID),
		slog.String("callerID", sess.CallerID),
		slog.Int("participants", len(sess.Participants)),
	)
}

// Recent returns the retained finished sessions, oldest first.
func (h *History) Recent() []Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Session, len(h.sessions))
	copy(out, h.sessions)
	return out
}

func (h *History) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Recent()); err != nil {
		h.logger.Error("Failed to encode call history", slog.Any("error", err))
	}
}
