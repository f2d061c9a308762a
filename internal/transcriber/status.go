package transcriber

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-transcriber/internal/events"
	"github.com/loqalabs/loqa-transcriber/internal/pipeline"
)

// Status is the snapshot served on /status.
type Status struct {
	Phase     events.Phase    `json:"phase"`
	Size      string          `json:"model_size"`
	Model     string          `json:"model_id,omitempty"`
	Speaker   bool            `json:"speaker_detection"`
	SessionID string          `json:"session_id,omitempty"`
	Pipeline  *pipeline.Stats `json:"pipeline,omitempty"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		Phase:   c.phase,
		Size:    c.cfg.Models.Size,
		Model:   c.model.ID,
		Speaker: c.speaker,
	}
	p := c.pipe
	journal := c.journal
	c.mu.Unlock()

	if p != nil {
		stats := p.Stats()
		st.Pipeline = &stats
	}
	if journal != nil {
		st.SessionID = journal.Session()
	}
	return st
}

// StatusHandler serves Status as JSON.
func (c *Controller) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.Status())
	})
}

type sessionView struct {
	ID        string `json:"session_id"`
	ModelID   string `json:"model_id"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at,omitempty"`
	Segments  int    `json:"segments"`
}

// SessionsHandler lists recent journal sessions (?limit=N). It answers 404
// when the journal is disabled.
func (c *Controller) SessionsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.records == nil {
			http.NotFound(w, r)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		sessions, err := c.records.ListSessions(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		out := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			v := sessionView{ID: s.ID, ModelID: s.ModelID, Segments: s.Segments}
			if !s.StartedAt.IsZero() {
				v.StartedAt = s.StartedAt.UTC().Format(time.RFC3339)
			}
			if !s.EndedAt.IsZero() {
				v.EndedAt = s.EndedAt.UTC().Format(time.RFC3339)
			}
			out = append(out, v)
		}
		writeJSON(w, http.StatusOK, out)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
