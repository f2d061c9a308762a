package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-transcriber/internal/events"
)

const journalWriteTimeout = 2 * time.Second

// Journal mirrors the event stream into the store: a listening status opens
// a session, final results become segments and a stopped status closes the
// session. Other events are ignored.
type Journal struct {
	store   *Store
	modelID string
	log     *slog.Logger

	mu      sync.Mutex
	session string
}

func NewJournal(store *Store, modelID string, log *slog.Logger) *Journal {
	return &Journal{store: store, modelID: modelID, log: log.With(slog.String("component", "journal"))}
}

// Session returns the id of the open session, or "" between sessions.
func (j *Journal) Session() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.session
}

func (j *Journal) Emit(evt events.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	j.mu.Lock()
	defer j.mu.Unlock()

	switch {
	case evt.Kind == events.KindStatus && evt.Phase == events.PhaseListening:
		return j.open(ctx)
	case evt.Kind == events.KindFinal:
		if j.session == "" {
			if err := j.open(ctx); err != nil {
				return err
			}
		}
		return j.store.AppendSegment(ctx, Segment{
			SessionID:      j.session,
			Text:           evt.Text,
			SpeakerChanged: evt.SpeakerChanged,
			CreatedAt:      evt.At,
		})
	case evt.Kind == events.KindStatus && evt.Phase == events.PhaseStopped:
		if j.session == "" {
			return nil
		}
		id := j.session
		j.session = ""
		return j.store.EndSession(ctx, id)
	}
	return nil
}

func (j *Journal) open(ctx context.Context) error {
	if j.session != "" {
		return nil
	}
	id, err := j.store.BeginSession(ctx, j.modelID)
	if err != nil {
		return err
	}
	j.session = id
	j.log.Debug("transcript session opened", slog.String("session_id", id))
	return nil
}
