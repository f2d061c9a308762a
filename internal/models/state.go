package models

import (
	"fmt"
	"math"
	"sync"
)

// Phase is a step of model acquisition.
type Phase int

const (
	PhaseAbsent Phase = iota
	PhaseFetching
	PhaseUnpacking
	PhaseReady
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseAbsent:
		return "absent"
	case PhaseFetching:
		return "fetching"
	case PhaseUnpacking:
		return "unpacking"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) terminal() bool { return p == PhaseReady || p == PhaseFailed }

// State is a snapshot of one model's acquisition. Progress is a percentage
// rounded to one decimal and is negative when the total is unknown, in
// which case Bytes carries the running count.
type State struct {
	ModelID  string
	Phase    Phase
	Progress float64
	Bytes    int64
	Reason   string
}

// Reporter receives every state transition and progress update.
type Reporter func(State)

// tracker holds at most one State per model id and enforces forward-only
// transitions.
type tracker struct {
	mu     sync.Mutex
	states map[string]State
}

func newTracker() *tracker {
	return &tracker{states: make(map[string]State)}
}

func (t *tracker) get(id string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[id]; ok {
		return st
	}
	return State{ModelID: id, Phase: PhaseAbsent}
}

// advance records next if it is a legal successor of the current state.
// Progress within a phase may not go backwards.
func (t *tracker) advance(next State) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.states[next.ModelID]
	if !ok {
		cur = State{ModelID: next.ModelID, Phase: PhaseAbsent}
	}
	switch {
	case cur.Phase == PhaseReady && next.Phase == PhaseReady:
		return cur, nil
	case cur.Phase.terminal():
		return cur, fmt.Errorf("model %s is %s, cannot move to %s", next.ModelID, cur.Phase, next.Phase)
	case next.Phase == PhaseFailed:
	case next.Phase < cur.Phase:
		return cur, fmt.Errorf("model %s cannot move back from %s to %s", next.ModelID, cur.Phase, next.Phase)
	case next.Phase == cur.Phase && next.Progress >= 0 && next.Progress < cur.Progress:
		next.Progress = cur.Progress
	}
	t.states[next.ModelID] = next
	return next, nil
}

// forget drops a terminal state so a later attempt can start over.
func (t *tracker) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[id]; ok && st.Phase == PhaseFailed {
		delete(t.states, id)
	}
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return -1
	}
	p := float64(done) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return math.Round(p*10) / 10
}
