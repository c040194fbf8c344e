// Package reconcile merges interim and final transcript events into a single
// ordered, de-duplicated view. Each chunk id walks a small state machine:
// Pending → Interim → Final. Final is terminal; an interim event arriving
// after the final for the same id is discarded.
package reconcile

import (
	"sort"
	"sync"

	"github.com/duboc/mic-transcriber/internal/transcriber"
)

// State is the reconciliation state of one chunk id.
type State int

const (
	Pending State = iota
	Interim
	Final
)

func (s State) String() string {
	switch s {
	case Interim:
		return "interim"
	case Final:
		return "final"
	default:
		return "pending"
	}
}

// Line is the current display text for one chunk id.
type Line struct {
	ChunkID uint64
	Text    string
	State   State
}

// Reconciler tracks per-chunk display lines. Safe for one applier and any
// number of readers.
type Reconciler struct {
	mu    sync.RWMutex
	lines map[uint64]*Line
}

// New creates an empty reconciler.
func New() *Reconciler {
	return &Reconciler{lines: make(map[uint64]*Line)}
}

// Apply folds an event into the per-chunk state machine. It returns the
// resulting display line and whether the display changed; a late interim for
// a finalized chunk id reports false and leaves the line untouched.
func (r *Reconciler) Apply(event transcriber.Event) (Line, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, ok := r.lines[event.ChunkID]
	if !ok {
		line = &Line{ChunkID: event.ChunkID}
		r.lines[event.ChunkID] = line
	}

	if line.State == Final {
		return *line, false
	}

	line.Text = event.Text
	if event.IsFinal {
		line.State = Final
	} else {
		line.State = Interim
	}
	return *line, true
}

// CurrentLine returns the display line for a chunk id.
func (r *Reconciler) CurrentLine(chunkID uint64) (Line, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	line, ok := r.lines[chunkID]
	if !ok {
		return Line{}, false
	}
	return *line, true
}

// History returns all finalized lines ordered by chunk id. Network responses
// may reorder across chunks, so arrival order is deliberately ignored.
func (r *Reconciler) History() []Line {
	r.mu.RLock()
	defer r.mu.RUnlock()

	history := make([]Line, 0, len(r.lines))
	for _, line := range r.lines {
		if line.State == Final {
			history = append(history, *line)
		}
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].ChunkID < history[j].ChunkID
	})
	return history
}
