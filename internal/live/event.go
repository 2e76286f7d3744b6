package live

import (
	"strings"

	"whalestream/internal/domain"
)

// EventKind distinguishes a single insertion from a full reset.
type EventKind string

const (
	// EventInsert carries one newly accepted whale.
	EventInsert EventKind = "insert"
	// EventReset means the views were wiped; subscribers should re-read.
	EventReset EventKind = "reset"
)

// Event is emitted to subscribers on every state change.
type Event struct {
	Kind  EventKind
	Whale domain.Whale
}

// Query selects the records a snapshot or subscription sees.
type Query struct {
	View       domain.View
	LottoOnly  bool
	Underlying string
}

// Match reports whether w belongs to q.
func (q Query) Match(w *domain.Whale) bool {
	if q.View != domain.ViewAll && !inShortView(w) {
		return false
	}
	if q.LottoOnly && !w.IsLotto() {
		return false
	}
	if q.Underlying != "" && !strings.EqualFold(q.Underlying, w.Underlying) {
		return false
	}
	return true
}
