// Package status tracks whether each session has a prompt in flight and
// announces transitions on the event bus.
package status

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/ShayCichocki/bildir/internal/event"
	"github.com/ShayCichocki/bildir/pkg/models"
)

// OwnerLookup resolves a session's owning orchestrator.
type OwnerLookup interface {
	GetSession(name string) (*models.Session, error)
}

// Publisher receives status events.
type Publisher interface {
	Publish(e event.Event)
}

// Tracker derives busy/idle per session from MarkBusy/MarkIdle calls.
// Callers must not interleave MarkBusy and MarkIdle for the same session
// from different goroutines; the session runner guarantees this.
type Tracker struct {
	mu     sync.Mutex
	busy   map[string]bool
	owners OwnerLookup
	pub    Publisher
	logger *slog.Logger
}

// NewTracker creates a tracker publishing to pub.
func NewTracker(owners OwnerLookup, pub Publisher, logger *slog.Logger) *Tracker {
	return &Tracker{
		busy:   make(map[string]bool),
		owners: owners,
		pub:    pub,
		logger: logger,
	}
}

// MarkBusy records that a prompt execution is starting.
func (t *Tracker) MarkBusy(session string) {
	t.mu.Lock()
	was := t.busy[session]
	t.busy[session] = true
	t.mu.Unlock()

	if !was {
		t.publish(session, models.SessionIdle, models.SessionBusy)
	}
}

// MarkIdle records that a prompt execution finished, whatever its outcome.
// A busy to idle transition is published with the session's owner as it
// is at this moment.
func (t *Tracker) MarkIdle(session string) {
	t.mu.Lock()
	was := t.busy[session]
	delete(t.busy, session)
	t.mu.Unlock()

	if was {
		t.publish(session, models.SessionBusy, models.SessionIdle)
	}
}

// Current returns the session's status.
func (t *Tracker) Current(session string) models.SessionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy[session] {
		return models.SessionBusy
	}
	return models.SessionIdle
}

// Busy returns the names of all busy sessions, sorted.
func (t *Tracker) Busy() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.busy))
	for name := range t.busy {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) publish(session string, from, to models.SessionStatus) {
	var owner string
	s, err := t.owners.GetSession(session)
	switch {
	case err != nil:
		t.logger.Warn("lookup session owner", "session", session, "error", err)
	case s != nil:
		owner = s.OrchestratorID
	}

	t.pub.Publish(event.Event{
		Type:           event.TypeSessionStatus,
		Session:        session,
		OrchestratorID: owner,
		From:           from,
		To:             to,
	})
}
