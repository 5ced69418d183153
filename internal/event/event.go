// Package event provides the in-process publish/subscribe bus that carries
// session status transitions and orchestration notices.
package event

import (
	"time"

	"github.com/ShayCichocki/bildir/pkg/models"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeSessionStatus is published on every busy/idle transition.
	TypeSessionStatus Type = "session.status"
	// TypeSessionMessage is published when a message is appended to a session.
	TypeSessionMessage Type = "session.message"
	// TypeOrchestratorQuestion is published when an orchestrator escalates
	// to a human. Session names the session the question is about.
	TypeOrchestratorQuestion Type = "orchestrator.question"
	// TypeOrchestratorDecision is published after a decision is applied.
	TypeOrchestratorDecision Type = "orchestrator.decision"
)

// Event is a single bus notification. Fields not relevant to Type are zero.
type Event struct {
	Type           Type                    `json:"type"`
	Session        string                  `json:"session,omitempty"`
	OrchestratorID string                  `json:"orchestrator_id,omitempty"`
	From           models.SessionStatus    `json:"from,omitempty"`
	To             models.SessionStatus    `json:"to,omitempty"`
	Message        *models.Message         `json:"message,omitempty"`
	Question       *models.PendingQuestion `json:"question,omitempty"`
	Decision       *models.Decision        `json:"decision,omitempty"`
	Timestamp      time.Time               `json:"timestamp"`
}

// BecameIdle reports whether the event is a busy to idle transition.
func (e Event) BecameIdle() bool {
	return e.Type == TypeSessionStatus && e.From == models.SessionBusy && e.To == models.SessionIdle
}
