package models

import "time"

// OrchestratorStatus is the supervision state of an orchestrator.
type OrchestratorStatus string

const (
	// OrchestratorIdle means the orchestrator is not supervising.
	OrchestratorIdle OrchestratorStatus = "idle"
	// OrchestratorActive means idle sessions trigger decisions.
	OrchestratorActive OrchestratorStatus = "active"
	// OrchestratorPaused means decisions are suppressed.
	OrchestratorPaused OrchestratorStatus = "paused"
)

// Valid returns true if the status is a known value.
func (s OrchestratorStatus) Valid() bool {
	switch s {
	case OrchestratorIdle, OrchestratorActive, OrchestratorPaused:
		return true
	default:
		return false
	}
}

// PendingQuestion is an escalation waiting for a human reply.
type PendingQuestion struct {
	Question string `json:"question"`
	// TargetSession receives the human's reply.
	TargetSession string    `json:"target_session"`
	AskedAt       time.Time `json:"asked_at"`
}

// Orchestrator supervises a set of managed sessions toward a goal.
type Orchestrator struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	// ConversationID is the orchestrator's own resume identifier.
	ConversationID string `json:"conversation_id,omitempty"`
	// ManagedSessions is ordered and free of duplicates.
	ManagedSessions []string           `json:"managed_sessions"`
	WorkDir         string             `json:"workdir"`
	Status          OrchestratorStatus `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
	Goal            string             `json:"goal"`
	// Rules overrides the configured decision rules when non-empty.
	Rules string `json:"rules,omitempty"`
	// BasePrompt overrides the configured base prompt when non-empty.
	BasePrompt      string           `json:"base_prompt,omitempty"`
	PendingQuestion *PendingQuestion `json:"pending_question,omitempty"`
	LastAction      string           `json:"last_action,omitempty"`
	LastDecisionAt  *time.Time       `json:"last_decision_at,omitempty"`
}

// Manages reports whether name is one of the managed sessions.
func (o *Orchestrator) Manages(name string) bool {
	for _, s := range o.ManagedSessions {
		if s == name {
			return true
		}
	}
	return false
}

// Source returns the message source used for prompts this orchestrator injects.
func (o *Orchestrator) Source() MessageSource {
	return OrchestratorSource(o.ID)
}

// DecisionRecord is one entry of an orchestrator's decision log.
type DecisionRecord struct {
	ID             int64     `json:"id"`
	OrchestratorID string    `json:"orchestrator_id"`
	TriggerSession string    `json:"trigger_session,omitempty"`
	Action         string    `json:"action"`
	TargetSession  string    `json:"target_session,omitempty"`
	Text           string    `json:"text,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Raw            string    `json:"raw,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
