package models

import (
	"strings"
	"time"
)

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleError     MessageRole = "error"
)

// Valid returns true if the role is a known value.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleError:
		return true
	default:
		return false
	}
}

// MessageSource identifies the origin of a message.
type MessageSource string

const (
	SourceHuman MessageSource = "human"
	SourceAgent MessageSource = "agent"

	orchestratorSourcePrefix = "orchestrator:"
)

// OrchestratorSource returns the source tag for prompts injected by an orchestrator.
func OrchestratorSource(id string) MessageSource {
	return MessageSource(orchestratorSourcePrefix + id)
}

// OrchestratorID returns the orchestrator id carried by the source, if any.
func (s MessageSource) OrchestratorID() (string, bool) {
	if !strings.HasPrefix(string(s), orchestratorSourcePrefix) {
		return "", false
	}
	return strings.TrimPrefix(string(s), orchestratorSourcePrefix), true
}

// Message is one immutable entry in a session's history.
type Message struct {
	Role      MessageRole   `json:"role"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
	Source    MessageSource `json:"source"`
}

// Label renders the role the way decision briefs show it.
func (m Message) Label() string {
	switch {
	case m.Role == RoleSystem:
		if _, ok := m.Source.OrchestratorID(); ok {
			return "Orchestrator"
		}
		return "System"
	case m.Role == RoleUser:
		if _, ok := m.Source.OrchestratorID(); ok {
			return "Orchestrator"
		}
		return "User"
	case m.Role == RoleAssistant:
		return "Assistant"
	case m.Role == RoleError:
		return "Error"
	default:
		return string(m.Role)
	}
}
