package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MaxNameLength is the longest session or orchestrator name accepted.
const MaxNameLength = 120

// Session is a named, persistent conversation with one provider at a time.
type Session struct {
	// Name is the unique key of the session.
	Name string `json:"name"`
	// Provider is the provider prompts are currently sent to.
	Provider string `json:"provider"`
	// ConversationIDs maps a provider name to its opaque resume identifier.
	ConversationIDs map[string]string `json:"conversation_ids,omitempty"`
	// WorkDir is the directory the provider runs in.
	WorkDir string `json:"workdir"`
	// OrchestratorID is the owning orchestrator, empty when unowned.
	OrchestratorID string `json:"orchestrator_id,omitempty"`
	// Tags are free-form role tags.
	Tags []string `json:"tags,omitempty"`
	// RoleDescription describes the part this session plays.
	RoleDescription string `json:"role_description,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Owned reports whether an orchestrator owns the session.
func (s *Session) Owned() bool {
	return s.OrchestratorID != ""
}

// ConversationID returns the resume identifier for the session's current provider.
func (s *Session) ConversationID() string {
	if s.ConversationIDs == nil {
		return ""
	}
	return s.ConversationIDs[s.Provider]
}

// NormalizeTags lowercases, trims, dedupes and sorts a tag list.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateName checks a session or orchestrator name.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("name is required")
	case len(name) > MaxNameLength:
		return fmt.Errorf("name %q exceeds %d characters", name, MaxNameLength)
	case name == "." || name == "..":
		return fmt.Errorf("name %q is reserved", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("name %q contains a path separator", name)
	}
	return nil
}

// SessionStatus is the derived activity state of a session.
type SessionStatus string

const (
	// SessionIdle means no prompt is executing.
	SessionIdle SessionStatus = "idle"
	// SessionBusy means a prompt is executing.
	SessionBusy SessionStatus = "busy"
)
