package models

import (
	"strings"
	"testing"
)

func TestAction_Valid(t *testing.T) {
	tests := []struct {
		action Action
		want   bool
	}{
		{ActionInjectPrompt, true},
		{ActionWait, true},
		{ActionAskHuman, true},
		{Action("done"), false},
		{Action(""), false},
		{Action("INJECT_PROMPT"), false},
	}

	for _, tt := range tests {
		if got := tt.action.Valid(); got != tt.want {
			t.Errorf("Action(%q).Valid() = %v, want %v", tt.action, got, tt.want)
		}
	}
}

func TestOrchestratorStatus_Valid(t *testing.T) {
	for _, s := range []OrchestratorStatus{OrchestratorIdle, OrchestratorActive, OrchestratorPaused} {
		if !s.Valid() {
			t.Errorf("OrchestratorStatus(%q).Valid() = false, want true", s)
		}
	}
	if OrchestratorStatus("deleted").Valid() {
		t.Error("OrchestratorStatus(\"deleted\").Valid() = true, want false")
	}
}

func TestMessageSource_OrchestratorID(t *testing.T) {
	src := OrchestratorSource("abc123")
	if src != "orchestrator:abc123" {
		t.Errorf("OrchestratorSource = %q, want %q", src, "orchestrator:abc123")
	}
	id, ok := src.OrchestratorID()
	if !ok || id != "abc123" {
		t.Errorf("OrchestratorID() = %q, %v, want %q, true", id, ok, "abc123")
	}
	if _, ok := SourceHuman.OrchestratorID(); ok {
		t.Error("human source should not carry an orchestrator id")
	}
}

func TestMessage_Label(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"injected prompt", Message{Role: RoleSystem, Source: OrchestratorSource("o1")}, "Orchestrator"},
		{"human prompt", Message{Role: RoleUser, Source: SourceHuman}, "User"},
		{"assistant reply", Message{Role: RoleAssistant, Source: SourceAgent}, "Assistant"},
		{"failure", Message{Role: RoleError, Source: SourceAgent}, "Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Label(); got != tt.want {
				t.Errorf("Label() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"api", "front-end", "worker 1"}
	for _, n := range valid {
		if err := ValidateName(n); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", n, err)
		}
	}

	invalid := []string{"", "   ", ".", "..", "a/b", `a\b`, "a\x00b", strings.Repeat("x", MaxNameLength+1)}
	for _, n := range invalid {
		if err := ValidateName(n); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", n)
		}
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Backend", "api", "backend", ""})
	want := []string{"api", "backend"}
	if len(got) != len(want) {
		t.Fatalf("NormalizeTags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NormalizeTags[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOrchestrator_Manages(t *testing.T) {
	o := &Orchestrator{ManagedSessions: []string{"a", "b"}}
	if !o.Manages("b") {
		t.Error("Manages(b) = false, want true")
	}
	if o.Manages("c") {
		t.Error("Manages(c) = true, want false")
	}
}

func TestSession_ConversationID(t *testing.T) {
	s := &Session{Provider: "claude", ConversationIDs: map[string]string{"claude": "c-1", "codex": "x-1"}}
	if got := s.ConversationID(); got != "c-1" {
		t.Errorf("ConversationID() = %q, want %q", got, "c-1")
	}
	empty := &Session{Provider: "claude"}
	if got := empty.ConversationID(); got != "" {
		t.Errorf("ConversationID() = %q, want empty", got)
	}
}
