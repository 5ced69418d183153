package orchestrator

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ShayCichocki/bildir/pkg/models"
)

// Built-in prompt text, used when neither the orchestrator nor the
// configuration overrides it.
const (
	DefaultBasePrompt = "Act as the manager across any task type. Always reply with the next concrete step " +
		"toward the completion of the goal. If questions are asked, reply with the best solution or action " +
		"required. Request manual runs and testing when you see fit, and prioritize debugging and fixing " +
		"before proceeding. If progress is stalling, ask a session to run the tests and report its findings. " +
		"If the most recent assistant output shows destructive or irreversible actions (deleting or " +
		"overwriting files, dropping or truncating databases or tables), use the ask_human format."

	DefaultRules = `- If the goal is achieved, return wait
- If you can take another step toward the goal, inject a prompt to continue the work
- Only ask_human if you truly need their input
- Review the conversation history to avoid repeating yourself
- If unsure what to do next, return wait`

	// DefaultWorkerPrompt is the kickoff template. {goal}, {role} and
	// {workdir} are substituted.
	DefaultWorkerPrompt = "Project goal:\n{goal}\nSession working directory:\n{workdir}\n\n" +
		"You are the {role} working for a manager. Begin implementation immediately. " +
		"Do not act as the manager; focus on execution and report progress with concrete results."
)

// Prompts holds the configured prompt defaults. Empty fields fall through
// to the built-in text.
type Prompts struct {
	BasePrompt   string
	Rules        string
	WorkerPrompt string
}

// PromptDefaults is the middle level of the prompt fallback chains. It is
// safe for concurrent use and replaced wholesale on config reload.
type PromptDefaults struct {
	v atomic.Pointer[Prompts]
}

// NewPromptDefaults creates a holder seeded with p.
func NewPromptDefaults(p Prompts) *PromptDefaults {
	d := &PromptDefaults{}
	d.Set(p)
	return d
}

// Set replaces the configured defaults.
func (d *PromptDefaults) Set(p Prompts) {
	d.v.Store(&p)
}

// Get returns the configured defaults.
func (d *PromptDefaults) Get() Prompts {
	if d == nil {
		return Prompts{}
	}
	if p := d.v.Load(); p != nil {
		return *p
	}
	return Prompts{}
}

// BasePrompt resolves override, configured, then built-in.
func (d *PromptDefaults) BasePrompt(o *models.Orchestrator) string {
	return firstNonEmpty(o.BasePrompt, d.Get().BasePrompt, DefaultBasePrompt)
}

// Rules resolves override, configured, then built-in.
func (d *PromptDefaults) Rules(o *models.Orchestrator) string {
	return firstNonEmpty(o.Rules, d.Get().Rules, DefaultRules)
}

// WorkerPrompt resolves configured, then built-in.
func (d *PromptDefaults) WorkerPrompt() string {
	return firstNonEmpty(d.Get().WorkerPrompt, DefaultWorkerPrompt)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// SessionContext describes one managed session in the brief.
type SessionContext struct {
	Name    string
	WorkDir string
	Trigger bool
}

// DecisionInput is everything the decision maker sees for one cycle.
type DecisionInput struct {
	Orchestrator *models.Orchestrator
	Trigger      string
	// LatestOutput is the last assistant or error message of Trigger.
	LatestOutput string
	Sessions     []SessionContext
	// History is the trigger session's recent messages, oldest first.
	History []models.Message
}

// LatestOutput returns the text of the most recent assistant or error message.
func LatestOutput(history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		switch history[i].Role {
		case models.RoleAssistant, models.RoleError:
			return history[i].Text
		}
	}
	return ""
}

// BuildBrief renders the decision prompt.
func BuildBrief(in DecisionInput, defaults *PromptDefaults) string {
	o := in.Orchestrator
	var b strings.Builder

	b.WriteString("You are supervising AI coding agents working on a project.\n\n")

	b.WriteString("YOUR JOB:\n")
	b.WriteString(defaults.BasePrompt(o))
	b.WriteString("\n\n")

	b.WriteString("GOAL:\n")
	b.WriteString(orNone(o.Goal))
	b.WriteString("\n\n")

	b.WriteString("RULES:\n")
	b.WriteString(defaults.Rules(o))
	b.WriteString("\n\n")

	b.WriteString("MANAGED SESSIONS (name: working directory):\n")
	if len(in.Sessions) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, s := range in.Sessions {
		fmt.Fprintf(&b, "  - %s: %s", s.Name, orNone(s.WorkDir))
		if s.Trigger {
			b.WriteString(" (just finished)")
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "SESSION THAT JUST BECAME IDLE: %s\n\n", in.Trigger)

	b.WriteString("LATEST OUTPUT:\n")
	b.WriteString(orNone(in.LatestOutput))
	b.WriteString("\n\n")

	b.WriteString("RECENT CONVERSATION (oldest first):\n")
	if len(in.History) == 0 {
		b.WriteString("None\n")
	}
	for _, m := range in.History {
		fmt.Fprintf(&b, "[%s] %s\n", m.Label(), m.Text)
	}
	b.WriteString("\n")

	b.WriteString("Respond with exactly ONE of these JSON objects and nothing else:\n")
	b.WriteString(`{"action":"inject_prompt","target_session":"<managed session>","prompt":"<next message for that session>"}` + "\n")
	b.WriteString(`{"action":"wait","reason":"<why no action is needed>"}` + "\n")
	b.WriteString(`{"action":"ask_human","target_session":"<managed session>","question":"<question for the human>"}` + "\n")

	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

// InferRole guesses the worker role from goal keywords.
func InferRole(goal string) string {
	text := strings.ToLower(goal)
	roles := []struct {
		role     string
		keywords []string
	}{
		{"tester", []string{"test", "qa", "verify", "validation"}},
		{"researcher", []string{"research", "investigate", "find", "analyze", "compare"}},
		{"designer", []string{"design", "ui", "ux", "layout", "style"}},
		{"writer", []string{"write", "draft", "document", "doc", "spec"}},
	}
	for _, r := range roles {
		for _, k := range r.keywords {
			if strings.Contains(text, k) {
				return r.role
			}
		}
	}
	return "developer"
}

// KickoffPrompt fills the worker template.
func KickoffPrompt(template, goal, role, workdir string) string {
	return strings.NewReplacer("{goal}", goal, "{role}", role, "{workdir}", workdir).Replace(template)
}
