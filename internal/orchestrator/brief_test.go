package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ShayCichocki/bildir/pkg/models"
)

func TestPromptDefaults_FallbackChain(t *testing.T) {
	o := &models.Orchestrator{}
	d := NewPromptDefaults(Prompts{})

	assert.Equal(t, DefaultRules, d.Rules(o))
	assert.Equal(t, DefaultBasePrompt, d.BasePrompt(o))
	assert.Equal(t, DefaultWorkerPrompt, d.WorkerPrompt())

	d.Set(Prompts{Rules: "configured rules", BasePrompt: "configured base", WorkerPrompt: "go {role}"})
	assert.Equal(t, "configured rules", d.Rules(o))
	assert.Equal(t, "configured base", d.BasePrompt(o))
	assert.Equal(t, "go {role}", d.WorkerPrompt())

	o.Rules = "custom rules"
	o.BasePrompt = "   "
	assert.Equal(t, "custom rules", d.Rules(o))
	assert.Equal(t, "configured base", d.BasePrompt(o))
}

func TestBuildBrief(t *testing.T) {
	o := &models.Orchestrator{ID: "o1", Goal: "ship v2", ManagedSessions: []string{"A", "B"}}
	now := time.Now()
	in := DecisionInput{
		Orchestrator: o,
		Trigger:      "A",
		LatestOutput: "tests pass",
		Sessions: []SessionContext{
			{Name: "A", WorkDir: "/w/a", Trigger: true},
			{Name: "B", WorkDir: "/w/b"},
		},
		History: []models.Message{
			{Role: models.RoleSystem, Text: "write tests", Source: o.Source(), Timestamp: now},
			{Role: models.RoleUser, Text: "also docs", Source: models.SourceHuman, Timestamp: now},
			{Role: models.RoleError, Text: "timed out", Source: models.SourceAgent, Timestamp: now},
			{Role: models.RoleAssistant, Text: "tests pass", Source: models.SourceAgent, Timestamp: now},
		},
	}

	brief := BuildBrief(in, NewPromptDefaults(Prompts{Rules: "be brief"}))

	assert.Contains(t, brief, "ship v2")
	assert.Contains(t, brief, "be brief")
	assert.Contains(t, brief, DefaultBasePrompt)
	assert.Contains(t, brief, "  - A: /w/a (just finished)")
	assert.Contains(t, brief, "  - B: /w/b\n")
	assert.Contains(t, brief, "SESSION THAT JUST BECAME IDLE: A")
	assert.Contains(t, brief, `"action":"inject_prompt"`)
	assert.Contains(t, brief, `"action":"wait"`)
	assert.Contains(t, brief, `"action":"ask_human"`)

	order := []string{"[Orchestrator] write tests", "[User] also docs", "[Error] timed out", "[Assistant] tests pass"}
	last := -1
	for _, line := range order {
		idx := strings.Index(brief, line)
		assert.Greater(t, idx, last, "history line %q out of order", line)
		last = idx
	}
}

func TestLatestOutput_IncludesErrors(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleAssistant, Text: "first"},
		{Role: models.RoleError, Text: "provider crashed"},
		{Role: models.RoleSystem, Text: "retry"},
	}
	assert.Equal(t, "provider crashed", LatestOutput(history))
	assert.Empty(t, LatestOutput(nil))
}

func TestInferRole(t *testing.T) {
	assert.Equal(t, "tester", InferRole("Verify the login flow"))
	assert.Equal(t, "researcher", InferRole("Investigate slow queries"))
	assert.Equal(t, "designer", InferRole("Polish the UX"))
	assert.Equal(t, "writer", InferRole("Draft release notes"))
	assert.Equal(t, "developer", InferRole("Implement a parser"))
}

func TestKickoffPrompt(t *testing.T) {
	got := KickoffPrompt("{goal} as {role} in {workdir}", "Build a CLI", "developer", "/w/a")
	assert.Equal(t, "Build a CLI as developer in /w/a", got)
}
