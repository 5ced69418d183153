package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/bildir/internal/spool"
)

const releaseManifest = `
name: release
provider: claude
goal: Ship the v2 API
sessions:
  - name: api
    workdir: api
    role: backend developer
  - name: qa
    provider: codex
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(releaseManifest))
	require.NoError(t, err)
	assert.Equal(t, "release", m.Name)
	assert.Equal(t, "claude", m.Provider)
	assert.Equal(t, []string{"api", "qa"}, m.SessionNames())
	assert.Equal(t, "backend developer", m.Sessions[0].Role)
	assert.False(t, m.Start)
}

func TestParseManifest_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "name: x\ngoals: typo\n"},
		{"missing name", "goal: nothing\n"},
		{"duplicate session", "name: x\nsessions:\n  - name: a\n  - name: a\n"},
		{"bad session name", "name: x\nsessions:\n  - name: a/b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestApplyManifest_CreatesThenUpdates(t *testing.T) {
	env := testEnv(t)
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "api"), 0755))

	m, err := ParseManifest([]byte(releaseManifest))
	require.NoError(t, err)

	res, err := applyManifest(env, m, base)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.ElementsMatch(t, []string{"api", "qa"}, res.SessionsCreated)
	assert.Equal(t, []string{"api", "qa"}, res.Orchestrator.ManagedSessions)
	assert.Nil(t, res.StartRequest)

	api, err := env.db.GetSession("api")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "api"), api.WorkDir)
	assert.Equal(t, res.Orchestrator.ID, api.OrchestratorID)
	assert.Equal(t, "claude", res.Orchestrator.Provider)

	qa, err := env.db.GetSession("qa")
	require.NoError(t, err)
	assert.Equal(t, "codex", qa.Provider)

	// Second apply drops qa, changes the goal and requests a start.
	m2, err := ParseManifest([]byte("name: release\ngoal: Ship v3\nstart: true\nsessions:\n  - name: api\n"))
	require.NoError(t, err)
	res, err = applyManifest(env, m2, base)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, []string{"qa"}, res.Unassigned)
	assert.Equal(t, []string{"api"}, res.Orchestrator.ManagedSessions)
	assert.Equal(t, "Ship v3", res.Orchestrator.Goal)
	assert.Equal(t, "claude", res.Orchestrator.Provider)
	require.NotNil(t, res.StartRequest)
	assert.Equal(t, spool.KindStart, res.StartRequest.Kind)

	qa, err = env.db.GetSession("qa")
	require.NoError(t, err)
	assert.False(t, qa.Owned())

	pending, err := env.spool.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	mismatches, err := env.db.CheckOwnership()
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestApplyManifest_OwnershipConflict(t *testing.T) {
	env := testEnv(t)
	base := t.TempDir()

	_, err := applyManifest(env, &Manifest{Name: "first", Sessions: []SessionManifest{{Name: "shared"}}}, base)
	require.NoError(t, err)

	_, err = applyManifest(env, &Manifest{Name: "second", Sessions: []SessionManifest{{Name: "shared"}}}, base)
	require.Error(t, err)

	_, err = env.svc.Get("second")
	assert.Error(t, err, "failed create must not leave an orchestrator behind")

	s, err := env.db.GetSession("shared")
	require.NoError(t, err)
	first, err := env.svc.Get("first")
	require.NoError(t, err)
	assert.Equal(t, first.ID, s.OrchestratorID)
}

func TestApplyManifest_UnknownProvider(t *testing.T) {
	env := testEnv(t)
	m := &Manifest{Name: "x", Sessions: []SessionManifest{{Name: "a", Provider: "nope"}}}
	_, err := applyManifest(env, m, t.TempDir())
	assert.ErrorContains(t, err, "unknown provider")

	s, err := env.db.GetSession("a")
	require.NoError(t, err)
	assert.Nil(t, s)
}
