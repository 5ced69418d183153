package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/bildir/internal/event"
	"github.com/ShayCichocki/bildir/internal/logging"
	"github.com/ShayCichocki/bildir/internal/state"
	"github.com/ShayCichocki/bildir/pkg/models"
)

func TestService_CreateRejectsOwnedSession(t *testing.T) {
	h := newHarness(t)
	h.create(t, "first", "A")

	_, err := h.service.Create(CreateParams{Name: "second", Sessions: []string{"B", "A"}})
	assert.ErrorIs(t, err, ErrOwnershipConflict)

	b, err := h.db.GetSession("B")
	require.NoError(t, err)
	assert.False(t, b.Owned())
	missing, err := h.db.GetOrchestratorByName("second")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestService_CreateValidates(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.Create(CreateParams{Name: ""})
	assert.Error(t, err)
	_, err = h.service.Create(CreateParams{Name: "x/y"})
	assert.Error(t, err)
	_, err = h.service.Create(CreateParams{Name: "ok", Provider: "nope"})
	assert.ErrorContains(t, err, "unknown provider")
}

func TestService_DeleteUnassignsAll(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, "O", "A", "B", "C")

	require.NoError(t, h.service.Delete(o.Name))

	for _, name := range []string{"A", "B", "C"} {
		s, err := h.db.GetSession(name)
		require.NoError(t, err)
		assert.Empty(t, s.OrchestratorID, name)
	}
	_, err := h.service.Get(o.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_AssignAndUnassign(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, "O", "A")
	other := h.create(t, "other", "C")

	require.NoError(t, h.service.Assign(o.Name, []string{"B"}))
	assert.ErrorIs(t, h.service.Assign(o.Name, []string{"C"}), ErrOwnershipConflict)

	got, err := h.service.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, got.ManagedSessions)

	assert.Error(t, h.service.Unassign(o.Name, []string{"C"}))
	require.NoError(t, h.service.Unassign(o.Name, []string{"A"}))

	got, err = h.service.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, got.ManagedSessions)
	a, err := h.db.GetSession("A")
	require.NoError(t, err)
	assert.False(t, a.Owned())

	c, err := h.db.GetSession("C")
	require.NoError(t, err)
	assert.Equal(t, other.ID, c.OrchestratorID)
}

func TestService_LifecycleTransitions(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, "O", "A")

	assert.ErrorIs(t, h.service.Pause(o.Name), ErrInvalidTransition)
	assert.ErrorIs(t, h.service.Resume(o.Name), ErrInvalidTransition)

	_, err := h.service.Start(o.Name)
	require.NoError(t, err)
	require.NoError(t, h.service.Pause(o.Name))

	_, err = h.service.Start(o.Name)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, h.service.Resume(o.Name))
	got, err := h.service.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrchestratorActive, got.Status)
}

// staleStore serves a fixed orchestrator status on reads, as if another
// process changed it right after the service looked.
type staleStore struct {
	*state.DB
	status models.OrchestratorStatus
}

func (s staleStore) GetOrchestrator(id string) (*models.Orchestrator, error) {
	o, err := s.DB.GetOrchestrator(id)
	if o != nil {
		o.Status = s.status
	}
	return o, err
}

func TestService_TransitionsDoNotOverwriteConcurrentChanges(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, "O", "A")
	require.NoError(t, h.db.SetOrchestratorStatus(o.ID, models.OrchestratorPaused))

	stale := NewService(staleStore{DB: h.db, status: models.OrchestratorIdle}, h.runner, h.actions, nil, h.defaults, ServiceConfig{}, logging.Nop())
	_, err := stale.Start(o.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := h.db.GetOrchestrator(o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrchestratorPaused, got.Status)

	require.NoError(t, h.db.SetOrchestratorStatus(o.ID, models.OrchestratorIdle))
	stale = NewService(staleStore{DB: h.db, status: models.OrchestratorActive}, h.runner, h.actions, nil, h.defaults, ServiceConfig{}, logging.Nop())
	assert.ErrorIs(t, stale.Pause(o.ID), ErrInvalidTransition)

	got, err = h.db.GetOrchestrator(o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrchestratorIdle, got.Status)
}

func TestService_SecondAskHumanReplacesFirst(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, "O", "A", "B")
	sub := h.bus.Subscribe(16)
	defer h.bus.Unsubscribe(sub)

	ctx := context.Background()
	_, err := h.actions.Apply(ctx, o, "A", Verdict{Decision: models.AskHuman("A", "first?")})
	require.NoError(t, err)
	_, err = h.actions.Apply(ctx, o, "A", Verdict{Decision: models.AskHuman("B", "second?")})
	require.NoError(t, err)

	got, err := h.service.Get(o.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingQuestion)
	assert.Equal(t, "second?", got.PendingQuestion.Question)
	assert.Equal(t, "B", got.PendingQuestion.TargetSession)

	var questions []string
	for len(sub.C()) > 0 {
		e := <-sub.C()
		if e.Type == event.TypeOrchestratorQuestion {
			questions = append(questions, e.Session)
		}
	}
	assert.Equal(t, []string{"A", "B"}, questions)
}

func TestService_RespondInjectsOnceAndClears(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, "O", "A", "B")
	_, err := h.actions.Apply(context.Background(), o, "A", Verdict{Decision: models.AskHuman("B", "drop the table?")})
	require.NoError(t, err)

	job, err := h.service.Respond(o.Name, "yes, drop it")
	require.NoError(t, err)
	require.NoError(t, waitJob(t, job).Err)

	got, err := h.service.Get(o.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingQuestion)

	calls := h.prov.worksFor("/w/B")
	require.Len(t, calls, 1)
	assert.Equal(t, "yes, drop it", calls[0].Prompt)

	msgs := h.history(t, "B")
	require.NotEmpty(t, msgs)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.SourceHuman, msgs[0].Source)
	assert.Equal(t, "yes, drop it", msgs[0].Text)
	assert.Empty(t, h.prov.worksFor("/w/A"))

	_, err = h.service.Respond(o.Name, "again")
	assert.ErrorIs(t, err, ErrNoPendingQuestion)
	assert.Len(t, h.prov.worksFor("/w/B"), 1)
}

func TestService_RespondWithoutQuestion(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, "O", "A")

	_, err := h.service.Respond(o.ID, "hello")
	assert.ErrorIs(t, err, ErrNoPendingQuestion)
}

func TestService_RespondRestoresQuestionOnFailure(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, "O", "A")
	require.NoError(t, h.db.SetPendingQuestion(o.ID, models.PendingQuestion{
		Question:      "where?",
		TargetSession: "ghost",
	}))

	_, err := h.service.Respond(o.ID, "here")
	assert.Error(t, err)

	got, err := h.service.Get(o.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingQuestion)
	assert.Equal(t, "where?", got.PendingQuestion.Question)
}

func TestService_StartKicksOffEmptySessionsOnce(t *testing.T) {
	h := newHarness(t, withKickoff())
	require.NoError(t, h.db.AppendMessage("B", models.Message{
		Role:   models.RoleUser,
		Text:   "already started",
		Source: models.SourceHuman,
	}))
	o, err := h.service.Create(CreateParams{
		Name:     "O",
		Goal:     "verify login tests",
		Sessions: []string{"A", "B"},
	})
	require.NoError(t, err)

	jobs, err := h.service.Start(o.Name)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	waitJob(t, jobs[0])

	msgs := h.history(t, "A")
	require.NotEmpty(t, msgs)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Equal(t, models.OrchestratorSource(o.ID), msgs[0].Source)
	assert.Contains(t, msgs[0].Text, "verify login tests")
	assert.Contains(t, msgs[0].Text, "You are the tester")
	assert.Contains(t, msgs[0].Text, "/w/A")
	assert.Len(t, h.history(t, "B"), 1)

	jobs, err = h.service.Start(o.Name)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	recs, err := h.db.ListDecisions(o.ID, 0)
	require.NoError(t, err)
	var kickoffs int
	for _, r := range recs {
		if r.Action == LogActionKickoff {
			kickoffs++
		}
	}
	assert.Equal(t, 1, kickoffs)
}

func TestService_ConfiguredWorkerPrompt(t *testing.T) {
	h := newHarness(t, withKickoff())
	h.defaults.Set(Prompts{WorkerPrompt: "{goal}. Begin now as {role}."})
	o, err := h.service.Create(CreateParams{Name: "O", Goal: "Draft the changelog", Sessions: []string{"A"}})
	require.NoError(t, err)

	jobs, err := h.service.Start(o.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	waitJob(t, jobs[0])

	msgs := h.history(t, "A")
	require.NotEmpty(t, msgs)
	assert.Equal(t, "Draft the changelog. Begin now as writer.", msgs[0].Text)
}

func TestService_OwnershipStaysConsistent(t *testing.T) {
	h := newHarness(t)
	o1 := h.create(t, "O1", "A")
	o2 := h.create(t, "O2", "B")

	require.NoError(t, h.service.Assign(o1.ID, []string{"C"}))
	assert.ErrorIs(t, h.service.Assign(o2.ID, []string{"C"}), ErrOwnershipConflict)
	require.NoError(t, h.service.Unassign(o1.ID, []string{"C"}))
	require.NoError(t, h.service.Assign(o2.ID, []string{"C"}))
	require.NoError(t, h.service.Delete(o1.ID))

	mismatches, err := h.db.CheckOwnership()
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	all, err := h.service.List()
	require.NoError(t, err)
	owners := map[string]string{}
	for _, o := range all {
		for _, name := range o.ManagedSessions {
			_, dup := owners[name]
			assert.False(t, dup, "session %s listed twice", name)
			owners[name] = o.ID
		}
	}
	sessions, err := h.db.ListSessions()
	require.NoError(t, err)
	for _, s := range sessions {
		assert.Equal(t, owners[s.Name], s.OrchestratorID, s.Name)
	}
	assert.Equal(t, o2.ID, owners["C"])
}
