package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/bildir/pkg/models"
)

func addSessions(t *testing.T, db *DB, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, db.CreateSession(&models.Session{Name: n, Provider: "codex", WorkDir: "/work/" + n}))
	}
}

func newOrchestrator(id string, sessions ...string) *models.Orchestrator {
	return &models.Orchestrator{
		ID:              id,
		Name:            "orch-" + id,
		Provider:        "claude",
		Goal:            "ship it",
		ManagedSessions: sessions,
	}
}

// assertConsistent checks that every session's owner matches exactly one
// orchestrator's managed list.
func assertConsistent(t *testing.T, db *DB) {
	t.Helper()
	orchs, err := db.ListOrchestrators()
	require.NoError(t, err)
	members := map[string]string{}
	for _, o := range orchs {
		for _, name := range o.ManagedSessions {
			_, dup := members[name]
			assert.False(t, dup, "session %s listed by two orchestrators", name)
			members[name] = o.ID
		}
	}
	sessions, err := db.ListSessions()
	require.NoError(t, err)
	for _, s := range sessions {
		assert.Equal(t, members[s.Name], s.OrchestratorID, "owner of %s", s.Name)
	}
	mismatches, err := db.CheckOwnership()
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestEnsureSession(t *testing.T) {
	db := setupTestDB(t)

	s, err := db.EnsureSession("api", "codex", "/srv/api")
	require.NoError(t, err)
	assert.Equal(t, "/srv/api", s.WorkDir)

	again, err := db.EnsureSession("api", "claude", "/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, "codex", again.Provider, "existing session must not be overwritten")

	dir, err := db.WorkDir("api")
	require.NoError(t, err)
	assert.Equal(t, "/srv/api", dir)

	_, err = db.WorkDir("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSession_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	addSessions(t, db, "a")
	err := db.CreateSession(&models.Session{Name: "a", Provider: "codex"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestConversationIDs(t *testing.T) {
	db := setupTestDB(t)
	addSessions(t, db, "a")

	require.NoError(t, db.SetConversationID("a", "codex", "c-1"))
	require.NoError(t, db.SetConversationID("a", "claude", "k-1"))
	require.NoError(t, db.SetConversationID("a", "codex", "c-2"))

	s, err := db.GetSession("a")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"codex": "c-2", "claude": "k-1"}, s.ConversationIDs)
	assert.Equal(t, "c-2", s.ConversationID())
}

func TestCreateOrchestrator_AssignsBothSides(t *testing.T) {
	db := setupTestDB(t)
	addSessions(t, db, "a", "b")

	require.NoError(t, db.CreateOrchestrator(newOrchestrator("o1", "b", "a", "b")))

	o, err := db.GetOrchestrator("o1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, o.ManagedSessions)
	assert.Equal(t, models.OrchestratorIdle, o.Status)

	for _, name := range []string{"a", "b"} {
		s, err := db.GetSession(name)
		require.NoError(t, err)
		assert.Equal(t, "o1", s.OrchestratorID)
	}
	assertConsistent(t, db)
}

func TestCreateOrchestrator_OwnershipConflictRollsBack(t *testing.T) {
	db := setupTestDB(t)
	addSessions(t, db, "a", "b", "c")
	require.NoError(t, db.CreateOrchestrator(newOrchestrator("o1", "b")))

	err := db.CreateOrchestrator(newOrchestrator("o2", "a", "b", "c"))
	require.ErrorIs(t, err, ErrOwnershipConflict)

	o2, err := db.GetOrchestrator("o2")
	require.NoError(t, err)
	assert.Nil(t, o2, "no partial orchestrator record")

	a, err := db.GetSession("a")
	require.NoError(t, err)
	assert.Empty(t, a.OrchestratorID, "no partial assignment")
	assertConsistent(t, db)
}

func TestCreateOrchestrator_MissingSession(t *testing.T) {
	db := setupTestDB(t)
	err := db.CreateOrchestrator(newOrchestrator("o1", "ghost"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetOwner(t *testing.T) {
	db := setupTestDB(t)
	addSessions(t, db, "a", "b")
	require.NoError(t, db.CreateOrchestrator(newOrchestrator("o1")))
	require.NoError(t, db.CreateOrchestrator(newOrchestrator("o2")))

	require.NoError(t, db.SetOwner("a", "o1"))
	require.NoError(t, db.SetOwner("b", "o1"))
	assert.ErrorIs(t, db.SetOwner("a", "o2"), ErrOwnershipConflict)
	require.NoError(t, db.SetOwner("a", "o1"), "re-assigning to the same owner is a no-op")
	assertConsistent(t, db)

	require.NoError(t, db.SetOwner("a", ""))
	require.NoError(t, db.SetOwner("a", "o2"))
	assertConsistent(t, db)

	o1, err := db.GetOrchestrator("o1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, o1.ManagedSessions)
}

func TestSetOwner_ConcurrentAssignmentsHaveOneWinner(t *testing.T) {
	db := setupTestDB(t)
	addSessions(t, db, "shared")
	const n = 8
	for i := 0; i < n; i++ {
		require.NoError(t, db.CreateOrchestrator(newOrchestrator(fmt.Sprintf("o%d", i))))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = db.SetOwner("shared", fmt.Sprintf("o%d", i))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrOwnershipConflict)
		}
	}
	assert.Equal(t, 1, wins)
	assertConsistent(t, db)
}

func TestDeleteOrchestrator_UnassignsAll(t *testing.T) {
	db := setupTestDB(t)
	addSessions(t, db, "a", "b", "c")
	require.NoError(t, db.CreateOrchestrator(newOrchestrator("o1", "a", "b", "c")))

	require.NoError(t, db.DeleteOrchestrator("o1"))

	o, err := db.GetOrchestrator("o1")
	require.NoError(t, err)
	assert.Nil(t, o)
	for _, name := range []string{"a", "b", "c"} {
		s, err := db.GetSession(name)
		require.NoError(t, err)
		assert.Empty(t, s.OrchestratorID, "session %s still owned", name)
	}
	assertConsistent(t, db)

	assert.ErrorIs(t, db.DeleteOrchestrator("o1"), ErrNotFound)
}

func TestDeleteSession_RefusesOwned(t *testing.T) {
	db := setupTestDB(t)
	addSessions(t, db, "a")
	require.NoError(t, db.CreateOrchestrator(newOrchestrator("o1", "a")))

	assert.ErrorIs(t, db.DeleteSession("a"), ErrOwnershipConflict)
	require.NoError(t, db.SetOwner("a", ""))
	require.NoError(t, db.DeleteSession("a"))
}

func TestPendingQuestion(t *testing.T) {
	db := setupTestDB(t)
	addSessions(t, db, "a", "b")
	require.NoError(t, db.CreateOrchestrator(newOrchestrator("o1", "a", "b")))

	_, err := db.TakePendingQuestion("o1")
	assert.ErrorIs(t, err, ErrNoPendingQuestion)

	require.NoError(t, db.SetPendingQuestion("o1", models.PendingQuestion{Question: "first?", TargetSession: "a"}))
	require.NoError(t, db.SetPendingQuestion("o1", models.PendingQuestion{Question: "second?", TargetSession: "b"}))

	o, err := db.GetOrchestrator("o1")
	require.NoError(t, err)
	require.NotNil(t, o.PendingQuestion)
	assert.Equal(t, "second?", o.PendingQuestion.Question)
	assert.Equal(t, "b", o.PendingQuestion.TargetSession)
	assert.False(t, o.PendingQuestion.AskedAt.IsZero())

	q, err := db.TakePendingQuestion("o1")
	require.NoError(t, err)
	assert.Equal(t, "second?", q.Question)

	_, err = db.TakePendingQuestion("o1")
	assert.ErrorIs(t, err, ErrNoPendingQuestion)

	require.NoError(t, db.RestorePendingQuestion("o1", *q))
	require.NoError(t, db.RestorePendingQuestion("o1", models.PendingQuestion{Question: "older?", TargetSession: "a", AskedAt: time.Now()}))
	o, err = db.GetOrchestrator("o1")
	require.NoError(t, err)
	assert.Equal(t, "second?", o.PendingQuestion.Question, "restore must not overwrite a pending question")
}

func TestActivateIfIdle(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.CreateOrchestrator(newOrchestrator("o1")))

	ok, err := db.ActivateIfIdle("o1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.ActivateIfIdle("o1")
	require.NoError(t, err)
	assert.False(t, ok, "already active")

	require.NoError(t, db.SetOrchestratorStatus("o1", models.OrchestratorPaused))
	ok, err = db.ActivateIfIdle("o1")
	require.NoError(t, err)
	assert.False(t, ok, "paused orchestrators are not implicitly activated")

	assert.Error(t, db.SetOrchestratorStatus("o1", "deleted"))
}

func TestTransitionStatus_OnlyFromExpected(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.CreateOrchestrator(newOrchestrator("o1")))
	require.NoError(t, db.SetOrchestratorStatus("o1", models.OrchestratorPaused))

	ok, err := db.TransitionStatus("o1", models.OrchestratorIdle, models.OrchestratorActive)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := db.GetOrchestrator("o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrchestratorPaused, got.Status)

	ok, err = db.TransitionStatus("o1", models.OrchestratorPaused, models.OrchestratorActive)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = db.TransitionStatus("o1", models.OrchestratorActive, "deleted")
	assert.Error(t, err)
}

func TestHistory_RecentIsOldestFirst(t *testing.T) {
	db := setupTestDB(t)
	addSessions(t, db, "a")

	for i := 0; i < 15; i++ {
		require.NoError(t, db.AppendMessage("a", models.Message{
			Role:   models.RoleAssistant,
			Text:   fmt.Sprintf("m%d", i),
			Source: models.SourceAgent,
		}))
	}

	msgs, err := db.RecentMessages("a", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	assert.Equal(t, "m5", msgs[0].Text)
	assert.Equal(t, "m14", msgs[9].Text)

	all, err := db.RecentMessages("a", 0)
	require.NoError(t, err)
	assert.Len(t, all, 15)

	n, err := db.CountMessages("a")
	require.NoError(t, err)
	assert.Equal(t, 15, n)

	assert.Error(t, db.AppendMessage("a", models.Message{Role: "robot", Text: "x"}))
}

func TestRecordDecision_CapsLog(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.CreateOrchestrator(newOrchestrator("o1")))

	for i := 0; i < MaxDecisionRecords+5; i++ {
		require.NoError(t, db.RecordDecision(&models.DecisionRecord{
			OrchestratorID: "o1",
			Action:         string(models.ActionWait),
			Reason:         fmt.Sprintf("r%d", i),
		}))
	}

	recs, err := db.ListDecisions("o1", 0)
	require.NoError(t, err)
	require.Len(t, recs, MaxDecisionRecords)
	assert.Equal(t, "r5", recs[0].Reason)
	assert.Equal(t, fmt.Sprintf("r%d", MaxDecisionRecords+4), recs[len(recs)-1].Reason)

	o, err := db.GetOrchestrator("o1")
	require.NoError(t, err)
	assert.Equal(t, "wait", o.LastAction)
	assert.NotNil(t, o.LastDecisionAt)
}

func TestRepairOwnership(t *testing.T) {
	db := setupTestDB(t)
	addSessions(t, db, "a", "b")
	require.NoError(t, db.CreateOrchestrator(newOrchestrator("o1", "a")))

	_, err := db.Exec(`UPDATE sessions SET orchestrator_id = NULL WHERE name = 'a'`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE sessions SET orchestrator_id = 'o1' WHERE name = 'b'`)
	require.NoError(t, err)

	mismatches, err := db.CheckOwnership()
	require.NoError(t, err)
	assert.Len(t, mismatches, 2)

	fixed, err := db.RepairOwnership()
	require.NoError(t, err)
	assert.Equal(t, 2, fixed)
	assertConsistent(t, db)
}
