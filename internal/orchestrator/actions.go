package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ShayCichocki/bildir/internal/event"
	"github.com/ShayCichocki/bildir/internal/logging"
	"github.com/ShayCichocki/bildir/internal/runner"
	"github.com/ShayCichocki/bildir/pkg/models"
)

// Decision log entries that are not decision actions.
const (
	LogActionKickoff = "kickoff"
	LogActionRespond = "respond"
)

// Submitter queues prompts on sessions.
type Submitter interface {
	Submit(p runner.Prompt) (*runner.Job, error)
}

// Publisher receives orchestration events.
type Publisher interface {
	Publish(e event.Event)
}

// ActionStore is the persistence the action executor needs.
type ActionStore interface {
	SetPendingQuestion(id string, q models.PendingQuestion) error
	TakePendingQuestion(id string) (*models.PendingQuestion, error)
	RestorePendingQuestion(id string, q models.PendingQuestion) error
	RecordDecision(rec *models.DecisionRecord) error
}

// ActionExecutor applies decisions.
type ActionExecutor struct {
	store         ActionStore
	submit        Submitter
	pub           Publisher
	injectTimeout time.Duration
	logger        *slog.Logger
}

// NewActionExecutor creates an executor. injectTimeout bounds each
// injected prompt's execution.
func NewActionExecutor(store ActionStore, submit Submitter, pub Publisher, injectTimeout time.Duration, logger *slog.Logger) *ActionExecutor {
	return &ActionExecutor{
		store:         store,
		submit:        submit,
		pub:           pub,
		injectTimeout: injectTimeout,
		logger:        logger,
	}
}

// Apply carries out v.Decision for o. For inject_prompt the returned job
// tracks the injected prompt; it is nil otherwise. The injection itself
// runs on the session runner and Apply does not wait for it.
func (a *ActionExecutor) Apply(ctx context.Context, o *models.Orchestrator, trigger string, v Verdict) (*runner.Job, error) {
	d := v.Decision
	log := logging.WithOrchestrator(a.logger, o.ID).With("trigger", trigger, "action", string(d.Action))

	var (
		job *runner.Job
		err error
	)
	switch d.Action {
	case models.ActionWait:
		log.Info("waiting", "reason", d.Reason)

	case models.ActionInjectPrompt:
		job, err = a.inject(o, d.TargetSession, d.Prompt)
		if err != nil {
			log.Error("inject prompt", "target", d.TargetSession, "error", err)
		} else {
			log.Info("injected prompt", "target", d.TargetSession)
		}

	case models.ActionAskHuman:
		q := models.PendingQuestion{
			Question:      d.Question,
			TargetSession: d.TargetSession,
			AskedAt:       time.Now(),
		}
		if err = a.store.SetPendingQuestion(o.ID, q); err != nil {
			log.Error("store pending question", "error", err)
		} else {
			a.pub.Publish(event.Event{
				Type:           event.TypeOrchestratorQuestion,
				Session:        q.TargetSession,
				OrchestratorID: o.ID,
				Question:       &q,
				Timestamp:      q.AskedAt,
			})
			log.Info("asked human", "target", q.TargetSession)
		}

	default:
		err = fmt.Errorf("unknown action %q", d.Action)
	}

	a.record(log, &models.DecisionRecord{
		OrchestratorID: o.ID,
		TriggerSession: trigger,
		Action:         string(d.Action),
		TargetSession:  d.TargetSession,
		Text:           decisionText(d),
		Reason:         d.Reason,
		Raw:            v.Raw,
	})
	a.pub.Publish(event.Event{
		Type:           event.TypeOrchestratorDecision,
		Session:        trigger,
		OrchestratorID: o.ID,
		Decision:       &d,
		Timestamp:      time.Now(),
	})
	return job, err
}

// Respond answers the pending question by injecting text into the session
// the question was about. The question is cleared exactly once; if the
// injection cannot be queued it is put back.
func (a *ActionExecutor) Respond(orchestratorID, text string) (*runner.Job, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("response text is empty")
	}

	q, err := a.store.TakePendingQuestion(orchestratorID)
	if err != nil {
		return nil, err
	}

	job, err := a.submit.Submit(runner.Prompt{
		Session: q.TargetSession,
		Text:    text,
		Role:    models.RoleUser,
		Source:  models.SourceHuman,
		Timeout: a.injectTimeout,
	})
	if err != nil {
		if rerr := a.store.RestorePendingQuestion(orchestratorID, *q); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, fmt.Errorf("respond to %s: %w", q.TargetSession, err)
	}

	log := logging.WithOrchestrator(a.logger, orchestratorID)
	log.Info("human responded", "target", q.TargetSession)
	a.record(log, &models.DecisionRecord{
		OrchestratorID: orchestratorID,
		Action:         LogActionRespond,
		TargetSession:  q.TargetSession,
		Text:           text,
		Reason:         q.Question,
	})
	return job, nil
}

// Kickoff sends the opening prompt to a managed session.
func (a *ActionExecutor) Kickoff(o *models.Orchestrator, session, prompt string) (*runner.Job, error) {
	job, err := a.inject(o, session, prompt)
	if err != nil {
		return nil, err
	}
	log := logging.WithOrchestrator(a.logger, o.ID)
	log.Info("kicked off session", "session", session)
	a.record(log, &models.DecisionRecord{
		OrchestratorID: o.ID,
		Action:         LogActionKickoff,
		TargetSession:  session,
		Text:           prompt,
	})
	return job, nil
}

// inject queues prompt on target exactly like a human prompt. It is
// recorded as an orchestrator system message when it starts.
func (a *ActionExecutor) inject(o *models.Orchestrator, target, prompt string) (*runner.Job, error) {
	return a.submit.Submit(runner.Prompt{
		Session: target,
		Text:    prompt,
		Role:    models.RoleSystem,
		Source:  o.Source(),
		Timeout: a.injectTimeout,
	})
}

func (a *ActionExecutor) record(log *slog.Logger, rec *models.DecisionRecord) {
	if err := a.store.RecordDecision(rec); err != nil {
		log.Error("record decision", "error", err)
	}
}

func decisionText(d models.Decision) string {
	switch d.Action {
	case models.ActionInjectPrompt:
		return d.Prompt
	case models.ActionAskHuman:
		return d.Question
	default:
		return ""
	}
}
