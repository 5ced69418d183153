package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ShayCichocki/bildir/internal/logging"
	"github.com/ShayCichocki/bildir/internal/provider"
	"github.com/ShayCichocki/bildir/pkg/models"
)

// Verdict is the outcome of one decision step.
type Verdict struct {
	Decision models.Decision
	// Raw is the decision maker's reply, empty when it never answered.
	Raw string
	// Err is why the decision degraded to wait, if it did.
	Err error
}

// Engine produces one decision per trigger. Implementations never fail:
// anything unusable degrades to a wait verdict.
type Engine interface {
	Decide(ctx context.Context, in DecisionInput) Verdict
}

// ConversationStore persists the decision maker's own resume identifier.
type ConversationStore interface {
	SetOrchestratorConversationID(id, conversationID string) error
}

// ProviderEngine asks the orchestrator's own provider for a decision.
type ProviderEngine struct {
	exec     provider.Executor
	store    ConversationStore
	defaults *PromptDefaults
	timeout  time.Duration
	logger   *slog.Logger
}

// NewProviderEngine creates an engine. timeout bounds each decision call.
func NewProviderEngine(exec provider.Executor, store ConversationStore, defaults *PromptDefaults, timeout time.Duration, logger *slog.Logger) *ProviderEngine {
	return &ProviderEngine{
		exec:     exec,
		store:    store,
		defaults: defaults,
		timeout:  timeout,
		logger:   logger,
	}
}

// Decide builds the brief, runs it and parses the reply.
func (e *ProviderEngine) Decide(ctx context.Context, in DecisionInput) Verdict {
	o := in.Orchestrator
	log := logging.WithOrchestrator(e.logger, o.ID).With("trigger", in.Trigger)

	res, err := e.exec.Run(ctx, provider.Request{
		Provider: o.Provider,
		Prompt:   BuildBrief(in, e.defaults),
		ResumeID: o.ConversationID,
		WorkDir:  o.WorkDir,
		Timeout:  e.timeout,
	})
	if err != nil {
		log.Warn("decision call failed", "error", err)
		return Verdict{Decision: models.Wait("decision call failed"), Err: err}
	}

	// The decision maker's conversation only ever grows.
	if res.ResumeID != "" && res.ResumeID != o.ConversationID {
		if err := e.store.SetOrchestratorConversationID(o.ID, res.ResumeID); err != nil {
			log.Error("store orchestrator conversation id", "error", err)
		} else {
			o.ConversationID = res.ResumeID
		}
	}

	d, err := ParseDecision(res.Text, o, in.Trigger)
	if err != nil {
		var target *InvalidTargetSession
		if errors.As(err, &target) {
			log.Warn("decision targets unmanaged session", "target", target.Target, "action", target.Action)
		} else {
			log.Warn("unparseable decision", "error", err)
		}
		return Verdict{Decision: models.Wait(err.Error()), Raw: res.Text, Err: err}
	}
	return Verdict{Decision: d, Raw: res.Text}
}

var _ Engine = (*ProviderEngine)(nil)
