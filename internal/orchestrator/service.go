package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/bildir/internal/logging"
	"github.com/ShayCichocki/bildir/internal/runner"
	"github.com/ShayCichocki/bildir/internal/state"
	"github.com/ShayCichocki/bildir/pkg/models"
)

// ServiceStore is the persistence the lifecycle service needs.
type ServiceStore interface {
	state.SessionDirectory
	state.OrchestratorStore
	state.HistoryStore
	state.DecisionLog
}

// ProviderChecker reports whether a provider name can run prompts.
type ProviderChecker interface {
	Has(name string) bool
}

// ServiceConfig holds lifecycle defaults.
type ServiceConfig struct {
	// DefaultProvider is used when a new orchestrator names none.
	DefaultProvider string
	// Kickoff sends the worker prompt to empty sessions on Start.
	Kickoff bool
}

// Service exposes the orchestrator lifecycle: create, assign, start,
// pause, resume, delete and the human response channel.
type Service struct {
	store     ServiceStore
	submit    Submitter
	actions   *ActionExecutor
	providers ProviderChecker
	defaults  *PromptDefaults
	cfg       ServiceConfig
	logger    *slog.Logger
}

// NewService creates a lifecycle service. providers may be nil to skip
// provider validation.
func NewService(store ServiceStore, submit Submitter, actions *ActionExecutor, providers ProviderChecker, defaults *PromptDefaults, cfg ServiceConfig, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		submit:    submit,
		actions:   actions,
		providers: providers,
		defaults:  defaults,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateParams describes a new orchestrator.
type CreateParams struct {
	Name       string
	Provider   string
	Goal       string
	WorkDir    string
	Rules      string
	BasePrompt string
	Sessions   []string
}

// Create validates p and stores a new idle orchestrator with its sessions
// assigned. Either every session is assigned or nothing is created.
func (s *Service) Create(p CreateParams) (*models.Orchestrator, error) {
	if err := models.ValidateName(p.Name); err != nil {
		return nil, fmt.Errorf("orchestrator name: %w", err)
	}
	prov := p.Provider
	if prov == "" {
		prov = s.cfg.DefaultProvider
	}
	if err := s.checkProvider(prov); err != nil {
		return nil, err
	}

	o := &models.Orchestrator{
		ID:              uuid.NewString(),
		Name:            p.Name,
		Provider:        prov,
		ManagedSessions: p.Sessions,
		WorkDir:         p.WorkDir,
		Status:          models.OrchestratorIdle,
		CreatedAt:       time.Now(),
		Goal:            strings.TrimSpace(p.Goal),
		Rules:           strings.TrimSpace(p.Rules),
		BasePrompt:      strings.TrimSpace(p.BasePrompt),
	}
	if err := s.store.CreateOrchestrator(o); err != nil {
		return nil, err
	}
	logging.WithOrchestrator(s.logger, o.ID).Info("orchestrator created",
		"name", o.Name, "provider", o.Provider, "sessions", len(o.ManagedSessions))
	return s.store.GetOrchestrator(o.ID)
}

// Update replaces the descriptive fields of an existing orchestrator.
func (s *Service) Update(o *models.Orchestrator) error {
	if err := models.ValidateName(o.Name); err != nil {
		return fmt.Errorf("orchestrator name: %w", err)
	}
	if err := s.checkProvider(o.Provider); err != nil {
		return err
	}
	return s.store.UpdateOrchestrator(o)
}

func (s *Service) checkProvider(name string) error {
	if name == "" {
		return errors.New("provider is required")
	}
	if s.providers != nil && !s.providers.Has(name) {
		return fmt.Errorf("unknown provider %q", name)
	}
	return nil
}

// Get resolves ref as an id, then as a name.
func (s *Service) Get(ref string) (*models.Orchestrator, error) {
	o, err := s.store.GetOrchestrator(ref)
	if err != nil {
		return nil, err
	}
	if o == nil {
		if o, err = s.store.GetOrchestratorByName(ref); err != nil {
			return nil, err
		}
	}
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return o, nil
}

// List returns every orchestrator.
func (s *Service) List() ([]models.Orchestrator, error) {
	return s.store.ListOrchestrators()
}

// Decisions returns the newest decision log entries, oldest first.
func (s *Service) Decisions(ref string, limit int) ([]models.DecisionRecord, error) {
	o, err := s.Get(ref)
	if err != nil {
		return nil, err
	}
	return s.store.ListDecisions(o.ID, limit)
}

// Assign adds sessions to the orchestrator. Sessions owned elsewhere are
// rejected with ErrOwnershipConflict and nothing changes.
func (s *Service) Assign(ref string, sessions []string) error {
	o, err := s.Get(ref)
	if err != nil {
		return err
	}
	return s.store.AssignSessions(o.ID, sessions)
}

// Unassign releases sessions the orchestrator manages.
func (s *Service) Unassign(ref string, sessions []string) error {
	o, err := s.Get(ref)
	if err != nil {
		return err
	}
	for _, name := range sessions {
		if !o.Manages(name) {
			return fmt.Errorf("session %q is not managed by %s", name, o.Name)
		}
	}
	for _, name := range sessions {
		if err := s.store.SetOwner(name, ""); err != nil {
			return err
		}
	}
	return nil
}

// Start activates an idle orchestrator and, when enabled, kicks off its
// sessions that have no history yet. Starting an active orchestrator only
// repeats the kickoff check.
func (s *Service) Start(ref string) ([]*runner.Job, error) {
	o, err := s.Get(ref)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case models.OrchestratorPaused:
		return nil, fmt.Errorf("%w: %s is paused, resume it instead", ErrInvalidTransition, o.Name)
	case models.OrchestratorIdle:
		ok, err := s.store.TransitionStatus(o.ID, models.OrchestratorIdle, models.OrchestratorActive)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Changed since it was read; only a concurrent activation is fine.
			if o, err = s.Get(o.ID); err != nil {
				return nil, err
			}
			if o.Status != models.OrchestratorActive {
				return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, o.Name, o.Status)
			}
			break
		}
		o.Status = models.OrchestratorActive
		logging.WithOrchestrator(s.logger, o.ID).Info("orchestrator started")
	}
	if !s.cfg.Kickoff {
		return nil, nil
	}
	return s.Kickoff(o)
}

// Pause stops new decisions. In-flight prompts keep running.
func (s *Service) Pause(ref string) error {
	return s.transition(ref, models.OrchestratorActive, models.OrchestratorPaused)
}

// Resume re-enables decisions on a paused orchestrator.
func (s *Service) Resume(ref string) error {
	return s.transition(ref, models.OrchestratorPaused, models.OrchestratorActive)
}

func (s *Service) transition(ref string, from, to models.OrchestratorStatus) error {
	o, err := s.Get(ref)
	if err != nil {
		return err
	}
	if o.Status != from {
		return fmt.Errorf("%w: %s is %s, not %s", ErrInvalidTransition, o.Name, o.Status, from)
	}
	ok, err := s.store.TransitionStatus(o.ID, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is no longer %s", ErrInvalidTransition, o.Name, from)
	}
	logging.WithOrchestrator(s.logger, o.ID).Info("orchestrator status changed", "from", from, "to", to)
	return nil
}

// Delete unassigns every managed session and removes the orchestrator.
func (s *Service) Delete(ref string) error {
	o, err := s.Get(ref)
	if err != nil {
		return err
	}
	if err := s.store.DeleteOrchestrator(o.ID); err != nil {
		return err
	}
	logging.WithOrchestrator(s.logger, o.ID).Info("orchestrator deleted", "sessions", len(o.ManagedSessions))
	return nil
}

// Respond answers the orchestrator's pending question.
func (s *Service) Respond(ref, text string) (*runner.Job, error) {
	o, err := s.Get(ref)
	if err != nil {
		return nil, err
	}
	return s.actions.Respond(o.ID, text)
}

// SendPrompt submits a human prompt to a session. A human prompt to a
// session managed by an idle orchestrator activates it.
func (s *Service) SendPrompt(session, text string) (*runner.Job, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("prompt is empty")
	}
	sess, err := s.store.GetSession(session)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %q", runner.ErrUnknownSession, session)
	}
	if sess.Owned() {
		activated, err := s.store.ActivateIfIdle(sess.OrchestratorID)
		if err != nil {
			return nil, err
		}
		if activated {
			logging.WithOrchestrator(s.logger, sess.OrchestratorID).Info("orchestrator activated by human prompt", "session", session)
		}
	}
	return s.submit.Submit(runner.Prompt{
		Session: session,
		Text:    text,
		Role:    models.RoleUser,
		Source:  models.SourceHuman,
	})
}

// Kickoff sends the worker prompt to every managed session that has no
// history and was never kicked off before.
func (s *Service) Kickoff(o *models.Orchestrator) ([]*runner.Job, error) {
	done, err := s.kickedOff(o.ID)
	if err != nil {
		return nil, err
	}
	role := InferRole(o.Goal)
	template := s.defaults.WorkerPrompt()

	var jobs []*runner.Job
	var errs []error
	for _, name := range o.ManagedSessions {
		if done[name] {
			continue
		}
		n, err := s.store.CountMessages(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			continue
		}
		wd, err := s.store.WorkDir(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		job, err := s.actions.Kickoff(o, name, KickoffPrompt(template, o.Goal, role, wd))
		if err != nil {
			errs = append(errs, fmt.Errorf("kickoff %s: %w", name, err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Join(errs...)
}

func (s *Service) kickedOff(id string) (map[string]bool, error) {
	recs, err := s.store.ListDecisions(id, 0)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool)
	for _, r := range recs {
		if r.Action == LogActionKickoff {
			done[r.TargetSession] = true
		}
	}
	return done, nil
}
