package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/ShayCichocki/bildir/internal/event"
	"github.com/ShayCichocki/bildir/internal/logging"
	"github.com/ShayCichocki/bildir/internal/runner"
	"github.com/ShayCichocki/bildir/pkg/models"
)

// DefaultHistoryLimit is how many trigger session messages a brief carries.
const DefaultHistoryLimit = 10

// DefaultSubscriptionBuffer is the supervisor's event queue size.
const DefaultSubscriptionBuffer = 1024

// DefaultRecoveryInterval is how often the supervisor checks whether its
// subscription dropped events.
const DefaultRecoveryInterval = 30 * time.Second

// Subscriber is the event bus as seen by the supervisor.
type Subscriber interface {
	Subscribe(buffer int) *event.Subscription
	Unsubscribe(sub *event.Subscription)
}

// SupervisorStore is the read side the supervisor needs.
type SupervisorStore interface {
	GetSession(name string) (*models.Session, error)
	GetOrchestrator(id string) (*models.Orchestrator, error)
	ListOrchestrators() ([]models.Orchestrator, error)
	RecentMessages(session string, limit int) ([]models.Message, error)
	WorkDir(name string) (string, error)
}

// IdleChecker reports a session's live status.
type IdleChecker interface {
	Current(session string) models.SessionStatus
}

// Applier carries out verdicts.
type Applier interface {
	Apply(ctx context.Context, o *models.Orchestrator, trigger string, v Verdict) (*runner.Job, error)
}

// CycleResult describes one completed decide and apply step.
type CycleResult struct {
	OrchestratorID string
	Trigger        string
	Verdict        Verdict
	// Job tracks the injected prompt for inject_prompt verdicts.
	Job *runner.Job
	Err error
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithHistoryLimit sets how many recent messages each brief carries.
func WithHistoryLimit(n int) SupervisorOption {
	return func(s *Supervisor) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithSubscriptionBuffer sets the event subscription buffer.
func WithSubscriptionBuffer(n int) SupervisorOption {
	return func(s *Supervisor) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithRecovery makes the supervisor sweep for missed idle transitions every
// interval, but only after its subscription has dropped events. The sweep
// triggers a cycle for each idle managed session of an active orchestrator
// whose newest message is later than the orchestrator's last decision.
func WithRecovery(idle IdleChecker, interval time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if interval > 0 {
			s.idle = idle
			s.recoverEvery = interval
		}
	}
}

// WithCycleHook registers fn to run after every cycle, on the actor goroutine.
func WithCycleHook(fn func(CycleResult)) SupervisorOption {
	return func(s *Supervisor) { s.onCycle = fn }
}

// mailbox is one orchestrator's queue of trigger sessions.
type mailbox struct {
	triggers []string
}

// Supervisor reacts to sessions going idle by running decision cycles on
// their owning orchestrator. Each orchestrator has its own actor, so its
// cycles never overlap while different orchestrators run in parallel.
type Supervisor struct {
	bus          Subscriber
	store        SupervisorStore
	engine       Engine
	actions      Applier
	logger       *slog.Logger
	historyLimit int
	buffer       int
	onCycle      func(CycleResult)
	idle         IdleChecker
	recoverEvery time.Duration
	lastDropped  uint64

	mu      sync.Mutex
	actors  map[string]*mailbox
	stopped bool
	wg      conc.WaitGroup
}

// NewSupervisor creates a supervisor. Call Run to start it.
func NewSupervisor(bus Subscriber, store SupervisorStore, engine Engine, actions Applier, logger *slog.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		bus:          bus,
		store:        store,
		engine:       engine,
		actions:      actions,
		logger:       logger,
		historyLimit: DefaultHistoryLimit,
		buffer:       DefaultSubscriptionBuffer,
		actors:       make(map[string]*mailbox),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes bus events until ctx is done or the bus closes, then waits
// for running cycles to finish.
func (s *Supervisor) Run(ctx context.Context) error {
	sub := s.bus.Subscribe(s.buffer)
	defer s.bus.Unsubscribe(sub)
	defer s.shutdown()

	var tick <-chan time.Time
	if s.idle != nil {
		ticker := time.NewTicker(s.recoverEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	s.logger.Info("supervisor started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			s.handle(ctx, e)
		case <-tick:
			s.recoverDropped(ctx, sub.Dropped())
		}
	}
}

// recoverDropped sweeps when dropped has grown since the last check.
func (s *Supervisor) recoverDropped(ctx context.Context, dropped uint64) {
	if dropped <= s.lastDropped {
		return
	}
	s.logger.Warn("supervisor dropped events, sweeping for idle sessions", "dropped", dropped-s.lastDropped)
	s.lastDropped = dropped
	s.sweep(ctx)
}

// sweep enqueues idle managed sessions with output newer than their
// orchestrator's last decision.
func (s *Supervisor) sweep(ctx context.Context) {
	orchestrators, err := s.store.ListOrchestrators()
	if err != nil {
		s.logger.Error("list orchestrators for sweep", "error", err)
		return
	}
	for _, o := range orchestrators {
		if o.Status != models.OrchestratorActive {
			continue
		}
		log := logging.WithOrchestrator(s.logger, o.ID)
		for _, name := range o.ManagedSessions {
			if s.idle.Current(name) != models.SessionIdle || s.queued(o.ID, name) {
				continue
			}
			last, err := s.store.RecentMessages(name, 1)
			if err != nil {
				log.Error("read newest message", "session", name, "error", err)
				continue
			}
			if len(last) == 0 {
				continue
			}
			if o.LastDecisionAt != nil && !last[0].Timestamp.After(*o.LastDecisionAt) {
				continue
			}
			log.Info("recovering missed idle", "session", name)
			s.enqueue(ctx, o.ID, name)
		}
	}
}

func (s *Supervisor) queued(orchestratorID, trigger string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.actors[orchestratorID]
	return mb != nil && slices.Contains(mb.triggers, trigger)
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("supervisor stopped")
}

// handle filters to busy to idle transitions on sessions owned by an
// active orchestrator.
func (s *Supervisor) handle(ctx context.Context, e event.Event) {
	if !e.BecameIdle() {
		return
	}
	log := logging.WithSession(s.logger, e.Session)

	sess, err := s.store.GetSession(e.Session)
	if err != nil {
		log.Error("look up idle session", "error", err)
		return
	}
	if sess == nil || !sess.Owned() {
		return
	}

	o, err := s.store.GetOrchestrator(sess.OrchestratorID)
	if err != nil {
		log.Error("look up orchestrator", "orchestrator", sess.OrchestratorID, "error", err)
		return
	}
	if o == nil || o.Status != models.OrchestratorActive {
		return
	}

	s.enqueue(ctx, o.ID, e.Session)
}

// enqueue adds a trigger to the orchestrator's mailbox, starting its actor
// if none is running.
func (s *Supervisor) enqueue(ctx context.Context, orchestratorID, trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	mb, running := s.actors[orchestratorID]
	if !running {
		mb = &mailbox{}
		s.actors[orchestratorID] = mb
	}
	mb.triggers = append(mb.triggers, trigger)
	if !running {
		s.wg.Go(func() { s.drain(ctx, orchestratorID) })
	}
}

// Pending returns how many triggers wait for the orchestrator's actor.
func (s *Supervisor) Pending(orchestratorID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mb := s.actors[orchestratorID]; mb != nil {
		return len(mb.triggers)
	}
	return 0
}

// drain is the actor loop. It exits when the mailbox is empty.
func (s *Supervisor) drain(ctx context.Context, orchestratorID string) {
	log := logging.WithOrchestrator(s.logger, orchestratorID)
	for {
		s.mu.Lock()
		mb := s.actors[orchestratorID]
		if len(mb.triggers) == 0 || ctx.Err() != nil {
			delete(s.actors, orchestratorID)
			s.mu.Unlock()
			return
		}
		trigger := mb.triggers[0]
		mb.triggers = mb.triggers[1:]
		s.mu.Unlock()

		var pc panics.Catcher
		pc.Try(func() { s.cycle(ctx, orchestratorID, trigger) })
		if r := pc.Recovered(); r != nil {
			log.Error("decision cycle panicked", "trigger", trigger, "error", r.AsError())
		}
	}
}

// cycle runs one decide and apply step. The orchestrator is re-read so a
// pause or delete that happened while the trigger was queued is honoured.
func (s *Supervisor) cycle(ctx context.Context, orchestratorID, trigger string) {
	log := logging.WithOrchestrator(s.logger, orchestratorID).With("trigger", trigger)

	o, err := s.store.GetOrchestrator(orchestratorID)
	if err != nil {
		log.Error("reload orchestrator", "error", err)
		return
	}
	if o == nil {
		log.Debug("orchestrator deleted, dropping trigger")
		return
	}
	if o.Status != models.OrchestratorActive {
		log.Debug("orchestrator not active, dropping trigger", "status", o.Status)
		return
	}
	if !o.Manages(trigger) {
		log.Debug("session no longer managed, dropping trigger")
		return
	}

	in, err := s.buildInput(o, trigger)
	if err != nil {
		log.Error("build decision context", "error", err)
		return
	}

	ctx, span := startCycleSpan(ctx, o.ID, trigger)
	v := s.engine.Decide(ctx, in)
	job, err := s.actions.Apply(ctx, o, trigger, v)
	endCycleSpan(span, v, err)

	if s.onCycle != nil {
		s.onCycle(CycleResult{
			OrchestratorID: o.ID,
			Trigger:        trigger,
			Verdict:        v,
			Job:            job,
			Err:            err,
		})
	}
}

func (s *Supervisor) buildInput(o *models.Orchestrator, trigger string) (DecisionInput, error) {
	sessions := make([]SessionContext, 0, len(o.ManagedSessions))
	for _, name := range o.ManagedSessions {
		wd, err := s.store.WorkDir(name)
		if err != nil {
			return DecisionInput{}, fmt.Errorf("workdir of %s: %w", name, err)
		}
		if wd == "" {
			wd = o.WorkDir
		}
		sessions = append(sessions, SessionContext{Name: name, WorkDir: wd, Trigger: name == trigger})
	}

	history, err := s.store.RecentMessages(trigger, s.historyLimit)
	if err != nil {
		return DecisionInput{}, fmt.Errorf("history of %s: %w", trigger, err)
	}

	return DecisionInput{
		Orchestrator: o,
		Trigger:      trigger,
		LatestOutput: LatestOutput(history),
		Sessions:     sessions,
		History:      history,
	}, nil
}
