package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/bildir/internal/event"
	"github.com/ShayCichocki/bildir/internal/logging"
	"github.com/ShayCichocki/bildir/internal/provider"
	"github.com/ShayCichocki/bildir/internal/runner"
	"github.com/ShayCichocki/bildir/internal/state"
	"github.com/ShayCichocki/bildir/internal/status"
	"github.com/ShayCichocki/bildir/pkg/models"
)

const (
	brainProvider  = "brain"
	workerProvider = "worker"
)

type backendFunc func(ctx context.Context, req provider.Request) (provider.Result, error)

func (f backendFunc) Run(ctx context.Context, req provider.Request) (provider.Result, error) {
	return f(ctx, req)
}

// scripted is a provider double. decide answers decision briefs and work
// answers session prompts; every request is recorded.
type scripted struct {
	mu        sync.Mutex
	decide    func(ctx context.Context, req provider.Request) (provider.Result, error)
	work      func(ctx context.Context, req provider.Request) (provider.Result, error)
	decisions []provider.Request
	works     []provider.Request
}

func (s *scripted) setDecide(fn func(ctx context.Context, req provider.Request) (provider.Result, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decide = fn
}

func (s *scripted) setWork(fn func(ctx context.Context, req provider.Request) (provider.Result, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.work = fn
}

func (s *scripted) registry() *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register(brainProvider, backendFunc(func(ctx context.Context, req provider.Request) (provider.Result, error) {
		s.mu.Lock()
		s.decisions = append(s.decisions, req)
		fn := s.decide
		s.mu.Unlock()
		if fn == nil {
			return provider.Result{Text: `{"action":"wait","reason":"idle"}`}, nil
		}
		return fn(ctx, req)
	}))
	reg.Register(workerProvider, backendFunc(func(ctx context.Context, req provider.Request) (provider.Result, error) {
		s.mu.Lock()
		s.works = append(s.works, req)
		fn := s.work
		s.mu.Unlock()
		if fn == nil {
			return provider.Result{Text: "ok"}, nil
		}
		return fn(ctx, req)
	}))
	return reg
}

func (s *scripted) decisionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.decisions)
}

func (s *scripted) decisionPrompt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decisions[i].Prompt
}

func (s *scripted) worksFor(workdir string) []provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []provider.Request
	for _, r := range s.works {
		if r.WorkDir == workdir {
			out = append(out, r)
		}
	}
	return out
}

type harness struct {
	db         *state.DB
	bus        *event.Bus
	tracker    *status.Tracker
	runner     *runner.Runner
	prov       *scripted
	defaults   *PromptDefaults
	actions    *ActionExecutor
	service    *Service
	supervisor *Supervisor
	cycles     chan CycleResult
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	engine        Engine
	kickoff       bool
	injectTimeout time.Duration
}

func withEngine(e Engine) harnessOption {
	return func(c *harnessConfig) { c.engine = e }
}

func withKickoff() harnessOption {
	return func(c *harnessConfig) { c.kickoff = true }
}

func withInjectTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.injectTimeout = d }
}

// newHarness wires the full engine over a temp database with sessions
// A, B and C, each on the worker provider with workdir /w/<name>.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{injectTimeout: 2 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	for _, name := range []string{"A", "B", "C"} {
		_, err := db.EnsureSession(name, workerProvider, "/w/"+name)
		require.NoError(t, err)
	}

	logger := logging.Nop()
	prov := &scripted{}
	reg := prov.registry()
	bus := event.NewBus(logger)
	tracker := status.NewTracker(db, bus, logger)
	r := runner.New(db, reg, tracker, bus, 2*time.Second, logger)
	t.Cleanup(r.Close)

	defaults := NewPromptDefaults(Prompts{})
	engine := cfg.engine
	if engine == nil {
		engine = NewProviderEngine(reg, db, defaults, 2*time.Second, logger)
	}
	actions := NewActionExecutor(db, r, bus, cfg.injectTimeout, logger)
	service := NewService(db, r, actions, reg, defaults, ServiceConfig{
		DefaultProvider: brainProvider,
		Kickoff:         cfg.kickoff,
	}, logger)

	cycles := make(chan CycleResult, 64)
	sup := NewSupervisor(bus, db, engine, actions, logger,
		WithCycleHook(func(c CycleResult) { cycles <- c }),
		WithRecovery(tracker, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sup.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, 2*time.Second, time.Millisecond)

	return &harness{
		db:         db,
		bus:        bus,
		tracker:    tracker,
		runner:     r,
		prov:       prov,
		defaults:   defaults,
		actions:    actions,
		service:    service,
		supervisor: sup,
		cycles:     cycles,
	}
}

// create makes an orchestrator on the brain provider managing sessions.
func (h *harness) create(t *testing.T, name string, sessions ...string) *models.Orchestrator {
	t.Helper()
	o, err := h.service.Create(CreateParams{
		Name:     name,
		Goal:     "ship the release",
		Sessions: sessions,
	})
	require.NoError(t, err)
	return o
}

func (h *harness) waitCycle(t *testing.T) CycleResult {
	t.Helper()
	select {
	case c := <-h.cycles:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no decision cycle")
		return CycleResult{}
	}
}

func (h *harness) noCycle(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-h.cycles:
		t.Fatalf("unexpected decision cycle for %s on %s", c.OrchestratorID, c.Trigger)
	case <-time.After(d):
	}
}

func (h *harness) history(t *testing.T, session string) []models.Message {
	t.Helper()
	msgs, err := h.db.RecentMessages(session, 0)
	require.NoError(t, err)
	return msgs
}

func waitJob(t *testing.T, job *runner.Job) runner.Outcome {
	t.Helper()
	require.NotNil(t, job)
	select {
	case <-job.Done():
		return job.Outcome()
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
		return runner.Outcome{}
	}
}

// once returns fn's reply for the first call and a wait decision after.
func once(reply string) func(context.Context, provider.Request) (provider.Result, error) {
	var mu sync.Mutex
	used := false
	return func(context.Context, provider.Request) (provider.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if used {
			return provider.Result{Text: `{"action":"wait"}`}, nil
		}
		used = true
		return provider.Result{Text: reply}, nil
	}
}
