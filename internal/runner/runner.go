// Package runner executes prompts against sessions. Each session runs at
// most one prompt at a time; further prompts wait in a per-session FIFO.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/ShayCichocki/bildir/internal/event"
	"github.com/ShayCichocki/bildir/internal/logging"
	"github.com/ShayCichocki/bildir/internal/provider"
	"github.com/ShayCichocki/bildir/pkg/models"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("runner closed")

// ErrUnknownSession is returned when submitting to a session that does not exist.
var ErrUnknownSession = errors.New("unknown session")

// Store is the persistence the runner needs.
type Store interface {
	GetSession(name string) (*models.Session, error)
	AppendMessage(session string, m models.Message) error
	SetConversationID(name, provider, conversationID string) error
}

// StatusTracker receives busy/idle transitions.
type StatusTracker interface {
	MarkBusy(session string)
	MarkIdle(session string)
}

// Publisher receives message events for live viewers.
type Publisher interface {
	Publish(e event.Event)
}

// Prompt is one unit of work for a session.
type Prompt struct {
	Session string
	Text    string
	// Role is how the prompt is recorded: user for humans, system for
	// orchestrator injections.
	Role   models.MessageRole
	Source models.MessageSource
	// Timeout overrides the runner default when positive.
	Timeout time.Duration
	// Recorded means the prompt is already in the session history.
	Recorded bool
}

// Outcome is the result of a finished job. Err is set when the provider
// failed or timed out; in that case an error message was recorded.
type Outcome struct {
	Text string
	Err  error
}

// Job tracks a submitted prompt.
type Job struct {
	Prompt  Prompt
	done    chan struct{}
	outcome Outcome
}

// Done is closed when the job has finished and the session is idle again.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Outcome returns the job result. Only valid after Done is closed.
func (j *Job) Outcome() Outcome {
	return j.outcome
}

type sessionQueue struct {
	pending []*Job
	running bool
}

// Runner owns the per-session queues.
type Runner struct {
	store          Store
	exec           provider.Executor
	tracker        StatusTracker
	pub            Publisher
	logger         *slog.Logger
	defaultTimeout time.Duration

	mu     sync.Mutex
	queues map[string]*sessionQueue
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New creates a runner. defaultTimeout applies to prompts without their own.
func New(store Store, exec provider.Executor, tracker StatusTracker, pub Publisher, defaultTimeout time.Duration, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:          store,
		exec:           exec,
		tracker:        tracker,
		pub:            pub,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		queues:         make(map[string]*sessionQueue),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Submit queues the prompt. It returns once the job is queued; the prompt
// is recorded in the session history when the job starts, so a queued
// prompt never lands ahead of the reply to the one running before it.
func (r *Runner) Submit(p Prompt) (*Job, error) {
	if p.Role == "" {
		p.Role = models.RoleUser
	}
	if p.Source == "" {
		p.Source = models.SourceHuman
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	s, err := r.store.GetSession(p.Session)
	if err != nil {
		return nil, fmt.Errorf("submit to %q: %w", p.Session, err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, p.Session)
	}

	job := &Job{Prompt: p, done: make(chan struct{})}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	q := r.queues[p.Session]
	if q == nil {
		q = &sessionQueue{}
		r.queues[p.Session] = q
	}
	q.pending = append(q.pending, job)
	if !q.running {
		q.running = true
		session := p.Session
		r.wg.Go(func() { r.drain(session) })
	}
	return job, nil
}

// Pending returns how many prompts are waiting behind the running one.
func (r *Runner) Pending(session string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q := r.queues[session]; q != nil {
		return len(q.pending)
	}
	return 0
}

// Close cancels in-flight executions and waits for workers to exit.
// Queued jobs that never started are finished with ErrClosed.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

// drain runs the session's queued jobs one at a time.
func (r *Runner) drain(session string) {
	for {
		r.mu.Lock()
		q := r.queues[session]
		if len(q.pending) == 0 {
			q.running = false
			delete(r.queues, session)
			r.mu.Unlock()
			return
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		closed := r.closed
		r.mu.Unlock()

		if closed {
			job.outcome = Outcome{Err: ErrClosed}
			close(job.done)
			continue
		}
		r.execute(job)
	}
}

// execute runs one job. The session is idle again on every return path.
func (r *Runner) execute(job *Job) {
	p := job.Prompt
	log := logging.WithSession(r.logger, p.Session)

	if !p.Recorded {
		if err := r.record(p.Session, models.Message{Role: p.Role, Text: p.Text, Source: p.Source}); err != nil {
			job.outcome = Outcome{Err: err}
			log.Error("record prompt", "error", err)
			close(job.done)
			return
		}
	}

	r.tracker.MarkBusy(p.Session)
	defer func() {
		r.tracker.MarkIdle(p.Session)
		close(job.done)
	}()

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	s, err := r.store.GetSession(p.Session)
	if err == nil && s == nil {
		err = fmt.Errorf("%w: %q", ErrUnknownSession, p.Session)
	}
	if err != nil {
		job.outcome = Outcome{Err: err}
		log.Error("load session", "error", err)
		return
	}

	start := time.Now()
	res, err := r.exec.Run(r.ctx, provider.Request{
		Provider: s.Provider,
		Prompt:   p.Text,
		ResumeID: s.ConversationID(),
		WorkDir:  s.WorkDir,
		Timeout:  timeout,
	})
	if err != nil {
		job.outcome = Outcome{Err: err}
		log.Warn("prompt failed", "provider", s.Provider, "duration", time.Since(start), "error", err)
		if recErr := r.record(p.Session, models.Message{
			Role:   models.RoleError,
			Text:   err.Error(),
			Source: models.SourceAgent,
		}); recErr != nil {
			log.Error("record error message", "error", recErr)
		}
		return
	}

	job.outcome = Outcome{Text: res.Text}
	log.Info("prompt completed", "provider", s.Provider, "duration", time.Since(start))

	if res.ResumeID != "" && res.ResumeID != s.ConversationID() {
		if err := r.store.SetConversationID(p.Session, s.Provider, res.ResumeID); err != nil {
			log.Error("store conversation id", "error", err)
		}
	}
	if err := r.record(p.Session, models.Message{
		Role:   models.RoleAssistant,
		Text:   res.Text,
		Source: models.SourceAgent,
	}); err != nil {
		log.Error("record reply", "error", err)
	}
}

// record appends a message and announces it.
func (r *Runner) record(session string, m models.Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if err := r.store.AppendMessage(session, m); err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	r.pub.Publish(event.Event{
		Type:    event.TypeSessionMessage,
		Session: session,
		Message: &m,
	})
	return nil
}
