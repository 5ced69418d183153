// Package provider runs prompts against external agents. The orchestration
// core sees it as one blocking call with a timeout that returns text and an
// opaque resume id.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrTimeout is returned when a prompt exceeds its timeout.
var ErrTimeout = errors.New("prompt execution timed out")

// ErrUnknownProvider is returned for provider names with no backend.
var ErrUnknownProvider = errors.New("unknown provider")

// ProviderError reports a failed prompt execution.
type ProviderError struct {
	Provider string
	// Detail is a short excerpt of what the provider reported.
	Detail string
	Err    error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s failed", e.Provider)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Request is one prompt execution.
type Request struct {
	Provider string
	Prompt   string
	// ResumeID continues an earlier conversation when non-empty.
	ResumeID string
	WorkDir  string
	// Timeout bounds the call; zero means no bound beyond ctx.
	Timeout time.Duration
}

// Result is the outcome of a successful execution.
type Result struct {
	Text string
	// ResumeID is the conversation id to use next time. Empty means the
	// provider reported none and the previous id should be kept.
	ResumeID string
}

// Executor runs prompts.
type Executor interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Backend runs prompts for one provider. Backends do not apply timeouts.
type Backend interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Registry dispatches requests to backends by provider name and enforces
// the request timeout.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds or replaces the backend for name.
func (r *Registry) Register(name string, b Backend) {
	r.backends[name] = b
}

// Has reports whether name has a backend.
func (r *Registry) Has(name string) bool {
	_, ok := r.backends[name]
	return ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes req. A deadline hit maps to ErrTimeout; any other failure
// is a *ProviderError.
func (r *Registry) Run(ctx context.Context, req Request) (Result, error) {
	b, ok := r.backends[req.Provider]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	res, err := b.Run(runCtx, req)
	if err == nil {
		return res, nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Result{}, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return Result{}, err
	}
	return Result{}, &ProviderError{Provider: req.Provider, Err: err}
}

var _ Executor = (*Registry)(nil)
