// Package spool carries requests from short-lived CLI processes to the
// running server. Requests are JSON files dropped into a directory that
// the server watches.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Kind is the request type.
type Kind string

const (
	// KindSend submits a human prompt to a session.
	KindSend Kind = "send"
	// KindRespond answers an orchestrator's pending question.
	KindRespond Kind = "respond"
	// KindStart starts an orchestrator and kicks off its sessions.
	KindStart Kind = "start"
)

// DefaultPollInterval is the safety-net rescan interval.
const DefaultPollInterval = 5 * time.Second

// Request is one spooled command.
type Request struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Session      string    `json:"session,omitempty"`
	Orchestrator string    `json:"orchestrator,omitempty"`
	Text         string    `json:"text,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks the fields required by the request kind.
func (r Request) Validate() error {
	switch r.Kind {
	case KindSend:
		if r.Session == "" || strings.TrimSpace(r.Text) == "" {
			return errors.New("send requires a session and text")
		}
	case KindRespond:
		if r.Orchestrator == "" || strings.TrimSpace(r.Text) == "" {
			return errors.New("respond requires an orchestrator and text")
		}
	case KindStart:
		if r.Orchestrator == "" {
			return errors.New("start requires an orchestrator")
		}
	default:
		return fmt.Errorf("unknown request kind %q", r.Kind)
	}
	return nil
}

// Handler processes spooled requests.
type Handler interface {
	HandleRequest(ctx context.Context, req Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) error

// HandleRequest calls f.
func (f HandlerFunc) HandleRequest(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// Spool is a request directory.
type Spool struct {
	dir          string
	pollInterval time.Duration
	logger       *slog.Logger
}

// New opens the spool at dir, creating it if needed.
func New(dir string, logger *slog.Logger) (*Spool, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &Spool{dir: dir, pollInterval: DefaultPollInterval, logger: logger}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// SetPollInterval changes the rescan interval.
func (s *Spool) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// Submit validates req and writes it to the spool. The file appears
// atomically under a name that sorts in submission order.
func (s *Spool) Submit(req Request) (Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if err := req.Validate(); err != nil {
		return req, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return req, fmt.Errorf("encode request: %w", err)
	}

	name := fmt.Sprintf("%020d-%s.json", req.CreatedAt.UnixNano(), req.ID)
	tmp := filepath.Join(s.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return req, fmt.Errorf("write request: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return req, fmt.Errorf("publish request: %w", err)
	}
	return req, nil
}

// Pending lists spooled request files in submission order.
func (s *Spool) Pending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Watch drains the spool into h until ctx is done. Requests already
// present are handled first. A periodic rescan covers missed events.
func (s *Spool) Watch(ctx context.Context, h Handler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create spool watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch spool: %w", err)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.drain(ctx, h)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 {
				s.drain(ctx, h)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("spool watcher error", "error", err)
		case <-ticker.C:
			s.drain(ctx, h)
		}
	}
}

// drain handles every pending request. Each file is removed before its
// request is handled so a request runs at most once.
func (s *Spool) drain(ctx context.Context, h Handler) {
	names, err := s.Pending()
	if err != nil {
		s.logger.Error("list spool", "error", err)
		return
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			s.logger.Error("read spooled request", "file", name, "error", err)
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Error("remove spooled request", "file", name, "error", err)
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Warn("discarding malformed request", "file", name, "error", err)
			continue
		}
		if err := req.Validate(); err != nil {
			s.logger.Warn("discarding invalid request", "id", req.ID, "error", err)
			continue
		}

		log := s.logger.With("id", req.ID, "kind", string(req.Kind))
		if err := h.HandleRequest(ctx, req); err != nil {
			log.Error("spooled request failed", "error", err)
			continue
		}
		log.Info("spooled request handled")
	}
}
