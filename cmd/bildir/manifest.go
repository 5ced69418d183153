package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/bildir/internal/orchestrator"
	"github.com/ShayCichocki/bildir/internal/spool"
	"github.com/ShayCichocki/bildir/pkg/models"
)

// Manifest declares an orchestrator and the sessions it manages.
type Manifest struct {
	Name       string            `yaml:"name"`
	Provider   string            `yaml:"provider"`
	Goal       string            `yaml:"goal"`
	WorkDir    string            `yaml:"workdir"`
	Rules      string            `yaml:"rules"`
	BasePrompt string            `yaml:"base_prompt"`
	Start      bool              `yaml:"start"`
	Sessions   []SessionManifest `yaml:"sessions"`
}

// SessionManifest declares one managed session. Missing sessions are created.
type SessionManifest struct {
	Name     string   `yaml:"name"`
	Provider string   `yaml:"provider"`
	WorkDir  string   `yaml:"workdir"`
	Role     string   `yaml:"role"`
	Tags     []string `yaml:"tags"`
}

// ParseManifest decodes a manifest, rejecting unknown fields.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Validate checks names and rejects duplicate sessions.
func (m *Manifest) Validate() error {
	if err := models.ValidateName(m.Name); err != nil {
		return fmt.Errorf("manifest name: %w", err)
	}
	seen := make(map[string]bool, len(m.Sessions))
	for _, s := range m.Sessions {
		if err := models.ValidateName(s.Name); err != nil {
			return fmt.Errorf("manifest session: %w", err)
		}
		if seen[s.Name] {
			return fmt.Errorf("manifest session %q listed twice", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// SessionNames returns the declared session names in order.
func (m *Manifest) SessionNames() []string {
	names := make([]string, len(m.Sessions))
	for i, s := range m.Sessions {
		names[i] = s.Name
	}
	return names
}

// applyResult reports what applyManifest changed.
type applyResult struct {
	Orchestrator    *models.Orchestrator
	Created         bool
	SessionsCreated []string
	Unassigned      []string
	StartRequest    *spool.Request
}

// applyManifest makes the store match m. Relative workdirs resolve against
// baseDir. Sessions the orchestrator manages but m omits are unassigned.
func applyManifest(env *cliEnv, m *Manifest, baseDir string) (*applyResult, error) {
	res := &applyResult{}

	orchDir := ""
	if m.WorkDir != "" {
		dir, err := resolveWorkDir(relativeTo(baseDir, m.WorkDir), "")
		if err != nil {
			return nil, err
		}
		orchDir = dir
	}

	for _, sm := range m.Sessions {
		created, err := ensureManifestSession(env, sm, baseDir)
		if err != nil {
			return nil, err
		}
		if created {
			res.SessionsCreated = append(res.SessionsCreated, sm.Name)
		}
	}

	o, err := env.svc.Get(m.Name)
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		o, err = env.svc.Create(orchestrator.CreateParams{
			Name:       m.Name,
			Provider:   m.Provider,
			Goal:       m.Goal,
			WorkDir:    orchDir,
			Rules:      m.Rules,
			BasePrompt: m.BasePrompt,
			Sessions:   m.SessionNames(),
		})
		if err != nil {
			return nil, err
		}
		res.Created = true

	case err != nil:
		return nil, err

	default:
		if m.Provider != "" {
			o.Provider = m.Provider
		}
		o.Goal = m.Goal
		o.WorkDir = orchDir
		o.Rules = m.Rules
		o.BasePrompt = m.BasePrompt
		if err := env.svc.Update(o); err != nil {
			return nil, err
		}

		declared := make(map[string]bool, len(m.Sessions))
		for _, s := range m.Sessions {
			declared[s.Name] = true
		}
		for _, name := range o.ManagedSessions {
			if !declared[name] {
				res.Unassigned = append(res.Unassigned, name)
			}
		}
		if len(res.Unassigned) > 0 {
			if err := env.svc.Unassign(o.ID, res.Unassigned); err != nil {
				return nil, err
			}
		}
		if err := env.svc.Assign(o.ID, m.SessionNames()); err != nil {
			return nil, err
		}
		if o, err = env.svc.Get(o.ID); err != nil {
			return nil, err
		}
	}
	res.Orchestrator = o

	if m.Start {
		req, err := env.spool.Submit(spool.Request{Kind: spool.KindStart, Orchestrator: o.ID})
		if err != nil {
			return nil, err
		}
		res.StartRequest = &req
	}
	return res, nil
}

func ensureManifestSession(env *cliEnv, sm SessionManifest, baseDir string) (bool, error) {
	existing, err := env.db.GetSession(sm.Name)
	if err != nil {
		return false, err
	}

	prov := sm.Provider
	if prov == "" && existing != nil {
		prov = existing.Provider
	}
	if prov == "" {
		prov = env.cfg.Defaults.Provider
	}
	if !env.cfg.HasProvider(prov) {
		return false, fmt.Errorf("session %s: unknown provider %q", sm.Name, prov)
	}

	if existing == nil {
		dir, err := resolveWorkDir(relativeTo(baseDir, sm.WorkDir), env.cfg.Defaults.WorkDir)
		if err != nil {
			return false, fmt.Errorf("session %s: %w", sm.Name, err)
		}
		return true, env.db.CreateSession(&models.Session{
			Name:            sm.Name,
			Provider:        prov,
			WorkDir:         dir,
			Tags:            sm.Tags,
			RoleDescription: sm.Role,
		})
	}

	existing.Provider = prov
	if sm.WorkDir != "" {
		dir, err := resolveWorkDir(relativeTo(baseDir, sm.WorkDir), "")
		if err != nil {
			return false, fmt.Errorf("session %s: %w", sm.Name, err)
		}
		existing.WorkDir = dir
	}
	if sm.Role != "" {
		existing.RoleDescription = sm.Role
	}
	if sm.Tags != nil {
		existing.Tags = sm.Tags
	}
	return false, env.db.UpdateSession(existing)
}

func relativeTo(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}
