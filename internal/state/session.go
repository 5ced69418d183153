package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/bildir/pkg/models"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
	Exec(query string, args ...any) (sql.Result, error)
}

// CreateSession creates a new session.
func (db *DB) CreateSession(s *models.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.Tags = models.NormalizeTags(s.Tags)
	tags, err := json.Marshal(s.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	return db.Transaction(func(tx *sql.Tx) error {
		existing, err := getSession(tx, s.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("create session %q: %w", s.Name, ErrAlreadyExists)
		}
		_, err = tx.Exec(`
			INSERT INTO sessions (name, provider, workdir, tags, role_description, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, s.Name, s.Provider, s.WorkDir, string(tags), s.RoleDescription, formatTime(s.CreatedAt))
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		for provider, id := range s.ConversationIDs {
			if err := setConversationID(tx, s.Name, provider, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// EnsureSession returns the named session, creating it on first use.
func (db *DB) EnsureSession(name, provider, workdir string) (*models.Session, error) {
	var out *models.Session
	err := db.Transaction(func(tx *sql.Tx) error {
		s, err := getSession(tx, name)
		if err != nil {
			return err
		}
		if s != nil {
			out = s
			return nil
		}
		now := time.Now()
		_, err = tx.Exec(`
			INSERT INTO sessions (name, provider, workdir, tags, role_description, created_at)
			VALUES (?, ?, ?, '[]', '', ?)
		`, name, provider, workdir, formatTime(now))
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		out = &models.Session{
			Name:            name,
			Provider:        provider,
			WorkDir:         workdir,
			ConversationIDs: map[string]string{},
			CreatedAt:       now,
		}
		return nil
	})
	return out, err
}

// GetSession retrieves a session by name.
func (db *DB) GetSession(name string) (*models.Session, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return getSession(db.conn, name)
}

func getSession(q queryer, name string) (*models.Session, error) {
	row := q.QueryRow(`
		SELECT name, provider, workdir, COALESCE(orchestrator_id, ''), tags, role_description, created_at
		FROM sessions WHERE name = ?
	`, name)

	var s models.Session
	var tags, createdAt string
	err := row.Scan(&s.Name, &s.Provider, &s.WorkDir, &s.OrchestratorID, &tags, &s.RoleDescription, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &s.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	s.CreatedAt, _ = parseTime(createdAt)

	ids, err := conversationIDs(q, name)
	if err != nil {
		return nil, err
	}
	s.ConversationIDs = ids
	return &s, nil
}

func conversationIDs(q queryer, name string) (map[string]string, error) {
	rows, err := q.Query(`
		SELECT provider, conversation_id FROM conversation_ids WHERE session_name = ?
	`, name)
	if err != nil {
		return nil, fmt.Errorf("list conversation ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]string)
	for rows.Next() {
		var provider, id string
		if err := rows.Scan(&provider, &id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids[provider] = id
	}
	return ids, rows.Err()
}

// UpdateSession updates the mutable session fields. Ownership is not
// touched here; use SetOwner.
func (db *DB) UpdateSession(s *models.Session) error {
	s.Tags = models.NormalizeTags(s.Tags)
	tags, err := json.Marshal(s.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	res, err := db.Exec(`
		UPDATE sessions SET provider = ?, workdir = ?, tags = ?, role_description = ?
		WHERE name = ?
	`, s.Provider, s.WorkDir, string(tags), s.RoleDescription, s.Name)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireAffected(res, "session", s.Name)
}

// ListSessions returns every session ordered by name.
func (db *DB) ListSessions() ([]models.Session, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`SELECT name FROM sessions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]models.Session, 0, len(names))
	for _, name := range names {
		s, err := getSession(db.conn, name)
		if err != nil {
			return nil, err
		}
		if s != nil {
			sessions = append(sessions, *s)
		}
	}
	return sessions, nil
}

// DeleteSession removes a session and its history. Owned sessions must be
// unassigned first.
func (db *DB) DeleteSession(name string) error {
	return db.Transaction(func(tx *sql.Tx) error {
		s, err := getSession(tx, name)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("delete session %q: %w", name, ErrNotFound)
		}
		if s.Owned() {
			return fmt.Errorf("delete session %q: %w", name, ErrOwnershipConflict)
		}
		if _, err := tx.Exec(`DELETE FROM sessions WHERE name = ?`, name); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// WorkDir returns the session's working directory.
func (db *DB) WorkDir(name string) (string, error) {
	var dir string
	err := db.QueryRow(`SELECT workdir FROM sessions WHERE name = ?`, name).Scan(&dir)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("session %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get workdir: %w", err)
	}
	return dir, nil
}

// SetConversationID records the provider's resume identifier for a session.
func (db *DB) SetConversationID(name, provider, conversationID string) error {
	return db.Transaction(func(tx *sql.Tx) error {
		return setConversationID(tx, name, provider, conversationID)
	})
}

func setConversationID(q queryer, name, provider, conversationID string) error {
	_, err := q.Exec(`
		INSERT INTO conversation_ids (session_name, provider, conversation_id)
		VALUES (?, ?, ?)
		ON CONFLICT(session_name, provider) DO UPDATE SET conversation_id = excluded.conversation_id
	`, name, provider, conversationID)
	if err != nil {
		return fmt.Errorf("set conversation id: %w", err)
	}
	return nil
}

// SetOwner assigns or unassigns a single session.
func (db *DB) SetOwner(name, orchestratorID string) error {
	return db.Transaction(func(tx *sql.Tx) error {
		if orchestratorID == "" {
			return unassign(tx, name)
		}
		return assign(tx, orchestratorID, name)
	})
}

// assign links a session to an orchestrator. The session must exist and be
// unowned; both sides of the relation are written together.
func assign(tx *sql.Tx, orchestratorID, name string) error {
	s, err := getSession(tx, name)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("session %q: %w", name, ErrNotFound)
	}
	if s.OrchestratorID == orchestratorID {
		return nil
	}
	if s.Owned() {
		return fmt.Errorf("assign %q: %w", name, ErrOwnershipConflict)
	}

	var exists int
	err = tx.QueryRow(`SELECT COUNT(*) FROM orchestrators WHERE id = ?`, orchestratorID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check orchestrator: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("orchestrator %q: %w", orchestratorID, ErrNotFound)
	}

	var next int
	err = tx.QueryRow(`
		SELECT COALESCE(MAX(position), -1) + 1 FROM orchestrator_sessions WHERE orchestrator_id = ?
	`, orchestratorID).Scan(&next)
	if err != nil {
		return fmt.Errorf("next position: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO orchestrator_sessions (orchestrator_id, session_name, position) VALUES (?, ?, ?)
	`, orchestratorID, name, next); err != nil {
		return fmt.Errorf("assign session: %w", err)
	}
	if _, err := tx.Exec(`UPDATE sessions SET orchestrator_id = ? WHERE name = ?`, orchestratorID, name); err != nil {
		return fmt.Errorf("assign session: %w", err)
	}
	return nil
}

func unassign(tx *sql.Tx, name string) error {
	if _, err := tx.Exec(`DELETE FROM orchestrator_sessions WHERE session_name = ?`, name); err != nil {
		return fmt.Errorf("unassign session: %w", err)
	}
	res, err := tx.Exec(`UPDATE sessions SET orchestrator_id = NULL WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("unassign session: %w", err)
	}
	return requireAffected(res, "session", name)
}

func requireAffected(res sql.Result, kind, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
	}
	return nil
}
