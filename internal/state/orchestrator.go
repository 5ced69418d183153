package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/bildir/pkg/models"
)

const orchestratorColumns = `
	id, name, provider, conversation_id, workdir, status, created_at, goal, rules, base_prompt,
	pending_question, pending_target, pending_asked_at, last_action, last_decision_at`

// CreateOrchestrator inserts the orchestrator and assigns its managed
// sessions in one transaction. Any ownership conflict rolls back everything.
func (db *DB) CreateOrchestrator(o *models.Orchestrator) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if o.Status == "" {
		o.Status = models.OrchestratorIdle
	}

	return db.Transaction(func(tx *sql.Tx) error {
		var taken int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM orchestrators WHERE id = ? OR name = ?`, o.ID, o.Name).Scan(&taken); err != nil {
			return fmt.Errorf("check orchestrator: %w", err)
		}
		if taken > 0 {
			return fmt.Errorf("create orchestrator %q: %w", o.Name, ErrAlreadyExists)
		}

		_, err := tx.Exec(`
			INSERT INTO orchestrators (id, name, provider, conversation_id, workdir, status, created_at, goal, rules, base_prompt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, o.ID, o.Name, o.Provider, o.ConversationID, o.WorkDir, string(o.Status),
			formatTime(o.CreatedAt), o.Goal, o.Rules, o.BasePrompt)
		if err != nil {
			return fmt.Errorf("create orchestrator: %w", err)
		}

		names := dedupe(o.ManagedSessions)
		for _, name := range names {
			if err := assign(tx, o.ID, name); err != nil {
				return err
			}
		}
		o.ManagedSessions = names
		return nil
	})
}

// GetOrchestrator retrieves an orchestrator by ID.
func (db *DB) GetOrchestrator(id string) (*models.Orchestrator, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return getOrchestrator(db.conn, `WHERE id = ?`, id)
}

// GetOrchestratorByName retrieves an orchestrator by name.
func (db *DB) GetOrchestratorByName(name string) (*models.Orchestrator, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return getOrchestrator(db.conn, `WHERE name = ?`, name)
}

func getOrchestrator(q queryer, where string, arg any) (*models.Orchestrator, error) {
	row := q.QueryRow(`SELECT `+orchestratorColumns+` FROM orchestrators `+where, arg)
	o, err := scanOrchestrator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get orchestrator: %w", err)
	}
	if o.ManagedSessions, err = managedSessions(q, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrchestrator(row scanner) (*models.Orchestrator, error) {
	var o models.Orchestrator
	var status, createdAt string
	var question, target, askedAt, lastDecisionAt sql.NullString
	err := row.Scan(&o.ID, &o.Name, &o.Provider, &o.ConversationID, &o.WorkDir, &status, &createdAt,
		&o.Goal, &o.Rules, &o.BasePrompt, &question, &target, &askedAt, &o.LastAction, &lastDecisionAt)
	if err != nil {
		return nil, err
	}
	o.Status = models.OrchestratorStatus(status)
	o.CreatedAt, _ = parseTime(createdAt)
	o.LastDecisionAt = parseNullableTime(lastDecisionAt)
	if question.Valid {
		q := &models.PendingQuestion{Question: question.String, TargetSession: target.String}
		if t := parseNullableTime(askedAt); t != nil {
			q.AskedAt = *t
		}
		o.PendingQuestion = q
	}
	return &o, nil
}

func managedSessions(q queryer, id string) ([]string, error) {
	rows, err := q.Query(`
		SELECT session_name FROM orchestrator_sessions WHERE orchestrator_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list managed sessions: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan managed session: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ListOrchestrators returns every orchestrator ordered by creation time.
func (db *DB) ListOrchestrators() ([]models.Orchestrator, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`SELECT ` + orchestratorColumns + ` FROM orchestrators ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list orchestrators: %w", err)
	}
	var out []models.Orchestrator
	for rows.Next() {
		o, err := scanOrchestrator(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan orchestrator: %w", err)
		}
		out = append(out, *o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orchestrators: %w", err)
	}

	for i := range out {
		if out[i].ManagedSessions, err = managedSessions(db.conn, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateOrchestrator updates the descriptive fields: name, provider,
// workdir, goal, rules and base prompt.
func (db *DB) UpdateOrchestrator(o *models.Orchestrator) error {
	res, err := db.Exec(`
		UPDATE orchestrators SET name = ?, provider = ?, workdir = ?, goal = ?, rules = ?, base_prompt = ?
		WHERE id = ?
	`, o.Name, o.Provider, o.WorkDir, o.Goal, o.Rules, o.BasePrompt, o.ID)
	if err != nil {
		return fmt.Errorf("update orchestrator: %w", err)
	}
	return requireAffected(res, "orchestrator", o.ID)
}

// AssignSessions assigns every named session to the orchestrator, or none.
func (db *DB) AssignSessions(id string, names []string) error {
	return db.Transaction(func(tx *sql.Tx) error {
		for _, name := range dedupe(names) {
			if err := assign(tx, id, name); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetOrchestratorStatus sets the supervision state.
func (db *DB) SetOrchestratorStatus(id string, status models.OrchestratorStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid orchestrator status %q", status)
	}
	res, err := db.Exec(`UPDATE orchestrators SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set orchestrator status: %w", err)
	}
	return requireAffected(res, "orchestrator", id)
}

// TransitionStatus moves the orchestrator from one status to another in a
// single conditional update. It reports false, leaving the row untouched,
// when the current status is not from.
func (db *DB) TransitionStatus(id string, from, to models.OrchestratorStatus) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("invalid orchestrator status %q", to)
	}
	res, err := db.Exec(`UPDATE orchestrators SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition orchestrator status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}

// ActivateIfIdle performs the implicit idle to active transition.
func (db *DB) ActivateIfIdle(id string) (bool, error) {
	return db.TransitionStatus(id, models.OrchestratorIdle, models.OrchestratorActive)
}

// SetOrchestratorConversationID stores the orchestrator's own resume identifier.
func (db *DB) SetOrchestratorConversationID(id, conversationID string) error {
	res, err := db.Exec(`UPDATE orchestrators SET conversation_id = ? WHERE id = ?`, conversationID, id)
	if err != nil {
		return fmt.Errorf("set orchestrator conversation id: %w", err)
	}
	return requireAffected(res, "orchestrator", id)
}

// SetPendingQuestion stores q, overwriting any question already pending.
func (db *DB) SetPendingQuestion(id string, q models.PendingQuestion) error {
	if q.AskedAt.IsZero() {
		q.AskedAt = time.Now()
	}
	res, err := db.Exec(`
		UPDATE orchestrators SET pending_question = ?, pending_target = ?, pending_asked_at = ?
		WHERE id = ?
	`, q.Question, q.TargetSession, formatTime(q.AskedAt), id)
	if err != nil {
		return fmt.Errorf("set pending question: %w", err)
	}
	return requireAffected(res, "orchestrator", id)
}

// TakePendingQuestion returns and clears the pending question.
func (db *DB) TakePendingQuestion(id string) (*models.PendingQuestion, error) {
	var out *models.PendingQuestion
	err := db.Transaction(func(tx *sql.Tx) error {
		o, err := getOrchestrator(tx, `WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if o == nil {
			return fmt.Errorf("orchestrator %q: %w", id, ErrNotFound)
		}
		if o.PendingQuestion == nil {
			return ErrNoPendingQuestion
		}
		if err := clearPendingQuestion(tx, id); err != nil {
			return err
		}
		out = o.PendingQuestion
		return nil
	})
	return out, err
}

// RestorePendingQuestion puts q back unless another question arrived meanwhile.
func (db *DB) RestorePendingQuestion(id string, q models.PendingQuestion) error {
	_, err := db.Exec(`
		UPDATE orchestrators SET pending_question = ?, pending_target = ?, pending_asked_at = ?
		WHERE id = ? AND pending_question IS NULL
	`, q.Question, q.TargetSession, formatTime(q.AskedAt), id)
	if err != nil {
		return fmt.Errorf("restore pending question: %w", err)
	}
	return nil
}

func clearPendingQuestion(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`
		UPDATE orchestrators SET pending_question = NULL, pending_target = NULL, pending_asked_at = NULL
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("clear pending question: %w", err)
	}
	return nil
}

// DeleteOrchestrator unassigns every managed session before removing the
// orchestrator, so no session is left pointing at a missing record.
func (db *DB) DeleteOrchestrator(id string) error {
	return db.Transaction(func(tx *sql.Tx) error {
		names, err := managedSessions(tx, id)
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := unassign(tx, name); err != nil {
				return err
			}
		}
		res, err := tx.Exec(`DELETE FROM orchestrators WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete orchestrator: %w", err)
		}
		return requireAffected(res, "orchestrator", id)
	})
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
