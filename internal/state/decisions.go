package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/bildir/pkg/models"
)

// MaxDecisionRecords caps the decision log kept per orchestrator.
const MaxDecisionRecords = 200

// RecordDecision appends rec to the orchestrator's decision log, trims the
// log to MaxDecisionRecords and updates last_action and last_decision_at.
func (db *DB) RecordDecision(rec *models.DecisionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO orchestrator_decisions
				(orchestrator_id, trigger_session, action, target_session, text, reason, raw, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.OrchestratorID, rec.TriggerSession, rec.Action, rec.TargetSession,
			rec.Text, rec.Reason, rec.Raw, formatTime(rec.CreatedAt))
		if err != nil {
			return fmt.Errorf("record decision: %w", err)
		}
		if rec.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("record decision: %w", err)
		}

		if _, err := tx.Exec(`
			DELETE FROM orchestrator_decisions
			WHERE orchestrator_id = ? AND id NOT IN (
				SELECT id FROM orchestrator_decisions WHERE orchestrator_id = ? ORDER BY id DESC LIMIT ?
			)
		`, rec.OrchestratorID, rec.OrchestratorID, MaxDecisionRecords); err != nil {
			return fmt.Errorf("trim decisions: %w", err)
		}

		res, err = tx.Exec(`UPDATE orchestrators SET last_action = ?, last_decision_at = ? WHERE id = ?`,
			rec.Action, formatTime(rec.CreatedAt), rec.OrchestratorID)
		if err != nil {
			return fmt.Errorf("update last action: %w", err)
		}
		return requireAffected(res, "orchestrator", rec.OrchestratorID)
	})
}

// ListDecisions returns up to limit of the newest records, oldest first.
func (db *DB) ListDecisions(orchestratorID string, limit int) ([]models.DecisionRecord, error) {
	if limit <= 0 {
		limit = MaxDecisionRecords
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT id, orchestrator_id, trigger_session, action, target_session, text, reason, raw, created_at
		FROM (
			SELECT * FROM orchestrator_decisions WHERE orchestrator_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, orchestratorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []models.DecisionRecord
	for rows.Next() {
		var r models.DecisionRecord
		var createdAt string
		if err := rows.Scan(&r.ID, &r.OrchestratorID, &r.TriggerSession, &r.Action, &r.TargetSession,
			&r.Text, &r.Reason, &r.Raw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		r.CreatedAt, _ = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
