package state

import (
	"database/sql"
	"fmt"
)

// OwnershipMismatch describes a session whose owner column disagrees with
// the orchestrator membership table.
type OwnershipMismatch struct {
	Session string
	// Recorded is the session's orchestrator_id column.
	Recorded string
	// Member is the orchestrator listing the session, if any.
	Member string
}

// CheckOwnership returns every session where the two sides of the
// ownership relation disagree. A consistent store returns nothing.
func (db *DB) CheckOwnership() ([]OwnershipMismatch, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return ownershipMismatches(db.conn)
}

func ownershipMismatches(q queryer) ([]OwnershipMismatch, error) {
	rows, err := q.Query(`
		SELECT s.name, COALESCE(s.orchestrator_id, ''), COALESCE(os.orchestrator_id, '')
		FROM sessions s
		LEFT JOIN orchestrator_sessions os ON os.session_name = s.name
		WHERE COALESCE(s.orchestrator_id, '') != COALESCE(os.orchestrator_id, '')
		ORDER BY s.name
	`)
	if err != nil {
		return nil, fmt.Errorf("check ownership: %w", err)
	}
	defer rows.Close()

	var out []OwnershipMismatch
	for rows.Next() {
		var m OwnershipMismatch
		if err := rows.Scan(&m.Session, &m.Recorded, &m.Member); err != nil {
			return nil, fmt.Errorf("scan ownership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RepairOwnership rewrites each mismatched session's owner column from
// the membership table and returns how many sessions were fixed. It is run
// at daemon start to recover from databases edited by hand.
func (db *DB) RepairOwnership() (int, error) {
	var fixed int
	err := db.Transaction(func(tx *sql.Tx) error {
		mismatches, err := ownershipMismatches(tx)
		if err != nil {
			return err
		}
		for _, m := range mismatches {
			if _, err := tx.Exec(`UPDATE sessions SET orchestrator_id = ? WHERE name = ?`,
				nullString(m.Member), m.Session); err != nil {
				return fmt.Errorf("repair ownership of %q: %w", m.Session, err)
			}
		}
		fixed = len(mismatches)
		return nil
	})
	return fixed, err
}
