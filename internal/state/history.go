package state

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/bildir/pkg/models"
)

// AppendMessage appends m to the session's history.
func (db *DB) AppendMessage(session string, m models.Message) error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO messages (session_name, role, text, source, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, session, string(m.Role), m.Text, string(m.Source), formatTime(m.Timestamp))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit of the newest messages in insertion
// order, oldest first. A limit of zero or less returns the full history.
func (db *DB) RecentMessages(session string, limit int) ([]models.Message, error) {
	query := `
		SELECT role, text, source, created_at FROM (
			SELECT id, role, text, source, created_at FROM messages
			WHERE session_name = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`
	if limit <= 0 {
		limit = -1
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(query, session, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var role, source, createdAt string
		if err := rows.Scan(&role, &m.Text, &source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.MessageRole(role)
		m.Source = models.MessageSource(source)
		m.Timestamp, _ = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of messages in a session's history.
func (db *DB) CountMessages(session string) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_name = ?`, session).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
