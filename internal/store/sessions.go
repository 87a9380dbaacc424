package store

import (
	"database/sql"
	"fmt"
	"time"

	"correo/internal/logging"
	"correo/internal/types"
)

// CreateSession inserts a new session in its initial state.
func (s *Store) CreateSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Creating session %s (project=%d template=%d)",
		sess.ID, sess.ProjectID, sess.TemplateID)

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, project_id, template_id, state, delimiter, encoding)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.TemplateID, string(sess.State), sess.Delimiter, sess.Encoding,
	)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	return nil
}

// Session loads one session by id.
func (s *Store) Session(id string) (*types.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, template_id, state, delimiter, encoding,
		        COALESCE(archive_path, ''), created_at
		 FROM sessions WHERE id = ?`, id)

	var sess types.Session
	var state string
	var templateID sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.ProjectID, &templateID, &state,
		&sess.Delimiter, &sess.Encoding, &sess.ArchivePath, &sess.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	sess.TemplateID = templateID.Int64
	sess.State = types.SessionState(state)
	return &sess, nil
}

// UpdateSessionState moves a session to a new state.
func (s *Store) UpdateSessionState(id string, state types.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE sessions SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	logging.StoreDebug("Session %s -> %s", id, state)
	return nil
}

// SetSessionArchive records the packaged archive path of a session.
func (s *Store) SetSessionArchive(id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET archive_path = ? WHERE id = ?`, path, id)
	if err != nil {
		return fmt.Errorf("failed to set archive for session %s: %w", id, err)
	}
	return nil
}

// CleanupSessions removes transient rows (records, exceptions, sessions)
// older than the cutoff. Counter history is permanent and never touched.
// Returns the number of sessions removed.
func (s *Store) CleanupSessions(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin cleanup: %w", err)
	}
	defer tx.Rollback()

	cutoff := before.UTC().Format("2006-01-02 15:04:05")
	if _, err := tx.Exec(
		`DELETE FROM merged_records WHERE session_id IN
		 (SELECT id FROM sessions WHERE created_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to clean records: %w", err)
	}
	if _, err := tx.Exec(
		`DELETE FROM match_exceptions WHERE session_id IN
		 (SELECT id FROM sessions WHERE created_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to clean exceptions: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Store("Retention cleanup removed %d session(s)", n)
	}
	return int(n), nil
}
