package store

import (
	"encoding/json"
	"fmt"

	"correo/internal/types"
)

// InsertMatchException records a partial match for manual reconciliation.
func (s *Store) InsertMatchException(e *types.MatchException) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflictsJSON, err := json.Marshal(e.Conflicts)
	if err != nil {
		return fmt.Errorf("failed to encode conflicts: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO match_exceptions (project_id, session_id, account, code, conflicts_json)
		 VALUES (?, ?, ?, ?, ?)`,
		e.ProjectID, e.SessionID, e.Account, e.Code, string(conflictsJSON))
	if err != nil {
		return fmt.Errorf("failed to insert match exception: %w", err)
	}
	return nil
}

// ExceptionsBySession returns the recorded partial-match exceptions of a
// session, oldest first.
func (s *Store) ExceptionsBySession(sessionID string) ([]types.MatchException, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, session_id, COALESCE(account, ''), COALESCE(code, ''),
		        COALESCE(conflicts_json, ''), created_at
		 FROM match_exceptions WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query exceptions for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []types.MatchException
	for rows.Next() {
		var e types.MatchException
		var conflictsJSON string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.SessionID, &e.Account, &e.Code,
			&conflictsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if conflictsJSON != "" {
			if err := json.Unmarshal([]byte(conflictsJSON), &e.Conflicts); err != nil {
				return nil, fmt.Errorf("corrupt conflicts for exception %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
