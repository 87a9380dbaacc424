package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"correo/internal/logging"
	"correo/internal/types"
)

// InsertRecords stores a batch of merged records in one transaction,
// preserving the print order established at ingestion.
func (s *Store) InsertRecords(records []types.MergedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryStore, "InsertRecords")
	defer timer.Stop()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO merged_records
		 (session_id, project_id, template_id, position, account, code,
		  values_json, dynamic_json, match_kind, state, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		valuesJSON, err := json.Marshal(r.Values)
		if err != nil {
			return fmt.Errorf("failed to encode record %d values: %w", r.Position, err)
		}
		dynamicJSON, err := json.Marshal(r.DynamicFields)
		if err != nil {
			return fmt.Errorf("failed to encode record %d dynamic fields: %w", r.Position, err)
		}
		if _, err := stmt.Exec(r.SessionID, r.ProjectID, r.TemplateID, r.Position,
			r.Account, r.Code, string(valuesJSON), string(dynamicJSON),
			string(r.Match), string(r.State), r.ErrorMessage); err != nil {
			return fmt.Errorf("failed to insert record %d: %w", r.Position, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insert: %w", err)
	}
	logging.StoreDebug("Inserted %d record(s)", len(records))
	return nil
}

func scanRecord(sc interface{ Scan(...interface{}) error }) (*types.MergedRecord, error) {
	var r types.MergedRecord
	var templateID sql.NullInt64
	var valuesJSON, dynamicJSON, match, state string
	err := sc.Scan(&r.ID, &r.SessionID, &r.ProjectID, &templateID, &r.Position,
		&r.Account, &r.Code, &valuesJSON, &dynamicJSON, &match, &state,
		&r.ErrorMessage, &r.ArtifactPath, &r.ArtifactHash, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.TemplateID = templateID.Int64
	r.Match = types.MatchKind(match)
	r.State = types.RecordState(state)
	if valuesJSON != "" {
		if err := json.Unmarshal([]byte(valuesJSON), &r.Values); err != nil {
			return nil, fmt.Errorf("corrupt values for record %d: %w", r.ID, err)
		}
	}
	if dynamicJSON != "" && dynamicJSON != "null" {
		if err := json.Unmarshal([]byte(dynamicJSON), &r.DynamicFields); err != nil {
			return nil, fmt.Errorf("corrupt dynamic fields for record %d: %w", r.ID, err)
		}
	}
	return &r, nil
}

const recordColumns = `id, session_id, project_id, template_id, position, account, code,
	values_json, COALESCE(dynamic_json, ''), match_kind, state,
	COALESCE(error_message, ''), COALESCE(artifact_path, ''),
	COALESCE(artifact_hash, ''), created_at`

// RecordsBySession returns all records of a session in print order.
func (s *Store) RecordsBySession(sessionID string) ([]types.MergedRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+recordColumns+` FROM merged_records
		 WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []types.MergedRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// RecordByPosition loads one record of a session by print position.
func (s *Store) RecordByPosition(sessionID string, position int) (*types.MergedRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+recordColumns+` FROM merged_records
		 WHERE session_id = ? AND position = ?`, sessionID, position)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return r, err
}

// UpdateRecordFields persists values and dynamic fields after enrichment
// or approval. Terminal records are left untouched.
func (s *Store) UpdateRecordFields(id int64, values, dynamic map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	valuesJSON, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode values: %w", err)
	}
	dynamicJSON, err := json.Marshal(dynamic)
	if err != nil {
		return fmt.Errorf("failed to encode dynamic fields: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE merged_records SET values_json = ?, dynamic_json = ?
		 WHERE id = ? AND state NOT IN (?, ?, ?)`,
		string(valuesJSON), string(dynamicJSON), id,
		string(types.RecordCompleted), string(types.RecordError), string(types.RecordCancelled))
	if err != nil {
		return fmt.Errorf("failed to update record %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// UpdateRecordState transitions one record. Terminal states are immutable:
// an update against a terminal row is a silent no-op so a late worker
// cannot resurrect a cancelled record.
func (s *Store) UpdateRecordState(id int64, state types.RecordState, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	_, err := s.db.Exec(
		`UPDATE merged_records SET state = ?, error_message = ?
		 WHERE id = ? AND state NOT IN (?, ?, ?)`,
		string(state), errMsg, id,
		string(types.RecordCompleted), string(types.RecordError), string(types.RecordCancelled))
	if err != nil {
		return fmt.Errorf("failed to update record %d state: %w", id, err)
	}
	return nil
}

// SetRecordArtifact marks a record completed with its artifact path and hash.
func (s *Store) SetRecordArtifact(id int64, path, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE merged_records SET state = ?, artifact_path = ?, artifact_hash = ?
		 WHERE id = ? AND state NOT IN (?, ?)`,
		string(types.RecordCompleted), path, hash, id,
		string(types.RecordError), string(types.RecordCancelled))
	if err != nil {
		return fmt.Errorf("failed to set artifact for record %d: %w", id, err)
	}
	return nil
}

// CountsByState returns how many records of a session are in each state.
// Pure read, never mutates.
func (s *Store) CountsByState(sessionID string) (map[types.RecordState]int, error) {
	rows, err := s.db.Query(
		`SELECT state, COUNT(*) FROM merged_records
		 WHERE session_id = ? GROUP BY state`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to count records for %s: %w", sessionID, err)
	}
	defer rows.Close()

	counts := make(map[types.RecordState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[types.RecordState(state)] = n
	}
	return counts, rows.Err()
}

// CancelRecords flips every non-terminal record of a session to cancelled
// and returns the number affected.
func (s *Store) CancelRecords(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE merged_records SET state = ?
		 WHERE session_id = ? AND state NOT IN (?, ?, ?)`,
		string(types.RecordCancelled), sessionID,
		string(types.RecordCompleted), string(types.RecordError), string(types.RecordCancelled))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel records for %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	logging.Store("Cancelled %d record(s) in session %s", n, sessionID)
	return int(n), nil
}
