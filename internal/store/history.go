package store

import (
	"database/sql"
	"fmt"
	"time"

	"correo/internal/logging"
	"correo/internal/types"
)

// LatestCounter returns the most recent history entry for the key, or nil
// when the account has no history for that counter type.
func (s *Store) LatestCounter(projectID int64, account string, ctype types.CounterType) (*types.CounterHistoryEntry, error) {
	return latestCounter(s.db, projectID, account, ctype)
}

type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func latestCounter(q querier, projectID int64, account string, ctype types.CounterType) (*types.CounterHistoryEntry, error) {
	row := q.QueryRow(
		`SELECT id, project_id, account, type, COALESCE(previous, ''), value,
		        COALESCE(actor, 0), COALESCE(record_id, 0), changed_at
		 FROM counter_history
		 WHERE project_id = ? AND account = ? AND type = ?
		 ORDER BY changed_at DESC, id DESC LIMIT 1`,
		projectID, account, string(ctype))

	var e types.CounterHistoryEntry
	var t string
	err := row.Scan(&e.ID, &e.ProjectID, &e.Account, &t, &e.Previous, &e.Value,
		&e.Actor, &e.RecordID, &e.ChangedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest counter: %w", err)
	}
	e.Type = types.CounterType(t)
	return &e, nil
}

// NextCounter atomically computes and records a counter successor for
// (project, account, type). The compute callback receives the latest
// history entry (nil when there is none) and returns the new value. The
// read and the append happen inside one transaction under the store
// mutex, so two concurrent enrichments of the same account can never
// observe the same predecessor.
func (s *Store) NextCounter(
	projectID int64,
	account string,
	ctype types.CounterType,
	actor, recordID int64,
	compute func(last *types.CounterHistoryEntry) (string, error),
) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin counter update: %w", err)
	}
	defer tx.Rollback()

	last, err := latestCounter(tx, projectID, account, ctype)
	if err != nil {
		return "", err
	}

	next, err := compute(last)
	if err != nil {
		return "", err
	}

	previous := ""
	if last != nil {
		previous = last.Value
	}
	if _, err := tx.Exec(
		`INSERT INTO counter_history
		 (project_id, account, type, previous, value, actor, record_id, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		projectID, account, string(ctype), previous, next, actor, recordID,
		time.Now().UTC()); err != nil {
		return "", fmt.Errorf("failed to append counter history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit counter update: %w", err)
	}

	logging.StoreDebug("Counter %s project=%d type=%s: %q -> %q", account, projectID, ctype, previous, next)
	return next, nil
}

// CounterHistory returns the full ordered history for a key, oldest first.
func (s *Store) CounterHistory(projectID int64, account string, ctype types.CounterType) ([]types.CounterHistoryEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, account, type, COALESCE(previous, ''), value,
		        COALESCE(actor, 0), COALESCE(record_id, 0), changed_at
		 FROM counter_history
		 WHERE project_id = ? AND account = ? AND type = ?
		 ORDER BY changed_at, id`,
		projectID, account, string(ctype))
	if err != nil {
		return nil, fmt.Errorf("failed to query counter history: %w", err)
	}
	defer rows.Close()

	var out []types.CounterHistoryEntry
	for rows.Next() {
		var e types.CounterHistoryEntry
		var t string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Account, &t, &e.Previous,
			&e.Value, &e.Actor, &e.RecordID, &e.ChangedAt); err != nil {
			return nil, err
		}
		e.Type = types.CounterType(t)
		out = append(out, e)
	}
	return out, rows.Err()
}
