package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"correo/internal/types"
)

// SaveTemplate stores a template definition and returns its id.
// Template editing itself lives outside this system; this exists for the
// CLI and tests to seed layouts.
func (s *Store) SaveTemplate(t *types.Template) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := t.Validate(); err != nil {
		return 0, err
	}
	fieldsJSON, err := json.Marshal(t.Fields)
	if err != nil {
		return 0, fmt.Errorf("failed to encode template fields: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO templates (name, fields_json, base_path) VALUES (?, ?, ?)`,
		t.Name, string(fieldsJSON), t.BasePath)
	if err != nil {
		return 0, fmt.Errorf("failed to save template: %w", err)
	}
	return res.LastInsertId()
}

// Template loads a template with its positioned fields and base document
// path.
func (s *Store) Template(id int64) (*types.Template, error) {
	row := s.db.QueryRow(
		`SELECT id, name, fields_json, COALESCE(base_path, '') FROM templates WHERE id = ?`, id)

	var t types.Template
	var fieldsJSON string
	if err := row.Scan(&t.ID, &t.Name, &fieldsJSON, &t.BasePath); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to load template %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &t.Fields); err != nil {
		return nil, fmt.Errorf("corrupt fields for template %d: %w", id, err)
	}
	return &t, nil
}
