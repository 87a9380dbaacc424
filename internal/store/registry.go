package store

import (
	"database/sql"
	"fmt"
	"strings"

	"correo/internal/logging"
)

// ResolveRegistry maps a registry identifier from the catalog to its
// backing table name.
func (s *Store) ResolveRegistry(uuid string) (string, error) {
	row := s.db.QueryRow(
		`SELECT table_name FROM registry_catalog WHERE uuid = ? AND active = 1`, uuid)
	var table string
	if err := row.Scan(&table); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrRegistryNotFound
		}
		return "", fmt.Errorf("failed to resolve registry %s: %w", uuid, err)
	}
	if !identRe.MatchString(table) {
		return "", fmt.Errorf("registry %s has invalid table name %q", uuid, table)
	}
	return table, nil
}

// RegistryColumns introspects the column names of a registry table in
// declaration order.
func (s *Store) RegistryColumns(table string) ([]string, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid registry table name %q", table)
	}
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("registry table %s has no columns", table)
	}
	return cols, nil
}

// FindRegistryRow performs a disjunctive lookup: any of the given
// column=value pairs may hit. Returns the first matching row as a
// column->value map with every value read as text, or nil when nothing
// matches. Empty lookup values are ignored by the caller.
func (s *Store) FindRegistryRow(table string, keys map[string]string) (map[string]string, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid registry table name %q", table)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	var conds []string
	var args []interface{}
	for col, val := range keys {
		if !identRe.MatchString(col) {
			return nil, fmt.Errorf("invalid registry column name %q", col)
		}
		conds = append(conds, fmt.Sprintf("%q = ?", col))
		args = append(args, val)
	}

	query := fmt.Sprintf(`SELECT * FROM %q WHERE %s LIMIT 1`,
		table, strings.Join(conds, " OR "))
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry lookup on %s failed: %w", table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	raw := make([]sql.NullString, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan registry row: %w", err)
	}

	out := make(map[string]string, len(cols))
	for i, col := range cols {
		// Blanks and NULLs normalize to the empty string so downstream
		// string operations stay total.
		out[col] = raw[i].String
	}
	return out, nil
}

// LoadRegistry registers a table in the catalog, (re)creates it with
// text columns and bulk-loads the given rows. Used by the CLI and tests
// to stand up reference data.
func (s *Store) LoadRegistry(uuid, table string, columns []string, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !identRe.MatchString(table) {
		return fmt.Errorf("invalid registry table name %q", table)
	}
	for _, c := range columns {
		if !identRe.MatchString(c) {
			return fmt.Errorf("invalid registry column name %q", c)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin registry load: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table)); err != nil {
		return fmt.Errorf("failed to drop old registry table: %w", err)
	}

	defs := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = fmt.Sprintf("%q TEXT", c)
		marks[i] = "?"
	}
	if _, err := tx.Exec(fmt.Sprintf(`CREATE TABLE %q (%s)`,
		table, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("failed to create registry table %s: %w", table, err)
	}

	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %q VALUES (%s)`,
		table, strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare registry insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range rows {
		if len(r) != len(columns) {
			return fmt.Errorf("registry row %d has %d values, want %d", i, len(r), len(columns))
		}
		args := make([]interface{}, len(r))
		for j, v := range r {
			args[j] = v
		}
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("failed to insert registry row %d: %w", i, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO registry_catalog (uuid, table_name, active) VALUES (?, ?, 1)
		 ON CONFLICT(uuid) DO UPDATE SET table_name = excluded.table_name, active = 1`,
		uuid, table); err != nil {
		return fmt.Errorf("failed to register %s in catalog: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit registry load: %w", err)
	}
	logging.Store("Loaded registry %s (%s): %d columns, %d rows", uuid, table, len(columns), len(rows))
	return nil
}
