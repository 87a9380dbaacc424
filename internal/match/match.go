// Package match classifies uploaded records against a reference
// registry. Each row is looked up by its key columns; the outcome is
// exact, partial (found but key values disagree), none, or error.
package match

import (
	"strings"

	"correo/internal/ingest"
	"correo/internal/logging"
	"correo/internal/store"
	"correo/internal/types"
)

// keyTokens mark likely identity columns, in priority order.
var keyTokens = []string{"CUENTA", "ACCOUNT", "CODIGO", "CODE", "ID", "KEY", "UNIQUE"}

// maxFallbackKeys bounds the positional fallback when no column name
// looks like an identity.
const maxFallbackKeys = 3

// Matcher resolves upload rows against one registry table.
type Matcher struct {
	store *store.Store
}

// New returns a matcher backed by the given store.
func New(st *store.Store) *Matcher {
	return &Matcher{store: st}
}

// KeyColumns picks the registry columns used for row lookup: columns
// whose names carry an identity token, or the first columns of the
// table when none do.
func KeyColumns(registryCols []string) []string {
	var keys []string
	seen := make(map[string]bool, len(registryCols))
	for _, tok := range keyTokens {
		for _, col := range registryCols {
			if seen[col] {
				continue
			}
			if strings.Contains(ingest.NormalizeHeader(col), tok) {
				keys = append(keys, col)
				seen[col] = true
			}
		}
	}
	if len(keys) > 0 {
		return keys
	}

	n := len(registryCols)
	if n > maxFallbackKeys {
		n = maxFallbackKeys
	}
	return append(keys, registryCols[:n]...)
}

// columnMap maps each registry key column to the upload header feeding
// it: exact normalized name match first, substring containment second.
func columnMap(keyCols, uploadHeaders []string) map[string]string {
	norm := make(map[string]string, len(uploadHeaders)) // normalized -> original header
	for _, h := range uploadHeaders {
		n := ingest.NormalizeHeader(h)
		if _, ok := norm[n]; !ok {
			norm[n] = h
		}
	}

	out := make(map[string]string, len(keyCols))
	for _, kc := range keyCols {
		nk := ingest.NormalizeHeader(kc)
		if h, ok := norm[nk]; ok {
			out[kc] = h
			continue
		}
		// Substring pass walks headers in upload order so ties resolve
		// deterministically.
		for _, h := range uploadHeaders {
			nh := ingest.NormalizeHeader(h)
			if strings.Contains(nh, nk) || strings.Contains(nk, nh) {
				out[kc] = h
				break
			}
		}
	}
	return out
}

// MatchRecords looks up every upload record in the registry table and
// classifies the outcome. A store failure marks only the affected row
// as an error; the batch keeps going.
func (m *Matcher) MatchRecords(table string, registryCols []string, recs []types.UploadRecord, uploadHeaders []string) []types.MatchResult {
	timer := logging.StartTimer(logging.CategoryMatch, "match records")
	defer timer.Stop()

	keyCols := KeyColumns(registryCols)
	colMap := columnMap(keyCols, uploadHeaders)
	logging.Match("Matching %d records against %s: keys=%v mapped=%d",
		len(recs), table, keyCols, len(colMap))

	results := make([]types.MatchResult, 0, len(recs))
	for _, rec := range recs {
		results = append(results, m.matchOne(table, keyCols, colMap, rec))
	}

	var exact, partial, none, errs int
	for _, r := range results {
		switch r.Kind {
		case types.MatchExact:
			exact++
		case types.MatchPartial:
			partial++
		case types.MatchNone:
			none++
		case types.MatchError:
			errs++
		}
	}
	logging.Match("Match done: exact=%d partial=%d none=%d error=%d", exact, partial, none, errs)
	return results
}

func (m *Matcher) matchOne(table string, keyCols []string, colMap map[string]string, rec types.UploadRecord) types.MatchResult {
	res := types.MatchResult{Index: rec.Index, Columns: keyCols}

	// Lookup keys: registry column -> uploaded value, blanks dropped.
	lookup := make(map[string]string, len(colMap))
	for regCol, upCol := range colMap {
		if v := strings.TrimSpace(rec.Values[upCol]); v != "" {
			lookup[regCol] = v
		}
	}
	if len(lookup) == 0 {
		res.Kind = types.MatchNone
		return res
	}

	row, err := m.store.FindRegistryRow(table, lookup)
	if err != nil {
		logging.Get(logging.CategoryMatch).Error("Row %d lookup failed: %v", rec.Index, err)
		res.Kind = types.MatchError
		res.Err = err.Error()
		return res
	}
	if row == nil {
		res.Kind = types.MatchNone
		return res
	}

	res.Registry = row
	for regCol, upVal := range lookup {
		regVal := strings.TrimSpace(row[regCol])
		// Only disagreements between two present values count; a blank
		// registry cell is missing data, not a conflict.
		if regVal == "" {
			continue
		}
		if regVal != strings.TrimSpace(upVal) {
			res.Conflicts = append(res.Conflicts, types.FieldConflict{
				Column:   regCol,
				Uploaded: upVal,
				Registry: regVal,
			})
		}
	}
	if len(res.Conflicts) > 0 {
		res.Kind = types.MatchPartial
	} else {
		res.Kind = types.MatchExact
	}
	return res
}

// Merge folds a matched registry row under an upload record's values.
// Upload columns win on name collision; registry-only columns are added.
func Merge(rec types.UploadRecord, res types.MatchResult) map[string]string {
	merged := make(map[string]string, len(rec.Values)+len(res.Registry))
	for col, v := range res.Registry {
		merged[col] = v
	}
	for col, v := range rec.Values {
		merged[col] = v
	}
	return merged
}
