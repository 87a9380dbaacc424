package compose

import (
	"regexp"
	"strings"

	"correo/internal/ingest"
	"correo/internal/types"
)

// tokenRe matches <<COLUMN>> substitution tokens in fixed text.
var tokenRe = regexp.MustCompile(`<<([^<>]+)>>`)

// resolver answers column lookups for one record, case-insensitively.
// Merged values shadow dynamic fields under the same normalized name.
type resolver struct {
	exact map[string]string
	norm  map[string]string
}

func newResolver(rec *types.MergedRecord) *resolver {
	r := &resolver{
		exact: make(map[string]string, len(rec.Values)+len(rec.DynamicFields)),
		norm:  make(map[string]string, len(rec.Values)+len(rec.DynamicFields)),
	}
	for k, v := range rec.DynamicFields {
		r.exact[k] = v
		r.norm[ingest.NormalizeHeader(k)] = v
	}
	for k, v := range rec.Values {
		r.exact[k] = v
		r.norm[ingest.NormalizeHeader(k)] = v
	}
	return r
}

// lookup returns the value for a column reference. A miss renders as
// the bracketed column name so the gap is visible on the page instead
// of silently collapsing the layout.
func (r *resolver) lookup(key string) string {
	key = strings.TrimSpace(key)
	if v, ok := r.exact[key]; ok {
		return v
	}
	if v, ok := r.norm[ingest.NormalizeHeader(key)]; ok {
		return v
	}
	return "[" + key + "]"
}

// substitute expands every <<COLUMN>> token in fixed text.
func (r *resolver) substitute(text string) string {
	return tokenRe.ReplaceAllStringFunc(text, func(tok string) string {
		name := tok[2 : len(tok)-2]
		return r.lookup(name)
	})
}

// components concatenates the visible parts of a composite in order.
func (r *resolver) components(comps []types.Component) string {
	var b strings.Builder
	for _, c := range comps {
		if !c.Visible {
			continue
		}
		switch c.Kind {
		case types.ComponentLiteral:
			b.WriteString(c.Value)
		case types.ComponentColumn:
			b.WriteString(r.lookup(c.Value))
		}
	}
	return b.String()
}

// fieldText resolves the drawable text of a non-table field.
func (r *resolver) fieldText(f *types.Field) string {
	switch f.Kind {
	case types.FieldText:
		return r.substitute(f.Text)
	case types.FieldColumn:
		return r.lookup(f.Column)
	case types.FieldComposite:
		return r.components(f.Components)
	}
	return ""
}
