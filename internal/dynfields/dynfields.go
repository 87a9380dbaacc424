// Package dynfields computes the per-record dynamic fields: scannable
// codebar, visit counter, PMO ordinal, document type and emission date.
// Counters are stateful per (project, account) and backed by the
// append-only history in the store; everything else is derived.
package dynfields

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"correo/internal/store"
	"correo/internal/types"
)

// Keys under which computed values land in a record's dynamic map.
// Templates reference these as column names.
const (
	KeyCodebar  = "CODEBAR"
	KeyVisit    = "VISITA"
	KeyPMO      = "PMO"
	KeyDocType  = "DOCUMENTO"
	KeyEmission = "FECHA_EMISION"
)

// defaultCodebarFormat frames account, date and visit between asterisks
// so Code 39 scanners pick it up as one token.
const defaultCodebarFormat = "*{cuenta}{fecha}{visita}*"

const emissionDateLayout = "02/01/2006"
const codebarDateLayout = "20060102"

// visitPrefixes maps document types to their visit counter prefix.
// Longest match wins so "Carta Invitación" is not swallowed by "Carta".
var visitPrefixes = []struct {
	docType string
	prefix  string
}{
	{"CARTA INVITACION", "CI"},
	{"NOTIFICACION", "N"},
	{"APERCIBIMIENTO", "A"},
	{"EMBARGO", "E"},
	{"AVISO", "AV"},
	{"CARTA", "C"},
}

// Engine computes and commits dynamic field values.
type Engine struct {
	store *store.Store
	log   *zap.Logger
}

// New returns an engine backed by the given store.
func New(st *store.Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: st, log: log}
}

// Input carries everything a computation needs for one record.
type Input struct {
	ProjectID int64
	Account   string
	Code      string
	DocType   string
	When      time.Time
	Defs      []types.DynamicFieldDef
	RecordID  int64
	Actor     int64
}

// normalizeDocType uppercases and strips the accents that matter for
// the prefix table.
func normalizeDocType(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	replacer := strings.NewReplacer("Á", "A", "É", "E", "Í", "I", "Ó", "O", "Ú", "U")
	return replacer.Replace(s)
}

// VisitPrefix returns the counter prefix for a document type. Unknown
// types use their first letter uppercased.
func VisitPrefix(docType string) string {
	norm := normalizeDocType(docType)
	for _, p := range visitPrefixes {
		if strings.HasPrefix(norm, p.docType) {
			return p.prefix
		}
	}
	for _, r := range norm {
		if unicode.IsLetter(r) {
			return string(r)
		}
	}
	return "X"
}

// splitVisit separates a stored visit value into prefix and ordinal.
// Returns ok=false for values that do not end in digits.
func splitVisit(value string) (prefix string, n int, ok bool) {
	i := len(value)
	for i > 0 && value[i-1] >= '0' && value[i-1] <= '9' {
		i--
	}
	if i == len(value) {
		return "", 0, false
	}
	n, err := strconv.Atoi(value[i:])
	if err != nil {
		return "", 0, false
	}
	return value[:i], n, true
}

// nextVisit computes the successor visit value. Same prefix increments
// the ordinal; a prefix change (new document type) restarts at 1.
func nextVisit(last *types.CounterHistoryEntry, prefix string) string {
	if last != nil {
		if lp, n, ok := splitVisit(last.Value); ok && lp == prefix {
			return fmt.Sprintf("%s%d", prefix, n+1)
		}
	}
	return prefix + "1"
}

// nextPMO computes the successor ordinal: last numeric value plus one,
// or 1 when there is no usable history.
func nextPMO(last *types.CounterHistoryEntry) string {
	if last != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(last.Value)); err == nil {
			return strconv.Itoa(n + 1)
		}
	}
	return "1"
}

// codebar renders the scannable value. A custom format may reorder the
// named placeholders; when expansion leaves an unresolved placeholder
// the default format takes over instead of emitting a broken code.
func (e *Engine) codebar(format, account, code, visit, pmo string, when time.Time) string {
	if format == "" {
		format = defaultCodebarFormat
	}
	expand := strings.NewReplacer(
		"{cuenta}", account,
		"{codigo}", code,
		"{fecha}", when.Format(codebarDateLayout),
		"{visita}", visit,
		"{pmo}", pmo,
	)
	out := expand.Replace(format)
	if strings.ContainsAny(out, "{}") {
		e.log.Warn("codebar format has unresolved placeholders, using default",
			zap.String("format", format),
			zap.String("account", account))
		out = expand.Replace(defaultCodebarFormat)
	}
	return out
}

// Preview computes the proposed dynamic values for one record without
// touching counter history. The values shown are what Commit would
// record if nothing else advances the counters in between.
func (e *Engine) Preview(in Input) (map[string]string, error) {
	out := make(map[string]string, len(in.Defs))
	var visit, pmo string

	// Counters resolve first so the codebar can embed them.
	for _, def := range in.Defs {
		switch def.Type {
		case types.DynamicVisit:
			last, err := e.store.LatestCounter(in.ProjectID, in.Account, types.CounterVisit)
			if err != nil {
				return nil, err
			}
			visit = nextVisit(last, VisitPrefix(in.DocType))
			out[KeyVisit] = visit
		case types.DynamicPMO:
			last, err := e.store.LatestCounter(in.ProjectID, in.Account, types.CounterPMO)
			if err != nil {
				return nil, err
			}
			pmo = nextPMO(last)
			out[KeyPMO] = pmo
		}
	}

	for _, def := range in.Defs {
		switch def.Type {
		case types.DynamicCodebar:
			out[KeyCodebar] = e.codebar(def.Format, in.Account, in.Code, visit, pmo, in.When)
		case types.DynamicDocType:
			out[KeyDocType] = in.DocType
		case types.DynamicEmission:
			out[KeyEmission] = in.When.Format(emissionDateLayout)
		}
	}
	return out, nil
}

// Commit computes and persists the dynamic values for one record.
// Counter successors are computed and appended atomically per counter,
// so concurrent commits for the same account never share a value.
// Overrides replace computed values key by key; an overridden counter
// value is what lands in history, and the codebar is rendered after
// overrides so it embeds what was actually assigned.
func (e *Engine) Commit(in Input, overrides map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in.Defs))
	var visit, pmo string

	for _, def := range in.Defs {
		switch def.Type {
		case types.DynamicVisit:
			v, err := e.store.NextCounter(in.ProjectID, in.Account, types.CounterVisit,
				in.Actor, in.RecordID,
				func(last *types.CounterHistoryEntry) (string, error) {
					if ov, ok := overrides[KeyVisit]; ok && strings.TrimSpace(ov) != "" {
						return strings.TrimSpace(ov), nil
					}
					return nextVisit(last, VisitPrefix(in.DocType)), nil
				})
			if err != nil {
				return nil, fmt.Errorf("visit counter for %s: %w", in.Account, err)
			}
			visit = v
			out[KeyVisit] = v
		case types.DynamicPMO:
			v, err := e.store.NextCounter(in.ProjectID, in.Account, types.CounterPMO,
				in.Actor, in.RecordID,
				func(last *types.CounterHistoryEntry) (string, error) {
					if ov, ok := overrides[KeyPMO]; ok && strings.TrimSpace(ov) != "" {
						return strings.TrimSpace(ov), nil
					}
					return nextPMO(last), nil
				})
			if err != nil {
				return nil, fmt.Errorf("pmo counter for %s: %w", in.Account, err)
			}
			pmo = v
			out[KeyPMO] = v
		}
	}

	for _, def := range in.Defs {
		switch def.Type {
		case types.DynamicCodebar:
			out[KeyCodebar] = e.codebar(def.Format, in.Account, in.Code, visit, pmo, in.When)
		case types.DynamicDocType:
			out[KeyDocType] = in.DocType
		case types.DynamicEmission:
			out[KeyEmission] = in.When.Format(emissionDateLayout)
		}
	}

	// Non-counter overrides apply last. Counter overrides were already
	// folded in through history; overriding the codebar directly wins
	// over the rendered value.
	for k, v := range overrides {
		if k == KeyVisit || k == KeyPMO {
			continue
		}
		if _, ok := out[k]; ok {
			out[k] = v
		}
	}

	e.log.Debug("dynamic fields committed",
		zap.String("account", in.Account),
		zap.Int64("record", in.RecordID),
		zap.Int("fields", len(out)))
	return out, nil
}
