// Package types defines the shared data model for the correspondence
// pipeline: template fields, upload/merged records, sessions, counter
// history and match exceptions. Pure data, no I/O.
package types

import (
	"fmt"
	"strings"
	"time"
)

// FieldKind discriminates the payload variant of a template field.
// The wire tags are the Spanish values produced by the template editor.
type FieldKind string

const (
	FieldText      FieldKind = "texto"     // fixed text, may embed <<name>> tokens
	FieldColumn    FieldKind = "campo"     // single registry column lookup
	FieldComposite FieldKind = "compuesto" // ordered literal/column components
	FieldTable     FieldKind = "tabla"     // grid of per-cell component lists
)

// Alignment of text within a field box.
type Alignment string

const (
	AlignLeft    Alignment = "left"
	AlignCenter  Alignment = "center"
	AlignRight   Alignment = "right"
	AlignJustify Alignment = "justify"
)

// ComponentKind discriminates composite sub-parts.
type ComponentKind string

const (
	ComponentLiteral ComponentKind = "texto"
	ComponentColumn  ComponentKind = "campo"
)

// Component is one ordered part of a composite field or table cell.
type Component struct {
	Kind    ComponentKind `json:"tipo"`
	Value   string        `json:"valor"`
	Visible bool          `json:"visible"`
}

// TableCell holds the components rendered into one grid cell.
// Cells are one level deep: components are literal or column only.
type TableCell struct {
	Row        int         `json:"fila"`
	Col        int         `json:"columna"`
	Components []Component `json:"componentes"`
}

// TableDef describes a tabular grid field.
type TableDef struct {
	Rows  int         `json:"filas"`
	Cols  int         `json:"columnas"`
	Cells []TableCell `json:"celdas"`
}

// Style carries the text appearance of a field.
type Style struct {
	Font   string    `json:"fuente"`
	Size   float64   `json:"tamano_fuente"`
	Color  string    `json:"color"` // #RRGGBB
	Bold   bool      `json:"negrita"`
	Italic bool      `json:"cursiva"`
	Align  Alignment `json:"alineacion"`
}

// Field is one positioned element of a template. Geometry is in
// millimeters; conversion to device units happens at draw time.
// Exactly one payload variant is populated per kind.
type Field struct {
	ID     int64     `json:"id"`
	Kind   FieldKind `json:"tipo"`
	Active bool      `json:"activo"`

	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"ancho"`
	Height float64 `json:"alto"`

	Style Style `json:"estilo"`

	// Payloads, one per kind.
	Text       string      `json:"texto_fijo,omitempty"`
	Column     string      `json:"columna_padron,omitempty"`
	Components []Component `json:"componentes_json,omitempty"`
	Table      *TableDef   `json:"tabla_json,omitempty"`
}

// Validate checks geometry and the one-payload-per-kind invariant.
func (f *Field) Validate() error {
	if f.X < 0 || f.Y < 0 {
		return fmt.Errorf("field %d: negative position (%.2f, %.2f)", f.ID, f.X, f.Y)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("field %d: width and height must be positive", f.ID)
	}

	switch f.Kind {
	case FieldText:
		if f.Column != "" || len(f.Components) > 0 || f.Table != nil {
			return fmt.Errorf("field %d: kind %q carries a foreign payload", f.ID, f.Kind)
		}
	case FieldColumn:
		if strings.TrimSpace(f.Column) == "" {
			return fmt.Errorf("field %d: kind %q requires a registry column", f.ID, f.Kind)
		}
		if f.Text != "" || len(f.Components) > 0 || f.Table != nil {
			return fmt.Errorf("field %d: kind %q carries a foreign payload", f.ID, f.Kind)
		}
	case FieldComposite:
		if len(f.Components) == 0 {
			return fmt.Errorf("field %d: kind %q requires components", f.ID, f.Kind)
		}
		if f.Text != "" || f.Column != "" || f.Table != nil {
			return fmt.Errorf("field %d: kind %q carries a foreign payload", f.ID, f.Kind)
		}
		for i, c := range f.Components {
			if c.Kind != ComponentLiteral && c.Kind != ComponentColumn {
				return fmt.Errorf("field %d: component %d has unsupported kind %q", f.ID, i, c.Kind)
			}
		}
	case FieldTable:
		if f.Table == nil {
			return fmt.Errorf("field %d: kind %q requires a grid definition", f.ID, f.Kind)
		}
		if f.Text != "" || f.Column != "" || len(f.Components) > 0 {
			return fmt.Errorf("field %d: kind %q carries a foreign payload", f.ID, f.Kind)
		}
		for _, cell := range f.Table.Cells {
			if cell.Row < 0 || cell.Row >= f.Table.Rows || cell.Col < 0 || cell.Col >= f.Table.Cols {
				return fmt.Errorf("field %d: cell (%d,%d) outside %dx%d grid",
					f.ID, cell.Row, cell.Col, f.Table.Rows, f.Table.Cols)
			}
			// Nesting is one level only: a cell component referencing
			// another composite is an input error, not a render case.
			for i, c := range cell.Components {
				if c.Kind != ComponentLiteral && c.Kind != ComponentColumn {
					return fmt.Errorf("field %d: cell (%d,%d) component %d nests kind %q",
						f.ID, cell.Row, cell.Col, i, c.Kind)
				}
			}
		}
	default:
		return fmt.Errorf("field %d: unknown kind %q", f.ID, f.Kind)
	}
	return nil
}

// Template is the consumed read-only view of a stored template.
type Template struct {
	ID       int64   `json:"id"`
	Name     string  `json:"nombre"`
	Fields   []Field `json:"elementos"`
	BasePath string  `json:"pdf_base"` // empty when composing from a blank page
}

// Validate validates every field of the template.
func (t *Template) Validate() error {
	for i := range t.Fields {
		if err := t.Fields[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// UploadRecord is one row of an uploaded file, transient until merged.
type UploadRecord struct {
	Index   int               // zero-based row position within the upload
	Values  map[string]string // raw column -> value, original header casing
	Account string            // extracted via column-name token scan
	Code    string
}

// MatchKind classifies the registry match outcome for one row.
type MatchKind string

const (
	MatchExact   MatchKind = "exact"
	MatchPartial MatchKind = "partial"
	MatchNone    MatchKind = "none"
	MatchError   MatchKind = "error"
)

// FieldConflict records one disagreeing key column of a partial match.
type FieldConflict struct {
	Column   string `json:"columna"`
	Uploaded string `json:"valor_csv"`
	Registry string `json:"valor_padron"`
}

// MatchResult is the per-row outcome of registry matching.
type MatchResult struct {
	Index     int
	Kind      MatchKind
	Registry  map[string]string // matched registry row, nil when none
	Columns   []string          // registry key columns used for the lookup
	Conflicts []FieldConflict   // populated for partial matches
	Err       string            // populated for error rows
}

// RecordState is the per-record generation state.
type RecordState string

const (
	RecordPending    RecordState = "pendiente"
	RecordGenerating RecordState = "generando"
	RecordCompleted  RecordState = "completado"
	RecordError      RecordState = "error"
	RecordCancelled  RecordState = "cancelado"
)

// Terminal reports whether the state is final. Terminal states are immutable.
func (s RecordState) Terminal() bool {
	switch s {
	case RecordCompleted, RecordError, RecordCancelled:
		return true
	}
	return false
}

// SessionState is the batch-level state.
type SessionState string

const (
	SessionUploaded   SessionState = "uploaded"
	SessionMatched    SessionState = "matched"
	SessionPending    SessionState = "pending"
	SessionGenerating SessionState = "generating"
	SessionCompleted  SessionState = "completed"
	SessionError      SessionState = "error"
	SessionCancelled  SessionState = "cancelled"
)

// MergedRecord is the union of an upload row and its matched registry row,
// enriched with dynamic fields once computed. Belongs to exactly one session.
type MergedRecord struct {
	ID            int64
	SessionID     string
	ProjectID     int64
	TemplateID    int64
	Position      int // print order within the session, by account
	Account       string
	Code          string
	Values        map[string]string
	DynamicFields map[string]string
	Match         MatchKind
	State         RecordState
	ErrorMessage  string
	ArtifactPath  string
	ArtifactHash  string
	CreatedAt     time.Time
}

// Value looks up a merged value, falling back through the dynamic fields.
func (r *MergedRecord) Value(key string) (string, bool) {
	if v, ok := r.Values[key]; ok {
		return v, true
	}
	v, ok := r.DynamicFields[key]
	return v, ok
}

// Session identifies a batch run end to end.
type Session struct {
	ID          string
	ProjectID   int64
	TemplateID  int64
	State       SessionState
	Delimiter   string
	Encoding    string // encoding actually used for the upload
	ArchivePath string
	CreatedAt   time.Time
}

// CounterType names a per-account sequence.
type CounterType string

const (
	CounterVisit CounterType = "visita"
	CounterPMO   CounterType = "pmo"
)

// CounterHistoryEntry is an immutable append-only counter change.
// For a given (project, account, type) entries are totally ordered by
// ChangedAt and each Value seeds the next entry's successor.
type CounterHistoryEntry struct {
	ID        int64
	ProjectID int64
	Account   string
	Type      CounterType
	Previous  string
	Value     string
	Actor     int64
	RecordID  int64
	ChangedAt time.Time
}

// MatchException flags a partial match for manual reconciliation.
type MatchException struct {
	ID        int64
	ProjectID int64
	SessionID string
	Account   string
	Code      string
	Conflicts []FieldConflict
	CreatedAt time.Time
}

// DynamicFieldType names a computed field definition.
type DynamicFieldType string

const (
	DynamicCodebar  DynamicFieldType = "codebar"
	DynamicVisit    DynamicFieldType = "visita"
	DynamicPMO      DynamicFieldType = "pmo"
	DynamicDocType  DynamicFieldType = "documento"
	DynamicEmission DynamicFieldType = "fecha"
)

// DynamicFieldDef is one active dynamic-field definition of a project.
type DynamicFieldDef struct {
	Type   DynamicFieldType `json:"tipo"`
	Format string           `json:"formato,omitempty"` // codebar only
}

// ProjectConfig lists a project's active dynamic-field definitions.
type ProjectConfig struct {
	ProjectID int64
	Defs      []DynamicFieldDef
}
