package types

import (
	"strings"
	"testing"
)

func TestFieldValidate(t *testing.T) {
	tests := []struct {
		name    string
		field   Field
		wantErr string
	}{
		{
			name:  "valid text field",
			field: Field{ID: 1, Kind: FieldText, Text: "Hola <<NOMBRE>>", X: 10, Y: 10, Width: 50, Height: 10},
		},
		{
			name:  "valid column field",
			field: Field{ID: 2, Kind: FieldColumn, Column: "CUENTA", X: 0, Y: 0, Width: 30, Height: 8},
		},
		{
			name: "valid composite",
			field: Field{ID: 3, Kind: FieldComposite, X: 5, Y: 5, Width: 80, Height: 10,
				Components: []Component{
					{Kind: ComponentLiteral, Value: "Cuenta: ", Visible: true},
					{Kind: ComponentColumn, Value: "CUENTA", Visible: true},
				}},
		},
		{
			name: "valid table",
			field: Field{ID: 4, Kind: FieldTable, X: 10, Y: 100, Width: 100, Height: 40,
				Table: &TableDef{Rows: 2, Cols: 2, Cells: []TableCell{
					{Row: 0, Col: 0, Components: []Component{{Kind: ComponentLiteral, Value: "Concepto", Visible: true}}},
				}}},
		},
		{
			name:    "negative position",
			field:   Field{ID: 5, Kind: FieldText, Text: "x", X: -1, Y: 0, Width: 10, Height: 10},
			wantErr: "negative position",
		},
		{
			name:    "zero width",
			field:   Field{ID: 6, Kind: FieldText, Text: "x", Width: 0, Height: 10},
			wantErr: "must be positive",
		},
		{
			name:    "column field without column",
			field:   Field{ID: 7, Kind: FieldColumn, Column: "  ", Width: 10, Height: 10},
			wantErr: "requires a registry column",
		},
		{
			name:    "text field with foreign payload",
			field:   Field{ID: 8, Kind: FieldText, Text: "x", Column: "CUENTA", Width: 10, Height: 10},
			wantErr: "foreign payload",
		},
		{
			name:    "composite without components",
			field:   Field{ID: 9, Kind: FieldComposite, Width: 10, Height: 10},
			wantErr: "requires components",
		},
		{
			name: "table cell outside grid",
			field: Field{ID: 10, Kind: FieldTable, Width: 10, Height: 10,
				Table: &TableDef{Rows: 1, Cols: 1, Cells: []TableCell{{Row: 1, Col: 0}}}},
			wantErr: "outside",
		},
		{
			name: "table cell with nested kind",
			field: Field{ID: 11, Kind: FieldTable, Width: 10, Height: 10,
				Table: &TableDef{Rows: 1, Cols: 1, Cells: []TableCell{
					{Row: 0, Col: 0, Components: []Component{{Kind: "compuesto", Value: "x"}}},
				}}},
			wantErr: "nests kind",
		},
		{
			name:    "unknown kind",
			field:   Field{ID: 12, Kind: "imagen", Width: 10, Height: 10},
			wantErr: "unknown kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.field.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRecordStateTerminal(t *testing.T) {
	terminal := []RecordState{RecordCompleted, RecordError, RecordCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []RecordState{RecordPending, RecordGenerating} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestMergedRecordValue(t *testing.T) {
	rec := &MergedRecord{
		Values:        map[string]string{"CUENTA": "12345", "NOMBRE": "Ana"},
		DynamicFields: map[string]string{"VISITA": "N1", "CUENTA": "shadowed"},
	}

	if v, ok := rec.Value("CUENTA"); !ok || v != "12345" {
		t.Errorf("Value(CUENTA) = %q, %v; want merged value to win", v, ok)
	}
	if v, ok := rec.Value("VISITA"); !ok || v != "N1" {
		t.Errorf("Value(VISITA) = %q, %v; want dynamic fallback", v, ok)
	}
	if _, ok := rec.Value("NOPE"); ok {
		t.Error("Value(NOPE) reported ok for a missing key")
	}
}
