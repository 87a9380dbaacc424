package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"correo/internal/config"
	"correo/internal/store"
	"correo/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	cfg.Workers = 2

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := New(cfg, st, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC) }
	return svc, st
}

func seedRegistry(t *testing.T, svc *Service) {
	t.Helper()
	csv := "CUENTA,CODIGO,NOMBRE,DIRECCION\n" +
		"100,A1,Ana,Calle 1\n" +
		"200,B2,Beto,Calle 2\n" +
		"300,C3,Carla,Calle 3\n"
	n, err := svc.LoadRegistryCSV("reg-1", []byte(csv), ",")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func seedTemplate(t *testing.T, st *store.Store) int64 {
	t.Helper()
	id, err := st.SaveTemplate(&types.Template{
		Name: "notificacion",
		Fields: []types.Field{
			{ID: 1, Kind: types.FieldText, Active: true,
				Text: "Estimado <<NOMBRE>>, cuenta <<CUENTA>>, visita <<VISITA>>",
				X:    20, Y: 40, Width: 170, Height: 10,
				Style: types.Style{Font: "Helvetica", Size: 11}},
			{ID: 2, Kind: types.FieldColumn, Active: true, Column: "CODEBAR",
				X: 20, Y: 310, Width: 120, Height: 8,
				Style: types.Style{Font: "Courier", Size: 10}},
		},
	})
	require.NoError(t, err)
	return id
}

// upload has one exact row, one partial (account disagrees, code hits)
// and one with no registry counterpart.
const testUpload = "CUENTA,CODIGO,NOMBRE\n" +
	"100,A1,Ana\n" +
	"999,B2,Beto\n" +
	"888,Z9,Zoe\n"

func TestIngestAndMatch(t *testing.T) {
	svc, _ := newTestService(t)
	seedRegistry(t, svc)

	summary, err := svc.IngestAndMatch(IngestRequest{
		ProjectID: 1, TemplateID: 1, RegistryUUID: "reg-1",
		Data: []byte(testUpload),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Exact)
	assert.Equal(t, 1, summary.Partial)
	assert.Equal(t, 1, summary.None)
	assert.Equal(t, "utf-8", summary.Encoding)

	// Partial match landed in the exception list with its conflict.
	exceptions, err := svc.Exceptions(summary.SessionID)
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, "999", exceptions[0].Account)
	require.Len(t, exceptions[0].Conflicts, 1)
	assert.Equal(t, "CUENTA", exceptions[0].Conflicts[0].Column)

	// Records are stored in print order, grouped by account.
	status, err := svc.Status(summary.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionMatched, status.State)
	assert.Equal(t, 3, status.Total)
}

func TestIngestRejectsUnknownRegistry(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.IngestAndMatch(IngestRequest{
		ProjectID: 1, RegistryUUID: "missing", Data: []byte(testUpload),
	})
	assert.ErrorIs(t, err, store.ErrRegistryNotFound)
}

func TestPreviewThenApprove(t *testing.T) {
	svc, _ := newTestService(t)
	seedRegistry(t, svc)
	summary, err := svc.IngestAndMatch(IngestRequest{
		ProjectID: 1, RegistryUUID: "reg-1", Data: []byte(testUpload),
	})
	require.NoError(t, err)

	previews, err := svc.PreviewDynamicFields(summary.SessionID, "Notificación", nil)
	require.NoError(t, err)
	require.Len(t, previews, 3)
	for _, p := range previews {
		assert.Equal(t, "N1", p.Fields["VISITA"], "account %s", p.Account)
		assert.Equal(t, "1", p.Fields["PMO"])
	}

	// Preview twice: still N1, nothing consumed.
	previews, err = svc.PreviewDynamicFields(summary.SessionID, "Notificación", nil)
	require.NoError(t, err)
	assert.Equal(t, "N1", previews[0].Fields["VISITA"])

	require.NoError(t, svc.ApproveDynamicFields(summary.SessionID, "Notificación", nil, nil, 7))

	status, err := svc.Status(summary.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, status.State)

	// A second session for the same accounts now previews N2.
	summary2, err := svc.IngestAndMatch(IngestRequest{
		ProjectID: 1, RegistryUUID: "reg-1", Data: []byte(testUpload),
	})
	require.NoError(t, err)
	previews2, err := svc.PreviewDynamicFields(summary2.SessionID, "Notificación", nil)
	require.NoError(t, err)
	assert.Equal(t, "N2", previews2[0].Fields["VISITA"])
}

func TestApproveOverrides(t *testing.T) {
	svc, st := newTestService(t)
	seedRegistry(t, svc)
	summary, err := svc.IngestAndMatch(IngestRequest{
		ProjectID: 1, RegistryUUID: "reg-1", Data: []byte(testUpload),
	})
	require.NoError(t, err)

	overrides := map[int]map[string]string{
		0: {"VISITA": "N5"},
	}
	require.NoError(t, svc.ApproveDynamicFields(summary.SessionID, "Notificación", nil, overrides, 7))

	rec, err := st.RecordByPosition(summary.SessionID, 0)
	require.NoError(t, err)
	assert.Equal(t, "N5", rec.DynamicFields["VISITA"])
	assert.Contains(t, rec.DynamicFields["CODEBAR"], "N5")
}

func TestFullPipeline(t *testing.T) {
	svc, st := newTestService(t)
	seedRegistry(t, svc)
	tplID := seedTemplate(t, st)

	summary, err := svc.IngestAndMatch(IngestRequest{
		ProjectID: 1, TemplateID: tplID, RegistryUUID: "reg-1",
		Data: []byte(testUpload),
	})
	require.NoError(t, err)

	// Download before generation is refused.
	_, err = svc.DownloadArchive(summary.SessionID)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, svc.ApproveDynamicFields(summary.SessionID, "Notificación", nil, nil, 0))
	require.NoError(t, svc.StartGeneration(summary.SessionID, tplID))
	// Starting again mid-flight must not double-generate.
	require.NoError(t, svc.StartGeneration(summary.SessionID, tplID))
	svc.WaitForSession(summary.SessionID)

	status, err := svc.Status(summary.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, status.State)
	assert.Equal(t, 3, status.Counts[types.RecordCompleted])
	assert.InDelta(t, 100.0, status.Percent, 0.001)

	// Status polling is pure: ask twice, same answer.
	again, err := svc.Status(summary.SessionID)
	require.NoError(t, err)
	assert.Equal(t, status.State, again.State)
	assert.Equal(t, status.Counts, again.Counts)

	path, err := svc.DownloadArchive(summary.SessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}

func TestPartialFailureArchiveStillDownloadable(t *testing.T) {
	svc, st := newTestService(t)
	seedRegistry(t, svc)
	tplID := seedTemplate(t, st)

	summary, err := svc.IngestAndMatch(IngestRequest{
		ProjectID: 1, TemplateID: tplID, RegistryUUID: "reg-1",
		Data: []byte(testUpload),
	})
	require.NoError(t, err)
	require.NoError(t, svc.ApproveDynamicFields(summary.SessionID, "Notificación", nil, nil, 0))

	// One record failed before generation; the other two still render
	// and their archive must be downloadable.
	rec, err := st.RecordByPosition(summary.SessionID, 1)
	require.NoError(t, err)
	require.NoError(t, st.UpdateRecordState(rec.ID, types.RecordError, "enrichment failed"))

	require.NoError(t, svc.StartGeneration(summary.SessionID, tplID))
	svc.WaitForSession(summary.SessionID)

	status, err := svc.Status(summary.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, status.State)
	assert.Equal(t, 2, status.Counts[types.RecordCompleted])
	assert.Equal(t, 1, status.Counts[types.RecordError])

	path, err := svc.DownloadArchive(summary.SessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}

func TestCancelBeforeGeneration(t *testing.T) {
	svc, _ := newTestService(t)
	seedRegistry(t, svc)
	summary, err := svc.IngestAndMatch(IngestRequest{
		ProjectID: 1, RegistryUUID: "reg-1", Data: []byte(testUpload),
	})
	require.NoError(t, err)
	require.NoError(t, svc.ApproveDynamicFields(summary.SessionID, "Notificación", nil, nil, 0))

	require.NoError(t, svc.Cancel(summary.SessionID))

	status, err := svc.Status(summary.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCancelled, status.State)
	assert.Equal(t, 3, status.Counts[types.RecordCancelled])

	_, err = svc.DownloadArchive(summary.SessionID)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestCancelUnknownSession(t *testing.T) {
	svc, _ := newTestService(t)
	assert.ErrorIs(t, svc.Cancel("missing"), store.ErrSessionNotFound)
}

func TestCleanupExpired(t *testing.T) {
	svc, st := newTestService(t)
	seedRegistry(t, svc)
	summary, err := svc.IngestAndMatch(IngestRequest{
		ProjectID: 1, RegistryUUID: "reg-1", Data: []byte(testUpload),
	})
	require.NoError(t, err)

	// Retention cutoff in the future removes everything transient.
	svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err := svc.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.Session(summary.SessionID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestSanitizeIdent(t *testing.T) {
	tests := map[string]string{
		"CUENTA":      "CUENTA",
		"NRO CUENTA":  "NRO_CUENTA",
		"1COL":        "c_1COL",
		"":            "c_",
		"año-fiscal":  "a_o_fiscal",
		"NOMBRE(ALT)": "NOMBRE_ALT_",
	}
	for in, want := range tests {
		if got := sanitizeIdent(in); got != want {
			t.Errorf("sanitizeIdent(%q) = %q, want %q", in, got, want)
		}
	}
}
